package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	bolt "go.etcd.io/bbolt"

	"github.com/docsyncd/docsync"
)

const DefaultRelayUrl = "ws://127.0.0.1:8090/"

const Version = "0.1.0"

func main() {
	usage := fmt.Sprintf(
		`Document sync control.

The default relay url is:
    relay_url: %s

Usage:
    docsyncctl relay [--port=<port>]
    docsyncctl sync --room=<room>
        [--relay_url=<relay_url>]
        [--db=<db>]
        [--throttle=<throttle_ms>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --room=<room>              Room and document name.
    --relay_url=<relay_url>
    --db=<db>                  Local bbolt database file [default: docsync.db].
    --throttle=<throttle_ms>   Broadcast throttle interval in milliseconds [default: 0].
    -p --port=<port>           Relay listen port [default: 8090].`,
		DefaultRelayUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		relay(opts)
	} else if sync_, _ := opts.Bool("sync"); sync_ {
		sync(opts)
	}
}

func relay(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	r := docsync.NewRelayWithDefaults()
	addr := fmt.Sprintf(":%d", port)
	fmt.Printf("relay listening on %s\n", addr)
	if err := http.ListenAndServe(addr, r); err != nil {
		glog.Errorf("[ctl]relay exit = %s\n", err)
		os.Exit(1)
	}
}

// sync attaches an in-memory document to a relay room with local bbolt
// persistence, then applies key=value edits from stdin
func sync(opts docopt.Opts) {
	room, _ := opts.String("--room")

	var relayUrl string
	if relayUrlAny := opts["--relay_url"]; relayUrlAny != nil {
		relayUrl = relayUrlAny.(string)
	} else {
		relayUrl = DefaultRelayUrl
	}

	dbPath, _ := opts.String("--db")
	throttleMillis, _ := opts.Int("--throttle")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		glog.Errorf("[ctl]open db = %s\n", err)
		os.Exit(1)
	}
	defer db.Close()

	doc := docsync.NewMemDoc()

	storeProvider := docsync.NewStoreProviderWithDefaults(
		cancelCtx,
		doc,
		room,
		docsync.NewBoltStoreWithDefaults(db),
	)
	defer storeProvider.Close()

	syncSettings := docsync.DefaultSyncSettings()
	syncSettings.ThrottleInterval = time.Duration(throttleMillis) * time.Millisecond
	syncProvider := docsync.NewSyncProvider(
		cancelCtx,
		doc,
		docsync.NewWsChannelWithDefaults(relayUrl, room),
		syncSettings,
	)
	defer syncProvider.Close()

	syncProvider.AddStatusCallback(func(status docsync.SyncStatus) {
		fmt.Printf("status: %s\n", status)
	})
	syncProvider.AddMessageCallback(func(update []byte) {
		fmt.Printf("doc: %v\n", doc.Snapshot())
	})
	syncProvider.AddErrorCallback(func(err error) {
		fmt.Printf("error: %s\n", err)
	})
	storeProvider.AddSyncedCallback(func() {
		fmt.Printf("persisted state loaded: %v\n", doc.Snapshot())
	})

	waitCtx, waitCancel := context.WithTimeout(cancelCtx, 5*time.Second)
	if err := storeProvider.WaitSynced(waitCtx); err != nil {
		glog.Infof("[ctl]store not synced yet = %s\n", err)
	}
	waitCancel()

	syncProvider.Connect()

	fmt.Printf("peer_id: %s\n", syncProvider.PeerId())
	fmt.Println("enter key=value lines to edit, ctrl-d or ctrl-c to exit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			key, value, found := strings.Cut(strings.TrimSpace(line), "=")
			if !found || key == "" {
				fmt.Println("expected key=value")
				continue
			}
			doc.Set(key, value)
			fmt.Printf("doc: %v\n", doc.Snapshot())
		case <-sigs:
			return
		}
	}
}
