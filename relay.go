package docsync

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

type RelaySettings struct {
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingTimeout  time.Duration
	SendBuffer   int
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  60 * time.Second,
		PingTimeout:  15 * time.Second,
		SendBuffer:   32,
	}
}

// Relay is a websocket fan-out server: every frame received from a client is
// forwarded to every client subscribed to the same room, including the
// sender. It never inspects frame contents, so ordering and delivery are
// whatever the underlying connections provide.
//
// Relay is an http.Handler; the room is selected with the `room` query
// parameter.
type Relay struct {
	settings *RelaySettings

	upgrader websocket.Upgrader

	stateLock sync.Mutex
	rooms     map[string]map[*relayClient]bool
}

func NewRelayWithDefaults() *Relay {
	return NewRelay(DefaultRelaySettings())
}

func NewRelay(settings *RelaySettings) *Relay {
	return &Relay{
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		rooms: map[string]map[*relayClient]bool{},
	}
}

type relayClient struct {
	room string
	ws   *websocket.Conn
	send chan []byte
}

func (self *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[relay]upgrade error = %s\n", err)
		return
	}

	client := &relayClient{
		room: room,
		ws:   ws,
		send: make(chan []byte, self.settings.SendBuffer),
	}
	self.register(client)
	glog.V(2).Infof("[relay]join %s\n", room)

	go self.writePump(client)
	self.readPump(client)
}

func (self *Relay) register(client *relayClient) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	clients := self.rooms[client.room]
	if clients == nil {
		clients = map[*relayClient]bool{}
		self.rooms[client.room] = clients
	}
	clients[client] = true
}

func (self *Relay) unregister(client *relayClient) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	clients := self.rooms[client.room]
	if clients == nil {
		return
	}
	if clients[client] {
		delete(clients, client)
		close(client.send)
	}
	if len(clients) == 0 {
		delete(self.rooms, client.room)
	}
}

func (self *Relay) broadcast(room string, message []byte) {
	// sends are non-blocking, so the lock also serializes against
	// unregister closing a send channel mid broadcast
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for client := range self.rooms[room] {
		select {
		case client.send <- message:
		default:
			// slow consumer. backpressure by drop
			glog.Infof("[relay]drop %s-> (slow consumer)\n", room)
		}
	}
}

func (self *Relay) readPump(client *relayClient) {
	defer func() {
		self.unregister(client)
		client.ws.Close()
		glog.V(2).Infof("[relay]leave %s\n", client.room)
	}()

	for {
		client.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		_, message, err := client.ws.ReadMessage()
		if err != nil {
			return
		}
		if len(message) == 0 {
			// ping
			continue
		}
		self.broadcast(client.room, message)
	}
}

func (self *Relay) writePump(client *relayClient) {
	for {
		select {
		case message, ok := <-client.send:
			if !ok {
				return
			}
			client.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := client.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-time.After(self.settings.PingTimeout):
			client.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := client.ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}
