package docsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// in-memory RowStore with fault injection for tests
type testRowStore struct {
	mutex sync.Mutex
	rows  map[string]string

	// if non-nil, Fetch blocks until the gate closes, so that a test can
	// register callbacks before the bootstrap runs
	fetchGate chan struct{}

	fetchErr      error
	upsertErrOnce error
	deleteErr     error

	upsertCount int
}

func newTestRowStore() *testRowStore {
	return &testRowStore{
		rows: map[string]string{},
	}
}

func (self *testRowStore) Fetch(ctx context.Context, name string) (string, error) {
	if self.fetchGate != nil {
		select {
		case <-self.fetchGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.fetchErr != nil {
		return "", self.fetchErr
	}
	state, ok := self.rows[name]
	if !ok {
		return "", ErrNotFound
	}
	return state, nil
}

func (self *testRowStore) Upsert(ctx context.Context, name string, state string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.upsertCount += 1
	if self.upsertErrOnce != nil {
		err := self.upsertErrOnce
		self.upsertErrOnce = nil
		return err
	}
	self.rows[name] = state
	return nil
}

func (self *testRowStore) Delete(ctx context.Context, name string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.deleteErr != nil {
		return self.deleteErr
	}
	delete(self.rows, name)
	return nil
}

func (self *testRowStore) row(name string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	state, ok := self.rows[name]
	return state, ok
}

// decode a persisted snapshot into a fresh doc
func docFromRow(t *testing.T, store *testRowStore, name string) *MemDoc {
	t.Helper()
	state, ok := store.row(name)
	assert.Equal(t, ok, true)
	update, err := DecodeBinary(state)
	assert.Equal(t, err, nil)
	doc := NewMemDoc()
	err = doc.ApplyUpdate(update, OriginStorage)
	assert.Equal(t, err, nil)
	return doc
}

func TestStoreColdStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestRowStore()
	store.fetchGate = make(chan struct{})

	doc := NewMemDoc()
	provider := NewStoreProviderWithDefaults(ctx, doc, "cold", store)
	defer provider.Close()

	errorCount := 0
	provider.AddErrorCallback(func(err error) {
		errorCount += 1
	})
	syncedCount := 0
	provider.AddSyncedCallback(func() {
		syncedCount += 1
	})

	assert.Equal(t, provider.Synced(), false)
	close(store.fetchGate)

	err := provider.WaitSynced(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, provider.Synced(), true)
	assert.Equal(t, syncedCount, 1)

	// no prior row is the expected cold start, not an error
	assert.Equal(t, errorCount, 0)

	// the bootstrap write-back seeds the row
	_, ok := store.row("cold")
	assert.Equal(t, ok, true)
}

func TestStoreBootstrapLoad(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := NewMemDoc()
	source.Set("text", "persisted content")
	update, err := source.EncodeStateAsUpdate(nil)
	assert.Equal(t, err, nil)

	store := newTestRowStore()
	store.rows["doc"] = EncodeBinary(update)

	doc := NewMemDoc()
	provider := NewStoreProviderWithDefaults(ctx, doc, "doc", store)
	defer provider.Close()

	err = provider.WaitSynced(ctx)
	assert.Equal(t, err, nil)

	value, ok := doc.Get("text")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "persisted content")
}

func TestStoreBootstrapMergesLocalContent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := NewMemDoc()
	source.Set("persisted", "1")
	update, err := source.EncodeStateAsUpdate(nil)
	assert.Equal(t, err, nil)

	store := newTestRowStore()
	store.rows["doc"] = EncodeBinary(update)

	// the local doc already has content before the provider attaches
	doc := NewMemDoc()
	doc.Set("local", "2")

	provider := NewStoreProviderWithDefaults(ctx, doc, "doc", store)
	defer provider.Close()

	err = provider.WaitSynced(ctx)
	assert.Equal(t, err, nil)

	// merge by write union: the stored row now has both
	merged := docFromRow(t, store, "doc")
	assert.Equal(t, merged.Snapshot(), map[string]string{
		"persisted": "1",
		"local":     "2",
	})
}

func TestStoreDebouncedWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestRowStore()
	doc := NewMemDoc()
	settings := &StoreSettings{
		DebounceInterval: 20 * time.Millisecond,
	}
	provider := NewStoreProvider(ctx, doc, "doc", store, settings)
	defer provider.Close()

	err := provider.WaitSynced(ctx)
	assert.Equal(t, err, nil)
	bootstrapUpserts := store.upsertCount

	// a burst of edits inside the debounce window writes once
	doc.Set("a", "1")
	doc.Set("b", "2")
	doc.Set("a", "3")

	waitFor(t, time.Second, func() bool {
		store.mutex.Lock()
		defer store.mutex.Unlock()
		return store.upsertCount == bootstrapUpserts+1
	})
	time.Sleep(100 * time.Millisecond)
	store.mutex.Lock()
	assert.Equal(t, store.upsertCount, bootstrapUpserts+1)
	store.mutex.Unlock()

	persisted := docFromRow(t, store, "doc")
	assert.Equal(t, persisted.Snapshot(), doc.Snapshot())
}

func TestStoreCloseFlushesPendingWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestRowStore()
	doc := NewMemDoc()
	settings := &StoreSettings{
		// long enough that the debounce cannot fire on its own
		DebounceInterval: time.Hour,
	}
	provider := NewStoreProvider(ctx, doc, "doc", store, settings)

	err := provider.WaitSynced(ctx)
	assert.Equal(t, err, nil)

	doc.Set("pending", "edit")
	err = provider.Close()
	assert.Equal(t, err, nil)

	// no edit made before shutdown is lost
	persisted := docFromRow(t, store, "doc")
	value, ok := persisted.Get("pending")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "edit")

	// close is idempotent
	err = provider.Close()
	assert.Equal(t, err, nil)
}

func TestStoreFetchFaultIsRecoverable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestRowStore()
	store.fetchGate = make(chan struct{})
	store.fetchErr = errors.New("connection refused")

	doc := NewMemDoc()
	provider := NewStoreProviderWithDefaults(ctx, doc, "doc", store)
	defer provider.Close()

	errorCount := 0
	provider.AddErrorCallback(func(err error) {
		errorCount += 1
	})
	close(store.fetchGate)

	// exactly one error notification, and the provider still reaches synced
	err := provider.WaitSynced(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, errorCount, 1)
	assert.Equal(t, provider.Synced(), true)
}

func TestStoreUpsertFaultIsRecoverable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestRowStore()
	store.fetchGate = make(chan struct{})
	store.upsertErrOnce = errors.New("connection refused")

	doc := NewMemDoc()
	settings := &StoreSettings{
		DebounceInterval: 20 * time.Millisecond,
	}
	provider := NewStoreProvider(ctx, doc, "doc", store, settings)
	defer provider.Close()

	errorCount := 0
	var errorMutex sync.Mutex
	provider.AddErrorCallback(func(err error) {
		errorMutex.Lock()
		errorCount += 1
		errorMutex.Unlock()
	})
	close(store.fetchGate)

	// the bootstrap write-back fails once. one error, still synced
	err := provider.WaitSynced(ctx)
	assert.Equal(t, err, nil)
	errorMutex.Lock()
	assert.Equal(t, errorCount, 1)
	errorMutex.Unlock()

	// a subsequent independent write succeeds
	doc.Set("after", "fault")
	waitFor(t, time.Second, func() bool {
		_, ok := store.row("doc")
		return ok
	})
	persisted := docFromRow(t, store, "doc")
	value, _ := persisted.Get("after")
	assert.Equal(t, value, "fault")
	errorMutex.Lock()
	assert.Equal(t, errorCount, 1)
	errorMutex.Unlock()
}

func TestStoreClear(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestRowStore()
	doc := NewMemDoc()
	doc.Set("k", "v")
	provider := NewStoreProviderWithDefaults(ctx, doc, "doc", store)

	err := provider.WaitSynced(ctx)
	assert.Equal(t, err, nil)
	_, ok := store.row("doc")
	assert.Equal(t, ok, true)

	err = provider.Clear(context.Background())
	assert.Equal(t, err, nil)
	_, ok = store.row("doc")
	assert.Equal(t, ok, false)
}

func TestStoreClearDeleteFaultSurfaces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestRowStore()
	doc := NewMemDoc()
	provider := NewStoreProviderWithDefaults(ctx, doc, "doc", store)

	err := provider.WaitSynced(ctx)
	assert.Equal(t, err, nil)

	// the caller explicitly requested removal and needs to know it failed
	store.mutex.Lock()
	store.deleteErr = errors.New("connection refused")
	store.mutex.Unlock()
	err = provider.Clear(context.Background())
	assert.NotEqual(t, err, nil)
}

func TestStoreDocDestroyTriggersShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestRowStore()
	doc := NewMemDoc()
	settings := &StoreSettings{
		DebounceInterval: time.Hour,
	}
	provider := NewStoreProvider(ctx, doc, "doc", store, settings)

	err := provider.WaitSynced(ctx)
	assert.Equal(t, err, nil)

	doc.Set("final", "edit")
	doc.Destroy()

	// the destroy flushed the pending write through the auto shutdown
	persisted := docFromRow(t, store, "doc")
	value, ok := persisted.Get("final")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "edit")
}
