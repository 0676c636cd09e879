package docsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// ErrNotFound is the well-defined cold-start condition: the store has no row
// for the document. It is not a failure.
var ErrNotFound = errors.New("row not found")

// RowStore is the boundary to the persistent tabular store. One row holds
// one document: an identity column and a base64 snapshot column.
type RowStore interface {
	// Fetch returns the persisted snapshot for the document, or ErrNotFound.
	Fetch(ctx context.Context, name string) (string, error)

	// Upsert replaces the persisted snapshot for the document.
	Upsert(ctx context.Context, name string, state string) error

	// Delete removes the persisted row for the document.
	Delete(ctx context.Context, name string) error
}

type StoreSettings struct {
	// a local edit restarts this delay; the snapshot is written when the
	// delay elapses with no further edits
	DebounceInterval time.Duration
}

func DefaultStoreSettings() *StoreSettings {
	return &StoreSettings{
		DebounceInterval: 1000 * time.Millisecond,
	}
}

// StoreProvider makes one document's state outlive any single process:
// - at construction it loads and merges the persisted snapshot, writes the
//   merged state back, and marks itself synced
// - local edits debounce a full-snapshot write-back, bounding storage to one
//   row per document regardless of edit count
// - shutdown flushes a pending write so no edit made before shutdown is lost
type StoreProvider struct {
	ctx    context.Context
	cancel context.CancelFunc

	doc   Doc
	name  string
	store RowStore

	settings *StoreSettings

	stateLock  sync.Mutex
	synced     bool
	destroyed  bool
	flushTimer *time.Timer

	syncedSignal chan struct{}

	removeUpdateCallback  func()
	removeDestroyCallback func()

	syncedCallbacks *CallbackList[SyncedFunction]
	errorCallbacks  *CallbackList[ErrorFunction]
}

func NewStoreProviderWithDefaults(
	ctx context.Context,
	doc Doc,
	name string,
	store RowStore,
) *StoreProvider {
	return NewStoreProvider(ctx, doc, name, store, DefaultStoreSettings())
}

// NewStoreProvider attaches to the document and starts the bootstrap load
// asynchronously.
func NewStoreProvider(
	ctx context.Context,
	doc Doc,
	name string,
	store RowStore,
	settings *StoreSettings,
) *StoreProvider {
	cancelCtx, cancel := context.WithCancel(ctx)
	provider := &StoreProvider{
		ctx:             cancelCtx,
		cancel:          cancel,
		doc:             doc,
		name:            name,
		store:           store,
		settings:        settings,
		syncedSignal:    make(chan struct{}),
		syncedCallbacks: NewCallbackList[SyncedFunction](),
		errorCallbacks:  NewCallbackList[ErrorFunction](),
	}
	provider.removeUpdateCallback = doc.AddUpdateCallback(provider.handleDocUpdate)
	provider.removeDestroyCallback = doc.AddDestroyCallback(provider.handleDocDestroy)
	go provider.bootstrap()
	return provider
}

// Synced reports whether the initial load-and-store cycle has completed.
// Monotonic: once true it never reverts.
func (self *StoreProvider) Synced() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.synced
}

// WaitSynced blocks until the bootstrap completes or ctx is done
func (self *StoreProvider) WaitSynced(ctx context.Context) error {
	select {
	case <-self.syncedSignal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (self *StoreProvider) AddSyncedCallback(callback SyncedFunction) func() {
	callbackId := self.syncedCallbacks.Add(callback)
	return func() {
		self.syncedCallbacks.Remove(callbackId)
	}
}

func (self *StoreProvider) AddErrorCallback(callback ErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// bootstrap loads the persisted snapshot, merges it into the document, and
// unconditionally writes the merged state back. The write-back both seeds a
// cold-start row and folds local pre-existing content together with whatever
// was loaded. A load or store failure is recoverable: the document stays
// usable and the provider still reaches synced.
func (self *StoreProvider) bootstrap() {
	state, err := self.store.Fetch(self.ctx, self.name)
	if err == nil {
		if update, decodeErr := DecodeBinary(state); decodeErr != nil {
			self.errorEvent(fmt.Errorf("decode persisted state: %w", decodeErr))
		} else if applyErr := self.doc.ApplyUpdate(update, OriginStorage); applyErr != nil {
			self.errorEvent(fmt.Errorf("apply persisted state: %w", applyErr))
		}
	} else if !errors.Is(err, ErrNotFound) {
		self.errorEvent(fmt.Errorf("fetch persisted state: %w", err))
	}
	// else cold start

	if err := self.flush(self.ctx); err != nil {
		self.errorEvent(fmt.Errorf("bootstrap store: %w", err))
	}

	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	self.synced = true
	self.stateLock.Unlock()

	glog.V(2).Infof("[store]%s synced\n", self.name)
	close(self.syncedSignal)
	for _, callback := range self.syncedCallbacks.Get() {
		protectCallback(func() {
			callback()
		})
	}
}

// flush writes the full current document state, replacing any prior row
func (self *StoreProvider) flush(ctx context.Context) error {
	update, err := self.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := self.store.Upsert(ctx, self.name, EncodeBinary(update)); err != nil {
		return fmt.Errorf("upsert state: %w", err)
	}
	glog.V(2).Infof("[store]%s<- snapshot (%d bytes)\n", self.name, len(update))
	return nil
}

// handleDocUpdate restarts the debounce delay on every local edit. Applies
// made by the provider itself during bootstrap are filtered out.
func (self *StoreProvider) handleDocUpdate(update []byte, origin Origin) {
	if origin == OriginStorage {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.destroyed {
		return
	}
	if self.flushTimer != nil {
		self.flushTimer.Stop()
	}
	self.flushTimer = time.AfterFunc(self.settings.DebounceInterval, self.debouncedFlush)
}

func (self *StoreProvider) debouncedFlush() {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return
	}
	self.flushTimer = nil
	self.stateLock.Unlock()

	// a failure here does not retry and does not block future edits from
	// scheduling the next attempt
	if err := self.flush(self.ctx); err != nil {
		self.errorEvent(err)
	}
}

func (self *StoreProvider) handleDocDestroy() {
	if err := self.Close(); err != nil {
		self.errorEvent(fmt.Errorf("flush on document destroy: %w", err))
	}
}

func (self *StoreProvider) errorEvent(err error) {
	glog.Infof("[store]%s error = %s\n", self.name, err)
	for _, callback := range self.errorCallbacks.Get() {
		protectCallback(func() {
			callback(err)
		})
	}
}

// Close cancels a pending debounced write, performs one final write-back if
// one was pending, and detaches from the document. Safe to call more than
// once; later calls are no-ops.
func (self *StoreProvider) Close() error {
	self.stateLock.Lock()
	if self.destroyed {
		self.stateLock.Unlock()
		return nil
	}
	self.destroyed = true
	pendingFlush := self.flushTimer != nil
	if self.flushTimer != nil {
		self.flushTimer.Stop()
		self.flushTimer = nil
	}
	self.stateLock.Unlock()

	self.removeUpdateCallback()
	self.removeDestroyCallback()

	var err error
	if pendingFlush {
		err = self.flush(self.ctx)
	}
	self.cancel()
	glog.V(2).Infof("[store]%s closed\n", self.name)
	return err
}

// Clear shuts the provider down and deletes the persisted row. The shutdown
// flush completes before the delete is issued, so a late flush can never
// recreate the row. A deletion failure is returned to the caller.
func (self *StoreProvider) Clear(ctx context.Context) error {
	if err := self.Close(); err != nil {
		// the row is about to be deleted, so a failed final flush is moot
		self.errorEvent(fmt.Errorf("flush before clear: %w", err))
	}
	return self.store.Delete(ctx, self.name)
}
