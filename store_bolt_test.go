package docsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"

	bolt "go.etcd.io/bbolt"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	db, err := bolt.Open(filepath.Join(t.TempDir(), "docsync.db"), 0600, nil)
	assert.Equal(t, err, nil)
	t.Cleanup(func() {
		db.Close()
	})
	return NewBoltStoreWithDefaults(db)
}

func TestBoltStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestBoltStore(t)

	_, err := store.Fetch(ctx, "doc")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	err = store.Upsert(ctx, "doc", "state-1")
	assert.Equal(t, err, nil)
	state, err := store.Fetch(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, state, "state-1")

	// upsert replaces the prior row entirely
	err = store.Upsert(ctx, "doc", "state-2")
	assert.Equal(t, err, nil)
	state, err = store.Fetch(ctx, "doc")
	assert.Equal(t, err, nil)
	assert.Equal(t, state, "state-2")

	err = store.Delete(ctx, "doc")
	assert.Equal(t, err, nil)
	_, err = store.Fetch(ctx, "doc")
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	// deleting an absent row is a no-op
	err = store.Delete(ctx, "doc")
	assert.Equal(t, err, nil)
}

func TestBoltStoreWithProvider(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newTestBoltStore(t)

	// first process: edit and shut down
	doc1 := NewMemDoc()
	provider1 := NewStoreProviderWithDefaults(ctx, doc1, "doc", store)
	err := provider1.WaitSynced(ctx)
	assert.Equal(t, err, nil)
	doc1.Set("text", "survives the process")
	err = provider1.Close()
	assert.Equal(t, err, nil)

	// second process: bootstrap from the persisted row
	doc2 := NewMemDoc()
	provider2 := NewStoreProviderWithDefaults(ctx, doc2, "doc", store)
	defer provider2.Close()
	err = provider2.WaitSynced(ctx)
	assert.Equal(t, err, nil)

	value, ok := doc2.Get("text")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "survives the process")
}
