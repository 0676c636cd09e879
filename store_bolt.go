package docsync

import (
	"context"

	bolt "go.etcd.io/bbolt"
)

const DefaultBoltBucket = "documents"

// BoltStore is a RowStore on a local bbolt file, one bucket per table, for
// single-process durability without an external database.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

func NewBoltStoreWithDefaults(db *bolt.DB) *BoltStore {
	return NewBoltStore(db, DefaultBoltBucket)
}

func NewBoltStore(db *bolt.DB, bucket string) *BoltStore {
	return &BoltStore{
		db:     db,
		bucket: []byte(bucket),
	}
}

func (self *BoltStore) Fetch(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var state string
	found := false
	err := self.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(self.bucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(name)); v != nil {
			state = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	return state, nil
}

func (self *BoltStore) Upsert(ctx context.Context, name string, state string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(self.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), []byte(state))
	})
}

func (self *BoltStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return self.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(self.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(name))
	})
}
