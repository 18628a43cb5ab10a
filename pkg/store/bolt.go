package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("calico")

// BoltStore keeps state in a single bbolt file. Suitable for one host
// running without a cluster datastore.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database at path
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bolt database %s", path)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create bucket")
	}

	return &BoltStore{db: db}, nil
}

// Get retrieves a value
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return errors.Wrap(ErrNotFound, key)
		}
		value = copyBytes(v)
		return nil
	})
	return value, err
}

// Put stores a value
func (s *BoltStore) Put(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
}

// Create stores a value if the key is free
func (s *BoltStore) Create(ctx context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(key)) != nil {
			return errors.Wrap(ErrExists, key)
		}
		return b.Put([]byte(key), value)
	})
}

// Delete removes a value
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(key)) == nil {
			return errors.Wrap(ErrNotFound, key)
		}
		return b.Delete([]byte(key))
	})
}

// List returns all pairs under prefix
func (s *BoltStore) List(ctx context.Context, prefix string) ([]KV, error) {
	kvs := make([]KV, 0)
	p := []byte(prefix)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			kvs = append(kvs, KV{Key: string(k), Value: copyBytes(v)})
		}
		return nil
	})
	return kvs, err
}

// Close closes the database file
func (s *BoltStore) Close() error {
	return s.db.Close()
}
