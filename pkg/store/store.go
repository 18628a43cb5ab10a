// Package store provides the key/value datastore the Calico backend keeps
// its state in. Keys are slash separated paths such as
// /calico/libnetwork/v1/<network id>.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a key does not exist
	ErrNotFound = errors.New("key not found")
	// ErrExists is returned by Create when the key is already present
	ErrExists = errors.New("key already exists")
)

// KV is a single key/value pair returned by List
type KV struct {
	Key   string
	Value []byte
}

// Store is the datastore contract. All implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the value at key or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes value at key, replacing any existing value
	Put(ctx context.Context, key string, value []byte) error
	// Create writes value at key only if key is absent, otherwise ErrExists
	Create(ctx context.Context, key string, value []byte) error
	// Delete removes key or returns ErrNotFound
	Delete(ctx context.Context, key string) error
	// List returns every pair whose key starts with prefix, sorted by key
	List(ctx context.Context, prefix string) ([]KV, error)
	// Close releases the underlying connection or file
	Close() error
}

// MemoryStore keeps state in a map. Used for tests and single shot runs
// where nothing needs to survive a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return copyBytes(value), nil
}

// Put stores a value
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = copyBytes(value)
	return nil
}

// Create stores a value if the key is free
func (s *MemoryStore) Create(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return errors.Wrap(ErrExists, key)
	}
	s.data[key] = copyBytes(value)
	return nil
}

// Delete removes a value
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return errors.Wrap(ErrNotFound, key)
	}
	delete(s.data, key)
	return nil
}

// List returns all pairs under prefix
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kvs := make([]KV, 0)
	for key, value := range s.data {
		if strings.HasPrefix(key, prefix) {
			kvs = append(kvs, KV{Key: key, Value: copyBytes(value)})
		}
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].Key < kvs[j].Key })
	return kvs, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
