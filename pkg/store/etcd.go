package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore keeps state in an etcd v3 cluster shared by every host
type EtcdStore struct {
	client *clientv3.Client
}

// NewEtcdStore connects to the given etcd endpoints
func NewEtcdStore(endpoints []string, dialTimeout time.Duration) (*EtcdStore, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no etcd endpoints configured")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to etcd")
	}

	return &EtcdStore{client: client}, nil
}

// Get retrieves a value
func (s *EtcdStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "etcd get %s", key)
	}
	if len(resp.Kvs) == 0 {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	return resp.Kvs[0].Value, nil
}

// Put stores a value
func (s *EtcdStore) Put(ctx context.Context, key string, value []byte) error {
	if _, err := s.client.Put(ctx, key, string(value)); err != nil {
		return errors.Wrapf(err, "etcd put %s", key)
	}
	return nil
}

// Create stores a value if the key is free, in a single transaction
func (s *EtcdStore) Create(ctx context.Context, key string, value []byte) error {
	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value))).
		Commit()
	if err != nil {
		return errors.Wrapf(err, "etcd create %s", key)
	}
	if !resp.Succeeded {
		return errors.Wrap(ErrExists, key)
	}
	return nil
}

// Delete removes a value
func (s *EtcdStore) Delete(ctx context.Context, key string) error {
	resp, err := s.client.Delete(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "etcd delete %s", key)
	}
	if resp.Deleted == 0 {
		return errors.Wrap(ErrNotFound, key)
	}
	return nil
}

// List returns all pairs under prefix
func (s *EtcdStore) List(ctx context.Context, prefix string) ([]KV, error) {
	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, errors.Wrapf(err, "etcd list %s", prefix)
	}

	kvs := make([]KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs = append(kvs, KV{Key: string(kv.Key), Value: kv.Value})
	}
	return kvs, nil
}

// Close closes the client connection
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
