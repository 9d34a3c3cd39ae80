package kv

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb/comparer"
	"github.com/syndtr/goleveldb/leveldb/memdb"
	"github.com/syndtr/goleveldb/leveldb/util"

	apperrors "edgeai/internal/errors"
)

// MemoryStore keeps data in an ordered in-memory skiplist. Nothing survives
// the process; used for tests and dry runs.
type MemoryStore struct {
	db     *memdb.DB
	closed atomic.Bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{db: memdb.New(comparer.DefaultComparer, 0)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, apperrors.ErrClosed
	}
	value, err := s.db.Get([]byte(key))
	if errors.Is(err, memdb.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	if s.closed.Load() {
		return apperrors.ErrClosed
	}
	return s.db.Put([]byte(key), value)
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if s.closed.Load() {
		return apperrors.ErrClosed
	}
	if err := s.db.Delete([]byte(key)); err != nil && !errors.Is(err, memdb.ErrNotFound) {
		return err
	}
	return nil
}

func (s *MemoryStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	if s.closed.Load() {
		return apperrors.ErrClosed
	}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)))
	defer iter.Release()
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(string(iter.Key()), append([]byte(nil), iter.Value()...)); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
