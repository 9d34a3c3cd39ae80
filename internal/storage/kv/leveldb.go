package kv

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDBStore persists data in an embedded LevelDB database, the default on
// single-board devices.
type LevelDBStore struct {
	db *leveldb.DB
}

// OpenLevelDB opens or creates a database at path.
func OpenLevelDB(path string) (*LevelDBStore, error) {
	if path == "" {
		return nil, fmt.Errorf("kv: leveldb path is required")
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

// OpenLevelDBStorage opens a database over an arbitrary goleveldb storage,
// e.g. storage.NewMemStorage() in tests.
func OpenLevelDBStorage(stor storage.Storage) (*LevelDBStore, error) {
	db, err := leveldb.Open(stor, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open leveldb: %w", err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Get(_ context.Context, key string) ([]byte, error) {
	value, err := s.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *LevelDBStore) Put(_ context.Context, key string, value []byte) error {
	return s.db.Put([]byte(key), value, nil)
}

func (s *LevelDBStore) Delete(_ context.Context, key string) error {
	return s.db.Delete([]byte(key), nil)
}

func (s *LevelDBStore) Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
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

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
