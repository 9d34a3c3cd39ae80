// Package kv is the durable key-value port used for context entries, model
// registry records and tasks. Keys are '/'-separated strings; Scan visits keys
// in ascending byte order so zero-padded sequence numbers iterate in order.
package kv

import (
	"context"
	"fmt"

	apperrors "edgeai/internal/errors"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = apperrors.ErrNotFound

// Store is a simple get/put/scan interface over durable storage.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Scan calls fn for every key with the given prefix in ascending order.
	// Returning an error from fn stops the scan and is returned as is.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// Config selects a backend.
type Config struct {
	Backend string // memory, leveldb, postgres
	Path    string
	DSN     string
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "leveldb":
		return OpenLevelDB(cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("kv: unsupported backend %q", cfg.Backend)
	}
}

// SeqKey formats a sequence number so lexical order equals numeric order.
func SeqKey(prefix string, seq uint64) string {
	return fmt.Sprintf("%s%0*d", prefix, SeqWidth, seq)
}

// SeqWidth is the zero-padded width of the sequence suffix SeqKey appends.
const SeqWidth = 20
