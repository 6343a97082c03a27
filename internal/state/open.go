package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// #region open
// OpenConfig selects and locates a KV adapter.
type OpenConfig struct {
	Driver string // sqlite, badger, postgres or memory
	Path   string // sqlite file or badger directory
	DSN    string // postgres connection string
	Logger *slog.Logger
}

// Backend is an opened KV and whatever must be closed with it.
type Backend struct {
	KV KV
	// DB is the underlying sqlite database, nil for other drivers.
	DB    *sql.DB
	close func() error
}

// Open builds the adapter cfg names. Parent directories of a sqlite path
// are created.
func Open(ctx context.Context, cfg OpenConfig) (*Backend, error) {
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create %s: %w", dir, err)
			}
		}
		kv, err := NewSQLiteKV(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &Backend{KV: kv, DB: kv.DB(), close: kv.Close}, nil
	case "badger":
		kv, err := OpenBadgerKV(BadgerConfig{Path: cfg.Path, SyncWrites: true, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		return &Backend{KV: kv, close: kv.Close}, nil
	case "postgres":
		kv, err := OpenPostgresKV(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return &Backend{KV: kv, close: kv.Close}, nil
	case "memory":
		return &Backend{KV: NewMemoryKV()}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Close releases the adapter.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// #endregion open
