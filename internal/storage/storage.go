// Package storage implements the process-local SQLite storage adapter.
//
// One adapter owns one database handle. Writers serialize through SQLite's
// transactional engine; compound updates must go through Transaction so the
// event append and its projection commit together.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/untoldecay/hive/internal/debug"
)

// setupWASMCache configures WASM compilation caching so the embedded SQLite
// build is not re-JITed on every process start.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "hive", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// DB is the storage adapter: one SQLite handle plus schema management.
type DB struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// ConnString normalizes a database path into a sqlite connection string.
// Bare filesystem paths become file: URLs; ":memory:" maps to a shared
// in-memory database so every pooled connection sees the same data.
func ConnString(path string) string {
	const pragmas = "_txlock=immediate&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	switch {
	case path == ":memory:":
		return "file::memory:?cache=shared&_pragma=journal_mode(DELETE)&" + pragmas
	case strings.HasPrefix(path, "file:"):
		if strings.Contains(path, "_pragma=foreign_keys") {
			return path
		}
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + pragmas
	default:
		return "file:" + path + "?" + pragmas
	}
}

// IsMemory reports whether the path names an in-memory database.
func IsMemory(path string) bool {
	return path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory")) ||
		strings.HasPrefix(path, "file::memory:")
}

// Open opens (creating if needed) the store at path, initializes the schema,
// and runs pending migrations. Re-entrant: opening an already-initialized
// store is a no-op beyond the migration check.
func Open(ctx context.Context, path string) (*DB, error) {
	if !IsMemory(path) && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", ConnString(path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if IsMemory(path) {
		// In-memory databases are per-connection; force a single one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	debug.Logf("swarm:storage", "opened %s", path)
	return &DB{db: db, path: path}, nil
}

// Close checkpoints the WAL and closes the handle.
func (d *DB) Close() error {
	d.closed.Store(true)
	_, _ = d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return d.db.Close()
}

// Path returns the path the store was opened with.
func (d *DB) Path() string { return d.path }

// Query runs a read query. Accepts both ? and $N parameter styles; $N
// placeholders (including reuse and = ANY($N) array expansion) are
// translated at this boundary.
func (d *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	q, a, err := ExpandParams(query, args)
	if err != nil {
		return nil, err
	}
	return d.db.QueryContext(ctx, q, a...)
}

// QueryRow runs a single-row read query with the same parameter handling as
// Query.
func (d *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	q, a, err := ExpandParams(query, args)
	if err != nil {
		// database/sql has no errored Row constructor; surface via a
		// query guaranteed to fail with the message.
		return d.db.QueryRowContext(ctx, "SELECT invalid_params(?)", err.Error())
	}
	return d.db.QueryRowContext(ctx, q, a...)
}

// Exec runs a statement outside any transaction.
func (d *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	q, a, err := ExpandParams(query, args)
	if err != nil {
		return nil, err
	}
	return d.db.ExecContext(ctx, q, a...)
}

// Transaction runs fn inside an IMMEDIATE transaction (the connection string
// carries _txlock=immediate). The write lock is taken up front so concurrent
// writers queue instead of deadlocking. Rolls back on error or panic,
// commits otherwise.
func (d *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// Underlying returns the raw *sql.DB for callers that manage their own
// statements (tests, migration tooling). Do not Close it.
func (d *DB) Underlying() *sql.DB { return d.db }
