package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// A migration brings an older store layout forward. Each runs at most once;
// schema_migrations records what has been applied. All migrations must be
// idempotent anyway, since older stores may predate the tracking table.
type migration struct {
	name string
	fn   func(ctx context.Context, db *sql.DB) error
}

var migrationList = []migration{
	{"memories_keywords_column", migrateMemoriesKeywords},
	{"lock_seqs_table", migrateLockSeqs},
	{"cells_content_hash_column", migrateCellContentHash},
	{"comments_parent_column", migrateCommentParent},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	for _, m := range migrationList {
		var done int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM schema_migrations WHERE name = ?`, m.name).Scan(&done)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", m.name, err)
		}
		if done > 0 {
			continue
		}
		if err := m.fn(ctx, db); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`, m.name); err != nil {
			return fmt.Errorf("record migration %s: %w", m.name, err)
		}
	}
	return nil
}

// hasColumn reports whether the table already carries the column.
func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func migrateMemoriesKeywords(ctx context.Context, db *sql.DB) error {
	ok, err := hasColumn(ctx, db, "memories", "keywords")
	if err != nil || ok {
		return err
	}
	_, err = db.ExecContext(ctx,
		`ALTER TABLE memories ADD COLUMN keywords TEXT NOT NULL DEFAULT ''`)
	return err
}

func migrateLockSeqs(ctx context.Context, db *sql.DB) error {
	// Table creation is in the base schema; backfill counters from any
	// surviving lock rows so fencing tokens keep advancing.
	_, err := db.ExecContext(ctx, `
		INSERT INTO lock_seqs (resource, project_key, last_seq)
		SELECT resource, project_key, seq FROM locks
		WHERE true
		ON CONFLICT (resource) DO UPDATE SET
			last_seq = MAX(last_seq, excluded.last_seq)
	`)
	return err
}

func migrateCellContentHash(ctx context.Context, db *sql.DB) error {
	ok, err := hasColumn(ctx, db, "cells", "content_hash")
	if err != nil || ok {
		return err
	}
	_, err = db.ExecContext(ctx,
		`ALTER TABLE cells ADD COLUMN content_hash TEXT DEFAULT ''`)
	return err
}

func migrateCommentParent(ctx context.Context, db *sql.DB) error {
	ok, err := hasColumn(ctx, db, "cell_comments", "parent_id")
	if err != nil || ok {
		return err
	}
	_, err = db.ExecContext(ctx,
		`ALTER TABLE cell_comments ADD COLUMN parent_id INTEGER`)
	return err
}
