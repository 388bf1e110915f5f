// Package migrate merges an older project-local store into the global
// store. Rows are copied with INSERT OR IGNORE so a re-run after a
// partial failure is harmless; the source file is renamed to a
// timestamped backup only after a full pass succeeds.
package migrate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/storage"
	"github.com/untoldecay/hive/internal/types"
)

// localStoreCandidates are checked in order beside a project root.
var localStoreCandidates = []string{
	filepath.Join(".hive", "swarm.db"),
	filepath.Join(".swarm", "swarm.db"),
}

// tables that describe the store itself rather than its contents.
var skipTables = map[string]bool{
	"schema_migrations": true,
}

// Options controls a migration run.
type Options struct {
	DryRun bool
}

// Result reports per-table row counts: rows copied, or rows that would
// be considered on a dry run.
type Result struct {
	Source     string
	BackupPath string
	Tables     map[string]int
	DryRun     bool
}

// Total sums the per-table counts.
func (r *Result) Total() int {
	n := 0
	for _, c := range r.Tables {
		n += c
	}
	return n
}

// DetectLocalStore returns the path of an older project-local store
// beside the given project root, if one exists.
func DetectLocalStore(projectRoot string) (string, bool) {
	for _, rel := range localStoreCandidates {
		path := filepath.Join(projectRoot, rel)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// Run copies every shared table from the store at sourcePath into db.
// Columns present only in the source are skipped; tables unknown to the
// target are skipped entirely.
func Run(ctx context.Context, db *storage.DB, sourcePath string, opts Options) (*Result, error) {
	if _, err := os.Stat(sourcePath); err != nil {
		return nil, fmt.Errorf("%w: source store %s", types.ErrNotFound, sourcePath)
	}

	lock := flock.New(sourcePath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock source store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: source store %s is in use", types.ErrConflict, sourcePath)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(lock.Path())
	}()

	if _, err := db.Exec(ctx, fmt.Sprintf("ATTACH DATABASE %s AS legacy", quoteString(sourcePath))); err != nil {
		return nil, fmt.Errorf("attach legacy store: %w", err)
	}
	detach := func() {
		if _, err := db.Exec(ctx, "DETACH DATABASE legacy"); err != nil {
			debug.Logf("swarm:migrate", "detach: %v", err)
		}
	}

	result, err := copyTables(ctx, db, opts)
	detach()
	if err != nil {
		return nil, err
	}
	result.Source = sourcePath
	result.DryRun = opts.DryRun

	if !opts.DryRun {
		backup := fmt.Sprintf("%s.backup-%s", sourcePath, time.Now().UTC().Format("20060102T150405"))
		if err := os.Rename(sourcePath, backup); err != nil {
			return nil, fmt.Errorf("backup rename: %w", err)
		}
		result.BackupPath = backup
		debug.Logf("swarm:migrate", "migrated %d rows from %s, backup at %s",
			result.Total(), sourcePath, backup)
	}
	return result, nil
}

func copyTables(ctx context.Context, db *storage.DB, opts Options) (*Result, error) {
	result := &Result{Tables: map[string]int{}}

	rows, err := db.Query(ctx,
		"SELECT name FROM legacy.sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return nil, err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, table := range tables {
		// FTS virtual tables and their shadows rebuild from content
		// triggers; copying them directly would corrupt the index.
		if skipTables[table] || strings.Contains(table, "_fts") {
			continue
		}
		cols, err := sharedColumns(ctx, db, table)
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			debug.Logf("swarm:migrate", "skipping table %s: not in target schema", table)
			continue
		}

		if opts.DryRun {
			var count int
			if err := db.QueryRow(ctx,
				fmt.Sprintf("SELECT COUNT(*) FROM legacy.%s", quoteIdent(table))).Scan(&count); err != nil {
				return nil, err
			}
			result.Tables[table] = count
			continue
		}

		colList := strings.Join(cols, ", ")
		res, err := db.Exec(ctx, fmt.Sprintf(
			"INSERT OR IGNORE INTO main.%s (%s) SELECT %s FROM legacy.%s",
			quoteIdent(table), colList, colList, quoteIdent(table)))
		if err != nil {
			return nil, fmt.Errorf("copy table %s: %w", table, err)
		}
		copied, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		result.Tables[table] = int(copied)
	}
	return result, nil
}

// sharedColumns returns the quoted column names present in both the
// legacy and the target version of a table, or nil when the target does
// not have the table.
func sharedColumns(ctx context.Context, db *storage.DB, table string) ([]string, error) {
	target, err := tableColumns(ctx, db, "main", table)
	if err != nil {
		return nil, err
	}
	if len(target) == 0 {
		return nil, nil
	}
	source, err := tableColumns(ctx, db, "legacy", table)
	if err != nil {
		return nil, err
	}

	targetSet := make(map[string]bool, len(target))
	for _, c := range target {
		targetSet[c] = true
	}
	var shared []string
	for _, c := range source {
		if targetSet[c] {
			shared = append(shared, quoteIdent(c))
		}
	}
	return shared, nil
}

func tableColumns(ctx context.Context, db *storage.DB, schema, table string) ([]string, error) {
	rows, err := db.Query(ctx, fmt.Sprintf("PRAGMA %s.table_info(%s)", schema, quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    interface{}
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
