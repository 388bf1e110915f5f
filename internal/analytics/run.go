package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/untoldecay/hive/internal/storage"
	"github.com/untoldecay/hive/internal/types"
)

// rawLimit caps ad-hoc queries regardless of what the caller wrote.
const rawLimit = 1000

// Result is a generic row set: column names plus row values in column
// order. Byte slices are converted to strings during collection.
type Result struct {
	Columns []string
	Rows    [][]interface{}
}

// Runner executes analytics queries against one store.
type Runner struct {
	db *storage.DB
}

// NewRunner wraps a store.
func NewRunner(db *storage.DB) *Runner {
	return &Runner{db: db}
}

// Run executes a read-only statement and collects the full result set.
func (r *Runner) Run(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	if err := EnsureReadOnly(query); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("analytics query: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// NamedParams binds the shared catalog parameters. Zero Since defaults
// to the last 7 days; zero Until means now. Epic narrows cell queries to
// one parent; queries that ignore it drop the binding.
type NamedParams struct {
	ProjectKey string
	Since      time.Time
	Until      time.Time
	Epic       string
}

// RunNamed executes a catalog query.
func (r *Runner) RunNamed(ctx context.Context, name string, p NamedParams) (*Result, error) {
	q, err := LookupNamed(name)
	if err != nil {
		return nil, err
	}
	if p.Since.IsZero() {
		p.Since = time.Now().Add(-7 * 24 * time.Hour)
	}
	if p.Until.IsZero() {
		p.Until = time.Now()
	}
	return r.Run(ctx, q.SQL, p.ProjectKey, p.Since.UTC(), p.Until.UTC(), p.Epic)
}

// RunRaw executes caller-supplied SQL with a hard row cap. Non-SELECT
// text is rejected before touching the store.
func (r *Runner) RunRaw(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	if err := EnsureReadOnly(query); err != nil {
		return nil, err
	}
	wrapped := fmt.Sprintf("SELECT * FROM (%s) LIMIT %d", trimStatement(query), rawLimit)
	rows, err := r.db.Query(ctx, wrapped, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalid, err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) (*Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	result := &Result{Columns: cols}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	return result, rows.Err()
}
