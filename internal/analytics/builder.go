// Package analytics is the read-only query layer: a small SELECT builder,
// a catalog of named queries over the event log and projections, relative
// time parsing, and table/JSON/CSV/JSONL output.
package analytics

import (
	"fmt"
	"strings"

	"github.com/untoldecay/hive/internal/types"
)

// Builder assembles a SELECT statement. It can only ever emit SELECT;
// there is no way to express a write through it.
type Builder struct {
	columns []string
	from    string
	where   []string
	groupBy []string
	orderBy []string
	limit   int
	args    []interface{}
}

// NewBuilder starts an empty query.
func NewBuilder() *Builder {
	return &Builder{}
}

// Select adds result columns.
func (b *Builder) Select(columns ...string) *Builder {
	b.columns = append(b.columns, columns...)
	return b
}

// From sets the source table or subquery.
func (b *Builder) From(from string) *Builder {
	b.from = from
	return b
}

// Where adds one AND-combined predicate with its bindings.
func (b *Builder) Where(cond string, args ...interface{}) *Builder {
	b.where = append(b.where, cond)
	b.args = append(b.args, args...)
	return b
}

// GroupBy adds grouping columns.
func (b *Builder) GroupBy(columns ...string) *Builder {
	b.groupBy = append(b.groupBy, columns...)
	return b
}

// OrderBy adds ordering terms.
func (b *Builder) OrderBy(terms ...string) *Builder {
	b.orderBy = append(b.orderBy, terms...)
	return b
}

// Limit caps the result set.
func (b *Builder) Limit(n int) *Builder {
	b.limit = n
	return b
}

// Build renders the statement and its bindings.
func (b *Builder) Build() (string, []interface{}, error) {
	if b.from == "" {
		return "", nil, fmt.Errorf("%w: query has no FROM", types.ErrInvalid)
	}
	cols := "*"
	if len(b.columns) > 0 {
		cols = strings.Join(b.columns, ", ")
	}
	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(cols)
	sb.WriteString(" FROM ")
	sb.WriteString(b.from)
	if len(b.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.where, " AND "))
	}
	if len(b.groupBy) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(b.groupBy, ", "))
	}
	if len(b.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(b.orderBy, ", "))
	}
	if b.limit > 0 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", b.limit))
	}
	return sb.String(), b.args, nil
}

// trimStatement strips surrounding whitespace and one trailing semicolon.
func trimStatement(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
}

// EnsureReadOnly rejects anything that is not a single SELECT or WITH
// statement.
func EnsureReadOnly(sql string) error {
	trimmed := trimStatement(sql)
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("%w: multiple statements", types.ErrInvalid)
	}
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return fmt.Errorf("%w: only SELECT queries are allowed", types.ErrInvalid)
	}
	return nil
}
