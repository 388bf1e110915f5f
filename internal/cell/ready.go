package cell

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/untoldecay/hive/internal/types"
)

// Sort orders for ReadyWork.
const (
	SortPriority = "priority"
	SortOldest   = "oldest"
	SortHybrid   = "hybrid"
)

// hybridWindow is the age below which the hybrid sort still trusts
// priority. Older items are assumed stale-prioritized and sort by age.
const hybridWindow = 48 * time.Hour

// ReadyOptions filters and orders the ready-work query.
type ReadyOptions struct {
	Sort       string // priority, oldest, hybrid (default)
	Assignee   string
	Unassigned bool
	Labels     []string // AND semantics
	Limit      int
}

// ReadyWork returns unblocked open work: status open or in_progress, not
// deleted, and absent from the blocked cache.
func (s *Service) ReadyWork(ctx context.Context, projectKey string, opts ReadyOptions) ([]types.Cell, error) {
	where := []string{
		"c.project_key = ?",
		"c.status IN ('open', 'in_progress')",
		"c.deleted_at IS NULL",
		"c.id NOT IN (SELECT cell_id FROM blocked_cells)",
	}
	args := []interface{}{projectKey}

	if opts.Assignee != "" && opts.Unassigned {
		return nil, fmt.Errorf("%w: assignee and unassigned are mutually exclusive", types.ErrInvalid)
	}
	if opts.Assignee != "" {
		where = append(where, "c.assignee = ?")
		args = append(args, opts.Assignee)
	}
	if opts.Unassigned {
		where = append(where, "(c.assignee IS NULL OR c.assignee = '')")
	}
	for _, label := range opts.Labels {
		where = append(where, "c.id IN (SELECT cell_id FROM cell_labels WHERE label = ?)")
		args = append(args, label)
	}

	var order string
	switch opts.Sort {
	case SortPriority:
		order = "c.priority ASC, c.created_at ASC"
	case SortOldest:
		order = "c.created_at ASC"
	case SortHybrid, "":
		// Recent items compete on priority; older ones on age alone.
		cutoff := time.Now().UTC().Add(-hybridWindow)
		order = `CASE WHEN c.created_at >= ? THEN 0 ELSE 1 END,
			CASE WHEN c.created_at >= ? THEN c.priority ELSE 0 END,
			c.created_at ASC`
		args = append(args, cutoff, cutoff)
	default:
		return nil, fmt.Errorf("%w: sort %q", types.ErrInvalid, opts.Sort)
	}

	q := strings.Replace(cellColumns, "FROM cells", "FROM cells c", 1) +
		" WHERE " + strings.Join(where, " AND ") +
		" ORDER BY " + order
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.events.DB().Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ready work: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []types.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
