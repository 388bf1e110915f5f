package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/untoldecay/hive/internal/types"
)

// CellCreatedData is the payload of cell_created.
type CellCreatedData struct {
	ID          string   `json:"id"`
	Type        string   `json:"cell_type"`
	Status      string   `json:"status,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    int      `json:"priority"`
	ParentID    string   `json:"parent_id,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`
	Labels      []string `json:"labels,omitempty"`
	ContentHash string   `json:"content_hash,omitempty"`
}

func applyCellCreated(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d CellCreatedData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	status := d.Status
	if status == "" {
		status = types.StatusOpen
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	var parent interface{}
	if d.ParentID != "" {
		parent = d.ParentID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO cells
			(id, project_key, cell_type, status, title, description, priority,
			 parent_id, assignee, created_at, updated_at, created_by, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, ev.ProjectKey, d.Type, status, d.Title, d.Description, d.Priority,
		parent, d.Assignee, at, at, d.CreatedBy, d.ContentHash); err != nil {
		return err
	}
	for _, l := range d.Labels {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO cell_labels (cell_id, label) VALUES (?, ?)
		`, d.ID, l); err != nil {
			return err
		}
	}
	return refreshBlocked(ctx, tx, at, d.ID)
}

// CellUpdatedData is the payload of cell_updated. Nil pointers leave the
// column untouched.
type CellUpdatedData struct {
	ID          string  `json:"id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
	Type        *string `json:"cell_type,omitempty"`
	ContentHash *string `json:"content_hash,omitempty"`
}

func applyCellUpdated(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d CellUpdatedData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	sets := []string{"updated_at = ?"}
	at := time.UnixMilli(ev.Timestamp).UTC()
	args := []interface{}{at}
	add := func(col string, v interface{}) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if d.Title != nil {
		add("title", *d.Title)
	}
	if d.Description != nil {
		add("description", *d.Description)
	}
	if d.Status != nil {
		add("status", *d.Status)
		// Reopening clears the close columns; status and closed_at
		// must agree for every non-tombstone row.
		if *d.Status != types.StatusClosed {
			add("closed_at", nil)
			add("closed_reason", "")
		}
	}
	if d.Priority != nil {
		add("priority", *d.Priority)
	}
	if d.Assignee != nil {
		add("assignee", *d.Assignee)
	}
	if d.ParentID != nil {
		if *d.ParentID == "" {
			add("parent_id", nil)
		} else {
			add("parent_id", *d.ParentID)
		}
	}
	if d.Type != nil {
		add("cell_type", *d.Type)
	}
	if d.ContentHash != nil {
		add("content_hash", *d.ContentHash)
	}
	args = append(args, d.ID)
	q := "UPDATE cells SET "
	for i, s := range sets {
		if i > 0 {
			q += ", "
		}
		q += s
	}
	q += " WHERE id = ?"
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return err
	}
	if d.Status != nil {
		return refreshBlocked(ctx, tx, at, d.ID)
	}
	return markDirty(ctx, tx, at, d.ID)
}

// CellClosedData is the payload of cell_closed.
type CellClosedData struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
	Agent  string `json:"agent,omitempty"`
}

func applyCellClosed(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d CellClosedData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE cells SET status = 'closed', closed_at = COALESCE(closed_at, ?),
			closed_reason = ?, updated_at = ?
		WHERE id = ?
	`, at, d.Reason, at, d.ID); err != nil {
		return err
	}
	return refreshBlocked(ctx, tx, at, d.ID)
}

// CellDeletedData is the payload of cell_deleted. PrevStatus lets a later
// restore put the cell back exactly as it was.
type CellDeletedData struct {
	ID         string `json:"id"`
	By         string `json:"by,omitempty"`
	Reason     string `json:"reason,omitempty"`
	PrevStatus string `json:"prev_status,omitempty"`
}

func applyCellDeleted(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d CellDeletedData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE cells SET status = 'tombstone', deleted_at = COALESCE(deleted_at, ?),
			deleted_by = ?, delete_reason = ?, updated_at = ?
		WHERE id = ?
	`, at, d.By, d.Reason, at, d.ID); err != nil {
		return err
	}
	return refreshBlocked(ctx, tx, at, d.ID)
}

// CellRestoredData is the payload of cell_restored.
type CellRestoredData struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func applyCellRestored(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d CellRestoredData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	status := d.Status
	if status == "" {
		status = types.StatusOpen
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	var err error
	if status == types.StatusClosed {
		_, err = tx.ExecContext(ctx, `
			UPDATE cells SET status = 'closed', closed_at = COALESCE(closed_at, ?),
				deleted_at = NULL, deleted_by = '', delete_reason = '', updated_at = ?
			WHERE id = ?
		`, at, at, d.ID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE cells SET status = ?, closed_at = NULL, closed_reason = '',
				deleted_at = NULL, deleted_by = '', delete_reason = '', updated_at = ?
			WHERE id = ?
		`, status, at, d.ID)
	}
	if err != nil {
		return err
	}
	return refreshBlocked(ctx, tx, at, d.ID)
}

// CellDepData is the payload of cell_dep_added and cell_dep_removed.
type CellDepData struct {
	CellID       string `json:"cell_id"`
	DependsOnID  string `json:"depends_on_id"`
	Relationship string `json:"relationship"`
}

func applyCellDepAdded(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d CellDepData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO cell_dependencies (cell_id, depends_on_id, relationship, created_at)
		VALUES (?, ?, ?, ?)
	`, d.CellID, d.DependsOnID, d.Relationship, at); err != nil {
		return err
	}
	if d.Relationship != types.DepBlocks {
		return markDirty(ctx, tx, at, d.CellID)
	}
	return refreshBlocked(ctx, tx, at, d.CellID)
}

func applyCellDepRemoved(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d CellDepData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cell_dependencies
		WHERE cell_id = ? AND depends_on_id = ? AND relationship = ?
	`, d.CellID, d.DependsOnID, d.Relationship); err != nil {
		return err
	}
	if d.Relationship != types.DepBlocks {
		return markDirty(ctx, tx, at, d.CellID)
	}
	return refreshBlocked(ctx, tx, at, d.CellID)
}

// CellLabelData is the payload of cell_label_added and cell_label_removed.
type CellLabelData struct {
	CellID string `json:"cell_id"`
	Label  string `json:"label"`
}

func applyCellLabelAdded(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d CellLabelData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO cell_labels (cell_id, label) VALUES (?, ?)
	`, d.CellID, d.Label); err != nil {
		return err
	}
	return markDirty(ctx, tx, time.UnixMilli(ev.Timestamp).UTC(), d.CellID)
}

func applyCellLabelRemoved(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d CellLabelData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM cell_labels WHERE cell_id = ? AND label = ?
	`, d.CellID, d.Label); err != nil {
		return err
	}
	return markDirty(ctx, tx, time.UnixMilli(ev.Timestamp).UTC(), d.CellID)
}

// CellCommentData is the payload of cell_comment_added. The comment id is
// the event sequence, which keeps replay idempotent without a separate
// id allocator.
type CellCommentData struct {
	CellID   string `json:"cell_id"`
	Author   string `json:"author"`
	Body     string `json:"body"`
	ParentID int64  `json:"parent_id,omitempty"`
}

func applyCellCommentAdded(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d CellCommentData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	var parent interface{}
	if d.ParentID != 0 {
		parent = d.ParentID
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO cell_comments (id, cell_id, author, body, parent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.Sequence, d.CellID, d.Author, d.Body, parent, at); err != nil {
		return err
	}
	return markDirty(ctx, tx, at, d.CellID)
}

// refreshBlocked recomputes the blocked cache for the seed cell and every
// cell that transitively depends on it through blocks edges, then marks
// them all dirty for the next incremental export.
func refreshBlocked(ctx context.Context, tx *sql.Tx, at time.Time, seed string) error {
	affected, err := blocksDependents(ctx, tx, seed)
	if err != nil {
		return err
	}
	for _, id := range affected {
		blockers, err := openBlockers(ctx, tx, id)
		if err != nil {
			return err
		}
		if len(blockers) == 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM blocked_cells WHERE cell_id = ?`, id); err != nil {
				return err
			}
		} else {
			enc, err := json.Marshal(blockers)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO blocked_cells (cell_id, blocker_ids) VALUES (?, ?)
				ON CONFLICT (cell_id) DO UPDATE SET blocker_ids = excluded.blocker_ids
			`, id, string(enc)); err != nil {
				return err
			}
		}
		if err := markDirty(ctx, tx, at, id); err != nil {
			return err
		}
	}
	return nil
}

// blocksDependents returns the seed plus every cell reachable from it by
// walking blocks edges against their direction (cells whose readiness the
// seed can influence).
func blocksDependents(ctx context.Context, tx *sql.Tx, seed string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE affected(id) AS (
			SELECT ?
			UNION
			SELECT d.cell_id FROM cell_dependencies d
			JOIN affected a ON d.depends_on_id = a.id
			WHERE d.relationship = 'blocks'
		)
		SELECT id FROM affected
	`, seed)
	if err != nil {
		return nil, fmt.Errorf("walk dependents of %s: %w", seed, err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// openBlockers returns the sorted ids of the cell's direct blocks
// predecessors that are still open.
func openBlockers(ctx context.Context, tx *sql.Tx, cellID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT d.depends_on_id FROM cell_dependencies d
		JOIN cells c ON c.id = d.depends_on_id
		WHERE d.cell_id = ? AND d.relationship = 'blocks'
			AND c.status IN ('open', 'in_progress')
			AND c.deleted_at IS NULL
	`, cellID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func markDirty(ctx context.Context, tx *sql.Tx, at time.Time, cellID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dirty_cells (cell_id, marked_at) VALUES (?, ?)
		ON CONFLICT (cell_id) DO UPDATE SET marked_at = excluded.marked_at
	`, cellID, at)
	return err
}
