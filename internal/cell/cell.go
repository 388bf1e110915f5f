// Package cell implements the work-item graph: hierarchical cells,
// dependency edges with cycle prevention, the ready-work query, and
// hash-stable JSONL sync for git.
//
// All mutations go through the event log; the materialized cells tables
// are projections and can be rebuilt by replay.
package cell

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/projection"
	"github.com/untoldecay/hive/internal/types"
)

// Service owns cell-graph operations for one store.
type Service struct {
	events     *event.Store
	validators *ValidatorPool
}

// NewService wraps an event store. The validator pool is optional; without
// one, post-close validation is skipped.
func NewService(events *event.Store, validators *ValidatorPool) *Service {
	return &Service{events: events, validators: validators}
}

// CreateRequest describes a new cell. ID is optional; a hv- prefixed one
// is generated when empty.
type CreateRequest struct {
	ID          string
	Type        string
	Title       string
	Description string
	Priority    int
	ParentID    string
	Assignee    string
	CreatedBy   string
	Labels      []string
}

// NewID returns a fresh cell id.
func NewID() string {
	return "hv-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Create validates and appends a cell_created event.
func (s *Service) Create(ctx context.Context, projectKey string, req CreateRequest) (*types.Cell, error) {
	if req.ID == "" {
		req.ID = NewID()
	}
	if req.Type == "" {
		req.Type = types.TypeTask
	}
	if !types.ValidCellType(req.Type) {
		return nil, fmt.Errorf("%w: cell type %q", types.ErrInvalid, req.Type)
	}
	if req.Title == "" || len(req.Title) > 500 {
		return nil, fmt.Errorf("%w: title must be 1..500 characters", types.ErrInvalid)
	}
	if req.Priority < 0 || req.Priority > 3 {
		return nil, fmt.Errorf("%w: priority %d out of range", types.ErrInvalid, req.Priority)
	}

	err := s.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cells WHERE id = ?`, req.ID).Scan(&count); err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("cell %s already exists: %w", req.ID, types.ErrConflict)
		}
		if req.ParentID != "" {
			var deleted sql.NullTime
			err := tx.QueryRowContext(ctx,
				`SELECT deleted_at FROM cells WHERE id = ?`, req.ParentID).Scan(&deleted)
			if err == sql.ErrNoRows {
				return fmt.Errorf("parent %s: %w", req.ParentID, types.ErrNotFound)
			}
			if err != nil {
				return err
			}
			if deleted.Valid {
				return fmt.Errorf("parent %s is deleted: %w", req.ParentID, types.ErrInvalid)
			}
		}
		_, err := ap.Append(ctx, types.EventCellCreated, projectKey, projection.CellCreatedData{
			ID:          req.ID,
			Type:        req.Type,
			Title:       req.Title,
			Description: req.Description,
			Priority:    req.Priority,
			ParentID:    req.ParentID,
			Assignee:    req.Assignee,
			CreatedBy:   req.CreatedBy,
			Labels:      req.Labels,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, req.ID)
}

// Get returns one cell by exact id.
func (s *Service) Get(ctx context.Context, id string) (*types.Cell, error) {
	c, err := scanCell(s.events.DB().QueryRow(ctx, cellColumns+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cell %s: %w", id, types.ErrNotFound)
	}
	return c, err
}

const cellColumns = `
	SELECT id, project_key, cell_type, status, title, description, priority,
		parent_id, assignee, created_at, updated_at, closed_at, closed_reason,
		deleted_at, deleted_by, delete_reason, created_by, content_hash
	FROM cells`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCell(row rowScanner) (*types.Cell, error) {
	var c types.Cell
	var parent, closedReason, deletedBy, deleteReason, createdBy, hash sql.NullString
	var assignee sql.NullString
	var closedAt, deletedAt sql.NullTime
	err := row.Scan(&c.ID, &c.ProjectKey, &c.Type, &c.Status, &c.Title, &c.Description,
		&c.Priority, &parent, &assignee, &c.CreatedAt, &c.UpdatedAt,
		&closedAt, &closedReason, &deletedAt, &deletedBy, &deleteReason, &createdBy, &hash)
	if err != nil {
		return nil, err
	}
	c.ParentID = parent.String
	c.Assignee = assignee.String
	c.ClosedReason = closedReason.String
	c.DeletedBy = deletedBy.String
	c.DeleteReason = deleteReason.String
	c.CreatedBy = createdBy.String
	c.ContentHash = hash.String
	if closedAt.Valid {
		t := closedAt.Time
		c.ClosedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	return &c, nil
}

// UpdateRequest carries the fields to change. Nil pointers are untouched.
// Closing goes through Close, not Update.
type UpdateRequest struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *int
	Assignee    *string
	ParentID    *string
	Type        *string
}

// Update validates and appends a cell_updated event.
func (s *Service) Update(ctx context.Context, projectKey, id string, req UpdateRequest) error {
	if req.Status != nil {
		switch *req.Status {
		case types.StatusOpen, types.StatusInProgress, types.StatusBlocked:
		case types.StatusClosed:
			return fmt.Errorf("%w: close cells with Close, not Update", types.ErrInvalid)
		default:
			return fmt.Errorf("%w: status %q", types.ErrInvalid, *req.Status)
		}
	}
	if req.Type != nil && !types.ValidCellType(*req.Type) {
		return fmt.Errorf("%w: cell type %q", types.ErrInvalid, *req.Type)
	}
	if req.Priority != nil && (*req.Priority < 0 || *req.Priority > 3) {
		return fmt.Errorf("%w: priority %d out of range", types.ErrInvalid, *req.Priority)
	}
	if req.Title != nil && (*req.Title == "" || len(*req.Title) > 500) {
		return fmt.Errorf("%w: title must be 1..500 characters", types.ErrInvalid)
	}

	return s.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		if err := requireLive(ctx, tx, id); err != nil {
			return err
		}
		if req.ParentID != nil && *req.ParentID != "" {
			if err := requireLive(ctx, tx, *req.ParentID); err != nil {
				return err
			}
		}
		_, err := ap.Append(ctx, types.EventCellUpdated, projectKey, projection.CellUpdatedData{
			ID:          id,
			Title:       req.Title,
			Description: req.Description,
			Status:      req.Status,
			Priority:    req.Priority,
			Assignee:    req.Assignee,
			ParentID:    req.ParentID,
			Type:        req.Type,
		})
		return err
	})
}

// Close marks a cell done and queues post-close validation.
func (s *Service) Close(ctx context.Context, projectKey, id, agent, reason string) error {
	err := s.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		status, err := liveStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		if status == types.StatusClosed {
			return nil // already closed, idempotent
		}
		_, err = ap.Append(ctx, types.EventCellClosed, projectKey,
			projection.CellClosedData{ID: id, Reason: reason, Agent: agent})
		return err
	})
	if err != nil {
		return err
	}
	if s.validators != nil {
		s.validators.Submit(projectKey, id)
	}
	return nil
}

// Delete tombstones a cell; the row survives for restore and audit.
func (s *Service) Delete(ctx context.Context, projectKey, id, agent, reason string) error {
	return s.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		status, err := liveStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = ap.Append(ctx, types.EventCellDeleted, projectKey,
			projection.CellDeletedData{ID: id, By: agent, Reason: reason, PrevStatus: status})
		return err
	})
}

// Restore undoes a soft delete, putting the cell back to the status it
// held when deleted.
func (s *Service) Restore(ctx context.Context, projectKey, id string) error {
	return s.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		var deleted sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT deleted_at FROM cells WHERE id = ?`, id).Scan(&deleted)
		if err == sql.ErrNoRows {
			return fmt.Errorf("cell %s: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !deleted.Valid {
			return nil // not deleted, idempotent
		}
		// The delete event remembers the pre-delete status.
		var prev sql.NullString
		err = tx.QueryRowContext(ctx, `
			SELECT json_extract(data, '$.prev_status') FROM events
			WHERE type = 'cell_deleted' AND json_extract(data, '$.id') = ?
			ORDER BY id DESC LIMIT 1
		`, id).Scan(&prev)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		status := prev.String
		if status == "" || status == types.StatusTombstone {
			status = types.StatusOpen
		}
		_, err = ap.Append(ctx, types.EventCellRestored, projectKey,
			projection.CellRestoredData{ID: id, Status: status})
		return err
	})
}

// ResolvePartialID maps an id fragment to the unique cell containing it.
func (s *Service) ResolvePartialID(ctx context.Context, projectKey, fragment string) (string, error) {
	if fragment == "" {
		return "", fmt.Errorf("%w: empty id fragment", types.ErrInvalid)
	}
	rows, err := s.events.DB().Query(ctx, `
		SELECT id FROM cells
		WHERE project_key = ? AND instr(id, ?) > 0
		ORDER BY id LIMIT 11
	`, projectKey, fragment)
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()
	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		if id == fragment {
			return id, nil // exact match wins over substring hits
		}
		matches = append(matches, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no cell matches %q: %w", fragment, types.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", &types.AmbiguousError{Fragment: fragment, Matches: matches}
	}
}

// ListOptions filters List.
type ListOptions struct {
	Status   string
	Type     string
	Assignee string
	Label    string
	Limit    int
}

// List returns a project's cells, newest first. Tombstones are excluded.
func (s *Service) List(ctx context.Context, projectKey string, opts ListOptions) ([]types.Cell, error) {
	where := []string{"project_key = ?", "deleted_at IS NULL"}
	args := []interface{}{projectKey}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}
	if opts.Type != "" {
		where = append(where, "cell_type = ?")
		args = append(args, opts.Type)
	}
	if opts.Assignee != "" {
		where = append(where, "assignee = ?")
		args = append(args, opts.Assignee)
	}
	if opts.Label != "" {
		where = append(where, "id IN (SELECT cell_id FROM cell_labels WHERE label = ?)")
		args = append(args, opts.Label)
	}
	q := cellColumns + " WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	rows, err := s.events.DB().Query(ctx, q, args...)
	if err != nil {
		return nil, err
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

// Comment appends a threaded comment. parentID 0 means top-level.
func (s *Service) Comment(ctx context.Context, projectKey, cellID, author, body string, parentID int64) (int64, error) {
	if body == "" {
		return 0, fmt.Errorf("%w: empty comment body", types.ErrInvalid)
	}
	var commentID int64
	err := s.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		if err := requireLive(ctx, tx, cellID); err != nil {
			return err
		}
		if parentID != 0 {
			var count int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM cell_comments WHERE id = ? AND cell_id = ?
			`, parentID, cellID).Scan(&count); err != nil {
				return err
			}
			if count == 0 {
				return fmt.Errorf("comment %d on %s: %w", parentID, cellID, types.ErrNotFound)
			}
		}
		ev, err := ap.Append(ctx, types.EventCellCommentAdded, projectKey,
			projection.CellCommentData{CellID: cellID, Author: author, Body: body, ParentID: parentID})
		if err != nil {
			return err
		}
		commentID = ev.Sequence
		return nil
	})
	return commentID, err
}

// Comments returns a cell's comments oldest first.
func (s *Service) Comments(ctx context.Context, cellID string) ([]types.Comment, error) {
	rows, err := s.events.DB().Query(ctx, `
		SELECT id, cell_id, author, body, parent_id, created_at, updated_at
		FROM cell_comments WHERE cell_id = ? ORDER BY id ASC
	`, cellID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []types.Comment
	for rows.Next() {
		var c types.Comment
		var parent sql.NullInt64
		var updated sql.NullTime
		if err := rows.Scan(&c.ID, &c.CellID, &c.Author, &c.Body, &parent,
			&c.CreatedAt, &updated); err != nil {
			return nil, err
		}
		c.ParentID = parent.Int64
		if updated.Valid {
			t := updated.Time
			c.UpdatedAt = &t
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// AddLabel attaches a label. Idempotent.
func (s *Service) AddLabel(ctx context.Context, projectKey, cellID, label string) error {
	if label == "" {
		return fmt.Errorf("%w: empty label", types.ErrInvalid)
	}
	return s.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		if err := requireLive(ctx, tx, cellID); err != nil {
			return err
		}
		_, err := ap.Append(ctx, types.EventCellLabelAdded, projectKey,
			projection.CellLabelData{CellID: cellID, Label: label})
		return err
	})
}

// RemoveLabel detaches a label. Idempotent.
func (s *Service) RemoveLabel(ctx context.Context, projectKey, cellID, label string) error {
	return s.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		_, err := ap.Append(ctx, types.EventCellLabelRemoved, projectKey,
			projection.CellLabelData{CellID: cellID, Label: label})
		return err
	})
}

// Labels returns a cell's labels sorted.
func (s *Service) Labels(ctx context.Context, cellID string) ([]string, error) {
	rows, err := s.events.DB().Query(ctx,
		`SELECT label FROM cell_labels WHERE cell_id = ? ORDER BY label`, cellID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// BlockedBy returns the cached open blocker ids for a cell, empty when
// the cell is unblocked.
func (s *Service) BlockedBy(ctx context.Context, cellID string) ([]string, error) {
	var enc string
	err := s.events.DB().QueryRow(ctx,
		`SELECT blocker_ids FROM blocked_cells WHERE cell_id = ?`, cellID).Scan(&enc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal([]byte(enc), &ids); err != nil {
		return nil, fmt.Errorf("%w: corrupt blocked cache for %s", types.ErrInternal, cellID)
	}
	return ids, nil
}

// requireLive fails unless the cell exists and is not soft-deleted.
func requireLive(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := liveStatus(ctx, tx, id)
	return err
}

func liveStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	var deleted sql.NullTime
	err := tx.QueryRowContext(ctx,
		`SELECT status, deleted_at FROM cells WHERE id = ?`, id).Scan(&status, &deleted)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("cell %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	if deleted.Valid {
		return "", fmt.Errorf("cell %s is deleted: %w", id, types.ErrNotFound)
	}
	return status, nil
}
