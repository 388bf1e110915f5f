package cell

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/projection"
	"github.com/untoldecay/hive/internal/types"
)

// exportRecord is the JSONL line shape. Parsing is typed; writing goes
// through a map so keys are emitted sorted (canonical form for hashing).
type exportRecord struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Status       string         `json:"status"`
	Priority     int            `json:"priority"`
	IssueType    string         `json:"issue_type"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	Assignee     string         `json:"assignee,omitempty"`
	ParentID     string         `json:"parent_id,omitempty"`
	Dependencies []exportDep    `json:"dependencies"`
	Labels       []string       `json:"labels"`
	Comments     []exportComment `json:"comments"`
}

type exportDep struct {
	DependsOnID string `json:"depends_on_id"`
	Type        string `json:"type"`
}

type exportComment struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// canonical renders the record as sorted-key JSON. The content hash is
// SHA-256 over exactly these bytes.
func (r *exportRecord) canonical() ([]byte, error) {
	m := map[string]interface{}{
		"id":         r.ID,
		"title":      r.Title,
		"status":     r.Status,
		"priority":   r.Priority,
		"issue_type": r.IssueType,
		"created_at": r.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if r.Description != "" {
		m["description"] = r.Description
	}
	if r.ClosedAt != nil {
		m["closed_at"] = r.ClosedAt.UTC().Format(time.RFC3339)
	}
	if r.Assignee != "" {
		m["assignee"] = r.Assignee
	}
	if r.ParentID != "" {
		m["parent_id"] = r.ParentID
	}
	deps := make([]map[string]string, 0, len(r.Dependencies))
	for _, d := range r.Dependencies {
		deps = append(deps, map[string]string{"depends_on_id": d.DependsOnID, "type": d.Type})
	}
	m["dependencies"] = deps
	labels := r.Labels
	if labels == nil {
		labels = []string{}
	}
	m["labels"] = labels
	comments := make([]map[string]string, 0, len(r.Comments))
	for _, c := range r.Comments {
		comments = append(comments, map[string]string{"author": c.Author, "text": c.Text})
	}
	m["comments"] = comments
	return json.Marshal(m)
}

func contentHash(line []byte) string {
	sum := sha256.Sum256(line)
	return hex.EncodeToString(sum[:])
}

// recordFor assembles the export record for one cell.
func (s *Service) recordFor(ctx context.Context, c *types.Cell) (*exportRecord, error) {
	rec := &exportRecord{
		ID:          c.ID,
		Title:       c.Title,
		Description: c.Description,
		Status:      c.Status,
		Priority:    c.Priority,
		IssueType:   c.Type,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		ClosedAt:    c.ClosedAt,
		Assignee:    c.Assignee,
		ParentID:    c.ParentID,
	}
	deps, err := s.Dependencies(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for _, d := range deps {
		rec.Dependencies = append(rec.Dependencies, exportDep{DependsOnID: d.DependsOnID, Type: d.Relationship})
	}
	labels, err := s.Labels(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	rec.Labels = labels
	comments, err := s.Comments(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	for _, cm := range comments {
		rec.Comments = append(rec.Comments, exportComment{Author: cm.Author, Text: cm.Body})
	}
	return rec, nil
}

// Export writes every live cell as one canonical JSON line and records
// the content hash for later dedup. Returns the number of lines written.
func (s *Service) Export(ctx context.Context, projectKey string, w io.Writer) (int, error) {
	cells, err := s.List(ctx, projectKey, ListOptions{})
	if err != nil {
		return 0, err
	}
	return s.exportCells(ctx, cells, w)
}

func (s *Service) exportCells(ctx context.Context, cells []types.Cell, w io.Writer) (int, error) {
	type written struct {
		id   string
		hash string
	}
	var hashes []written
	for i := range cells {
		rec, err := s.recordFor(ctx, &cells[i])
		if err != nil {
			return 0, err
		}
		line, err := rec.canonical()
		if err != nil {
			return 0, err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return 0, fmt.Errorf("write export line for %s: %w", rec.ID, err)
		}
		hashes = append(hashes, written{id: rec.ID, hash: contentHash(line)})
	}
	// Hash bookkeeping is not event-sourced; it describes the export, not
	// the cell.
	err := s.events.DB().Transaction(ctx, func(tx *sql.Tx) error {
		for _, h := range hashes {
			if _, err := tx.ExecContext(ctx,
				`UPDATE cells SET content_hash = ? WHERE id = ?`, h.hash, h.id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO export_hashes (cell_id, content_hash) VALUES (?, ?)
				ON CONFLICT (cell_id) DO UPDATE SET content_hash = excluded.content_hash
			`, h.id, h.hash); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(hashes), nil
}

// ExportDirty exports only cells touched since the last export, draining
// the dirty set on success.
func (s *Service) ExportDirty(ctx context.Context, projectKey string, w io.Writer) (int, error) {
	rows, err := s.events.DB().Query(ctx, `
		SELECT d.cell_id FROM dirty_cells d
		JOIN cells c ON c.id = d.cell_id
		WHERE c.project_key = ? AND c.deleted_at IS NULL
		ORDER BY d.cell_id
	`, projectKey)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var cells []types.Cell
	for _, id := range ids {
		c, err := s.Get(ctx, id)
		if err != nil {
			return 0, err
		}
		cells = append(cells, *c)
	}
	n, err := s.exportCells(ctx, cells, w)
	if err != nil {
		return 0, err
	}
	// Only the snapshotted ids leave the dirty set; cells dirtied while
	// we exported stay queued for the next pass.
	err = s.events.DB().Transaction(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM dirty_cells WHERE cell_id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	debug.Logf("swarm:sync", "exported %d dirty cells", n)
	return n, nil
}

// ImportCounts reports what an import did.
type ImportCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Import reads JSONL lines and reconciles them into the store. Cells whose
// stored content hash equals the incoming line's hash are skipped. DryRun
// computes counts without writing.
func (s *Service) Import(ctx context.Context, projectKey string, r io.Reader, dryRun bool) (ImportCounts, error) {
	var counts ImportCounts

	type incoming struct {
		rec  exportRecord
		hash string
	}
	var records []incoming
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec exportRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return counts, fmt.Errorf("%w: line %d: %v", types.ErrInvalid, lineNo, err)
		}
		if rec.ID == "" || rec.Title == "" {
			return counts, fmt.Errorf("%w: line %d: id and title required", types.ErrInvalid, lineNo)
		}
		// Hash the canonical form, not the raw line, so formatting
		// differences do not defeat dedup.
		canon, err := rec.canonical()
		if err != nil {
			return counts, err
		}
		records = append(records, incoming{rec: rec, hash: contentHash(canon)})
	}
	if err := scanner.Err(); err != nil {
		return counts, fmt.Errorf("read import: %w", err)
	}

	err := s.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		// Pass 1: cells. Dependencies wait until every id exists.
		for _, in := range records {
			var stored sql.NullString
			err := tx.QueryRowContext(ctx,
				`SELECT content_hash FROM cells WHERE id = ?`, in.rec.ID).Scan(&stored)
			switch {
			case err == sql.ErrNoRows:
				counts.Created++
				if dryRun {
					continue
				}
				if err := s.importCreate(ctx, ap, projectKey, &in.rec, in.hash); err != nil {
					return err
				}
			case err != nil:
				return err
			case stored.String == in.hash:
				counts.Skipped++
			default:
				counts.Updated++
				if dryRun {
					continue
				}
				if err := s.importUpdate(ctx, tx, ap, projectKey, &in.rec, in.hash); err != nil {
					return err
				}
			}
		}
		if dryRun {
			return nil
		}
		// Pass 2: edges.
		for _, in := range records {
			for _, d := range in.rec.Dependencies {
				var count int
				if err := tx.QueryRowContext(ctx, `
					SELECT COUNT(*) FROM cell_dependencies
					WHERE cell_id = ? AND depends_on_id = ? AND relationship = ?
				`, in.rec.ID, d.DependsOnID, d.Type).Scan(&count); err != nil {
					return err
				}
				if count > 0 {
					continue
				}
				if _, err := ap.Append(ctx, types.EventCellDepAdded, projectKey,
					projection.CellDepData{CellID: in.rec.ID, DependsOnID: d.DependsOnID, Relationship: d.Type}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return ImportCounts{}, err
	}
	if dryRun {
		debug.Logf("swarm:sync", "dry-run import: %+v", counts)
	}
	return counts, nil
}

func (s *Service) importCreate(ctx context.Context, ap *event.Appender, projectKey string, rec *exportRecord, hash string) error {
	issueType := rec.IssueType
	if issueType == "" {
		issueType = types.TypeTask
	}
	status := rec.Status
	if status == "" {
		status = types.StatusOpen
	}
	createStatus := status
	if createStatus == types.StatusClosed {
		// Close goes through its own event so closed_at is set.
		createStatus = types.StatusOpen
	}
	if _, err := ap.Append(ctx, types.EventCellCreated, projectKey, projection.CellCreatedData{
		ID:          rec.ID,
		Type:        issueType,
		Status:      createStatus,
		Title:       rec.Title,
		Description: rec.Description,
		Priority:    rec.Priority,
		ParentID:    rec.ParentID,
		Assignee:    rec.Assignee,
		Labels:      rec.Labels,
		ContentHash: hash,
	}); err != nil {
		return err
	}
	if status == types.StatusClosed {
		if _, err := ap.Append(ctx, types.EventCellClosed, projectKey,
			projection.CellClosedData{ID: rec.ID, Reason: "imported closed"}); err != nil {
			return err
		}
	}
	for _, cm := range rec.Comments {
		if _, err := ap.Append(ctx, types.EventCellCommentAdded, projectKey,
			projection.CellCommentData{CellID: rec.ID, Author: cm.Author, Body: cm.Text}); err != nil {
			return err
		}
	}
	// The comment/close events above recompute the hash-relevant state;
	// pin the imported hash last so the next import skips.
	_, err := ap.Append(ctx, types.EventCellUpdated, projectKey,
		projection.CellUpdatedData{ID: rec.ID, ContentHash: &hash})
	return err
}

func (s *Service) importUpdate(ctx context.Context, tx *sql.Tx, ap *event.Appender, projectKey string, rec *exportRecord, hash string) error {
	status := rec.Status
	upd := projection.CellUpdatedData{
		ID:          rec.ID,
		Title:       &rec.Title,
		Description: &rec.Description,
		Priority:    &rec.Priority,
		Assignee:    &rec.Assignee,
		ParentID:    &rec.ParentID,
		Type:        &rec.IssueType,
		ContentHash: &hash,
	}
	if status != "" && status != types.StatusClosed && status != types.StatusTombstone {
		upd.Status = &status
	}
	if _, err := ap.Append(ctx, types.EventCellUpdated, projectKey, upd); err != nil {
		return err
	}
	if status == types.StatusClosed {
		var cur string
		if err := tx.QueryRowContext(ctx,
			`SELECT status FROM cells WHERE id = ?`, rec.ID).Scan(&cur); err != nil {
			return err
		}
		if cur != types.StatusClosed {
			if _, err := ap.Append(ctx, types.EventCellClosed, projectKey,
				projection.CellClosedData{ID: rec.ID, Reason: "imported closed"}); err != nil {
				return err
			}
			// Closing recomputes content_hash bookkeeping; pin again.
			if _, err := ap.Append(ctx, types.EventCellUpdated, projectKey,
				projection.CellUpdatedData{ID: rec.ID, ContentHash: &hash}); err != nil {
				return err
			}
		}
	}
	// Reconcile labels to exactly the imported set.
	want := make(map[string]bool, len(rec.Labels))
	for _, l := range rec.Labels {
		want[l] = true
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT label FROM cell_labels WHERE cell_id = ?`, rec.ID)
	if err != nil {
		return err
	}
	have := make(map[string]bool)
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			_ = rows.Close()
			return err
		}
		have[l] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for l := range want {
		if !have[l] {
			if _, err := ap.Append(ctx, types.EventCellLabelAdded, projectKey,
				projection.CellLabelData{CellID: rec.ID, Label: l}); err != nil {
				return err
			}
		}
	}
	for l := range have {
		if !want[l] {
			if _, err := ap.Append(ctx, types.EventCellLabelRemoved, projectKey,
				projection.CellLabelData{CellID: rec.ID, Label: l}); err != nil {
				return err
			}
		}
	}
	// Comments only grow: add the ones we have not seen.
	for _, cm := range rec.Comments {
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM cell_comments WHERE cell_id = ? AND author = ? AND body = ?
		`, rec.ID, cm.Author, cm.Text).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			if _, err := ap.Append(ctx, types.EventCellCommentAdded, projectKey,
				projection.CellCommentData{CellID: rec.ID, Author: cm.Author, Body: cm.Text}); err != nil {
				return err
			}
		}
	}
	return nil
}
