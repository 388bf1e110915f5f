package memory

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/types"
)

func validLinkType(t string) bool {
	switch t {
	case types.LinkRelated, types.LinkContradicts, types.LinkSupersedes, types.LinkElaborates:
		return true
	}
	return false
}

// CreateLink connects two memories. Duplicate (source, target, type)
// triples fail with ErrConflict.
func (s *Store) CreateLink(ctx context.Context, sourceID, targetID, linkType string, strength float64) (*types.MemoryLink, error) {
	if sourceID == targetID {
		return nil, fmt.Errorf("%w: self link on %s", types.ErrInvalid, sourceID)
	}
	if !validLinkType(linkType) {
		return nil, fmt.Errorf("%w: link type %q", types.ErrInvalid, linkType)
	}
	strength = clamp01(strength)
	link := &types.MemoryLink{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		TargetID:  targetID,
		LinkType:  linkType,
		Strength:  strength,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO memory_links (id, source_id, target_id, link_type, strength, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, link.ID, sourceID, targetID, linkType, strength, link.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("link %s -> %s (%s): %w", sourceID, targetID, linkType, types.ErrConflict)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return nil, fmt.Errorf("link endpoints: %w", types.ErrNotFound)
		}
		return nil, err
	}
	return link, nil
}

// UpdateLinkStrength adjusts a link's strength by delta, clamped to [0,1].
func (s *Store) UpdateLinkStrength(ctx context.Context, id string, delta float64) (float64, error) {
	var updated float64
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var current float64
		err := tx.QueryRowContext(ctx,
			`SELECT strength FROM memory_links WHERE id = ?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("link %s: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return err
		}
		updated = clamp01(current + delta)
		_, err = tx.ExecContext(ctx,
			`UPDATE memory_links SET strength = ? WHERE id = ?`, updated, id)
		return err
	})
	return updated, err
}

// GetLinks returns edges incident to a memory in either direction,
// optionally restricted to one link type.
func (s *Store) GetLinks(ctx context.Context, memoryID, linkType string) ([]types.MemoryLink, error) {
	q := `
		SELECT id, source_id, target_id, link_type, strength, created_at
		FROM memory_links
		WHERE (source_id = $1 OR target_id = $1)`
	args := []interface{}{memoryID}
	if linkType != "" {
		q += ` AND link_type = $2`
		args = append(args, linkType)
	}
	q += ` ORDER BY created_at ASC`
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []types.MemoryLink
	for rows.Next() {
		var l types.MemoryLink
		if err := rows.Scan(&l.ID, &l.SourceID, &l.TargetID, &l.LinkType,
			&l.Strength, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// AutoLinkOptions tunes AutoLink.
type AutoLinkOptions struct {
	Threshold float64
	MaxLinks  int
}

// AutoLink proposes related edges from vector neighbors of the memory's
// embedding, skipping itself and already-linked memories. Best effort:
// returns the links it managed to create.
func (s *Store) AutoLink(ctx context.Context, id string, embedding []float32, opts AutoLinkOptions) ([]types.MemoryLink, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	if opts.MaxLinks <= 0 {
		opts.MaxLinks = 5
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.8
	}
	hits, err := s.findByVector(ctx, embedding, FindOptions{
		Limit:     opts.MaxLinks + 1, // the memory itself scores 1.0
		Threshold: opts.Threshold,
	})
	if err != nil {
		return nil, err
	}
	existing, err := s.GetLinks(ctx, id, "")
	if err != nil {
		return nil, err
	}
	linked := make(map[string]bool, len(existing))
	for _, l := range existing {
		linked[l.SourceID] = true
		linked[l.TargetID] = true
	}

	var out []types.MemoryLink
	for _, h := range hits {
		if h.Memory.ID == id || linked[h.Memory.ID] {
			continue
		}
		if len(out) >= opts.MaxLinks {
			break
		}
		link, err := s.CreateLink(ctx, id, h.Memory.ID, types.LinkRelated, h.Score)
		if err != nil {
			debug.Logf("swarm:memory", "auto-link %s -> %s: %v", id, h.Memory.ID, err)
			continue
		}
		out = append(out, *link)
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
