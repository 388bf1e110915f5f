package cell

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/projection"
	"github.com/untoldecay/hive/internal/types"
)

// AddDependency records that cellID depends on dependsOnID. For blocks and
// parent-child edges it first proves the edge cannot close a cycle; the
// other relationship kinds are informational and skip the check.
func (s *Service) AddDependency(ctx context.Context, projectKey, cellID, dependsOnID, relationship string) error {
	if relationship == "" {
		relationship = types.DepBlocks
	}
	if !types.ValidRelationship(relationship) {
		return fmt.Errorf("%w: relationship %q", types.ErrInvalid, relationship)
	}
	if cellID == dependsOnID {
		return fmt.Errorf("%w: self-dependency on %s", types.ErrInvalid, cellID)
	}
	return s.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		if err := requireLive(ctx, tx, cellID); err != nil {
			return err
		}
		if err := requireLive(ctx, tx, dependsOnID); err != nil {
			return err
		}
		if types.CycleChecked(relationship) {
			reachable, err := isReachable(ctx, tx, dependsOnID, cellID, relationship)
			if err != nil {
				return err
			}
			if reachable {
				return fmt.Errorf("%s -> %s: %w", cellID, dependsOnID, types.ErrCycle)
			}
		}
		_, err := ap.Append(ctx, types.EventCellDepAdded, projectKey,
			projection.CellDepData{CellID: cellID, DependsOnID: dependsOnID, Relationship: relationship})
		return err
	})
}

// RemoveDependency drops an edge. Idempotent.
func (s *Service) RemoveDependency(ctx context.Context, projectKey, cellID, dependsOnID, relationship string) error {
	return s.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		_, err := ap.Append(ctx, types.EventCellDepRemoved, projectKey,
			projection.CellDepData{CellID: cellID, DependsOnID: dependsOnID, Relationship: relationship})
		return err
	})
}

// Dependencies returns the cells this cell depends on.
func (s *Service) Dependencies(ctx context.Context, cellID string) ([]types.Dependency, error) {
	return s.queryDeps(ctx, `cell_id = ?`, cellID)
}

// Dependents returns the cells that depend on this cell.
func (s *Service) Dependents(ctx context.Context, cellID string) ([]types.Dependency, error) {
	return s.queryDeps(ctx, `depends_on_id = ?`, cellID)
}

func (s *Service) queryDeps(ctx context.Context, where string, arg interface{}) ([]types.Dependency, error) {
	rows, err := s.events.DB().Query(ctx, `
		SELECT cell_id, depends_on_id, relationship, created_at
		FROM cell_dependencies WHERE `+where+`
		ORDER BY created_at ASC, depends_on_id ASC
	`, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []types.Dependency
	for rows.Next() {
		var d types.Dependency
		if err := rows.Scan(&d.CellID, &d.DependsOnID, &d.Relationship, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// isReachable walks same-relationship edges from start and reports whether
// target shows up. Used as the reverse-reachability cycle check: if target
// is reachable from start, an edge target -> start would close a loop.
func isReachable(ctx context.Context, tx *sql.Tx, start, target, relationship string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		WITH RECURSIVE reach(id) AS (
			SELECT ?
			UNION
			SELECT d.depends_on_id FROM cell_dependencies d
			JOIN reach r ON d.cell_id = r.id
			WHERE d.relationship = ?
		)
		SELECT COUNT(*) FROM reach WHERE id = ?
	`, start, relationship, target).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("reachability from %s: %w", start, err)
	}
	return count > 0, nil
}
