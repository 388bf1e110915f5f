// Package coord implements the coordination primitives layered on the
// event store: file reservations with TTL, the distributed lock with
// fencing tokens, durable cursors, durable deferreds, and inter-agent
// messaging.
package coord

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/projection"
	"github.com/untoldecay/hive/internal/types"
)

// Reservations manages file-scope reservations for a store.
type Reservations struct {
	events *event.Store
}

// NewReservations wraps an event store.
func NewReservations(events *event.Store) *Reservations {
	return &Reservations{events: events}
}

// Handle identifies an acquired reservation set. One id per pattern.
type Handle struct {
	IDs       []string  `json:"ids"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Acquire reserves the given path patterns for an agent. The conflict
// check and the acquisition events share one transaction, so two racing
// agents cannot both win overlapping patterns. An agent's own active
// reservations never conflict with its new ones.
func (r *Reservations) Acquire(ctx context.Context, projectKey, agent string, patterns []string, reason string, ttl time.Duration) (*Handle, error) {
	patterns = NormalizePatterns(patterns)
	if len(patterns) == 0 {
		return nil, fmt.Errorf("%w: no patterns to reserve", types.ErrInvalid)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: non-positive ttl", types.ErrInvalid)
	}
	now := time.Now().UTC()
	expires := now.Add(ttl)
	handle := &Handle{ExpiresAt: expires}
	// Every reservation this API grants is exclusive. Shared rows can
	// still exist in the table (replayed or externally appended events).
	const exclusive = true

	err := r.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		active, err := activeReservations(ctx, tx, projectKey, now)
		if err != nil {
			return err
		}
		for _, want := range patterns {
			for _, have := range active {
				if have.AgentName == agent {
					continue
				}
				// Two shared holdings may overlap; anything involving
				// an exclusive side conflicts.
				if !have.Exclusive && !exclusive {
					continue
				}
				if PatternsOverlap(want, have.PathPattern) {
					return &types.ConflictError{WithAgent: have.AgentName, WithPath: have.PathPattern}
				}
			}
		}
		for _, p := range patterns {
			id := uuid.NewString()
			_, err := ap.Append(ctx, types.EventReservationAcquired, projectKey,
				projection.ReservationAcquiredData{
					ID:          id,
					AgentName:   agent,
					PathPattern: p,
					Exclusive:   exclusive,
					Reason:      reason,
					ExpiresAt:   expires,
				})
			if err != nil {
				return err
			}
			handle.IDs = append(handle.IDs, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	debug.Logf("swarm:reservations", "%s reserved %v until %s", agent, patterns, expires.Format(time.RFC3339))
	return handle, nil
}

// Release ends every reservation in the handle. Already-released ids are
// skipped, so Release is idempotent.
func (r *Reservations) Release(ctx context.Context, projectKey string, handle *Handle) error {
	if handle == nil || len(handle.IDs) == 0 {
		return nil
	}
	return r.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		for _, id := range handle.IDs {
			var open int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM reservations WHERE id = ? AND released_at IS NULL
			`, id).Scan(&open)
			if err != nil {
				return err
			}
			if open == 0 {
				continue
			}
			if _, err := ap.Append(ctx, types.EventReservationReleased, projectKey,
				projection.ReservationReleasedData{ID: id}); err != nil {
				return err
			}
		}
		return nil
	})
}

// SweepExpired appends a reservation_expired event for every active row
// whose deadline has passed, and returns how many it expired. Background
// callers run this periodically.
func (r *Reservations) SweepExpired(ctx context.Context, projectKey string, now time.Time) (int, error) {
	var swept int
	err := r.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM reservations
			WHERE project_key = ? AND released_at IS NULL AND expires_at <= ?
		`, projectKey, now.UTC())
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := ap.Append(ctx, types.EventReservationExpired, projectKey,
				projection.ReservationReleasedData{ID: id}); err != nil {
				return err
			}
		}
		swept = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		debug.Logf("swarm:reservations", "swept %d expired reservations in %s", swept, projectKey)
	}
	return swept, nil
}

// List returns the reservations active at now for a project.
func (r *Reservations) List(ctx context.Context, projectKey string, now time.Time) ([]types.Reservation, error) {
	rows, err := r.events.DB().Query(ctx, `
		SELECT id, project_key, agent_name, path_pattern, exclusive, reason,
			created_at, expires_at, lock_holder_id
		FROM reservations
		WHERE project_key = ? AND released_at IS NULL AND expires_at > ?
		ORDER BY created_at ASC
	`, projectKey, now.UTC())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []types.Reservation
	for rows.Next() {
		var res types.Reservation
		if err := rows.Scan(&res.ID, &res.ProjectKey, &res.AgentName, &res.PathPattern,
			&res.Exclusive, &res.Reason, &res.CreatedAt, &res.ExpiresAt, &res.LockHolderID); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

type activeReservation struct {
	AgentName   string
	PathPattern string
	Exclusive   bool
}

func activeReservations(ctx context.Context, tx *sql.Tx, projectKey string, now time.Time) ([]activeReservation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT agent_name, path_pattern, exclusive FROM reservations
		WHERE project_key = ? AND released_at IS NULL AND expires_at > ?
	`, projectKey, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []activeReservation
	for rows.Next() {
		var a activeReservation
		if err := rows.Scan(&a.AgentName, &a.PathPattern, &a.Exclusive); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
