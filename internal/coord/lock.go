package coord

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/projection"
	"github.com/untoldecay/hive/internal/types"
)

// Locks is the distributed mutex with fencing tokens. Tokens are strictly
// increasing per resource and survive release and steal, so a holder whose
// lease lapsed can never pass a freshness check with its old token.
type Locks struct {
	events *event.Store
}

// NewLocks wraps an event store.
func NewLocks(events *event.Store) *Locks {
	return &Locks{events: events}
}

// TryAcquire attempts to take the lock. It returns (seq, true) on success
// and (0, false) when another holder has an unexpired lease. An expired
// lease is stolen, and the token still advances.
func (l *Locks) TryAcquire(ctx context.Context, projectKey, resource, holder string, ttl time.Duration) (int64, bool, error) {
	if resource == "" || holder == "" {
		return 0, false, fmt.Errorf("%w: resource and holder required", types.ErrInvalid)
	}
	if ttl <= 0 {
		return 0, false, fmt.Errorf("%w: non-positive ttl", types.ErrInvalid)
	}
	now := time.Now().UTC()
	var seq int64
	var acquired bool

	err := l.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		var curHolder string
		var expires time.Time
		err := tx.QueryRowContext(ctx, `
			SELECT holder, expires_at FROM locks WHERE resource = ?
		`, resource).Scan(&curHolder, &expires)
		switch {
		case err == sql.ErrNoRows:
			// free
		case err != nil:
			return err
		case expires.After(now):
			return nil // held; acquired stays false
		default:
			// Steal the expired lease. The projection's lock_acquired
			// handler replaces expired rows the same way on replay.
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM locks WHERE resource = ?`, resource); err != nil {
				return err
			}
			debug.Logf("swarm:locks", "stole expired lock %s from %s", resource, curHolder)
		}

		var last int64
		err = tx.QueryRowContext(ctx, `
			SELECT last_seq FROM lock_seqs WHERE resource = ?
		`, resource).Scan(&last)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		seq = last + 1
		_, err = ap.Append(ctx, types.EventLockAcquired, projectKey,
			projection.LockAcquiredData{
				Resource:  resource,
				Holder:    holder,
				Seq:       seq,
				ExpiresAt: now.Add(ttl),
			})
		if err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return seq, acquired, nil
}

// Release drops the lock iff the holder matches. Releasing a lock you do
// not hold, or one already gone, is a no-op.
func (l *Locks) Release(ctx context.Context, projectKey, resource, holder string) error {
	return l.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		var curHolder string
		err := tx.QueryRowContext(ctx, `
			SELECT holder FROM locks WHERE resource = ?
		`, resource).Scan(&curHolder)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if curHolder != holder {
			return nil
		}
		_, err = ap.Append(ctx, types.EventLockReleased, projectKey,
			projection.LockReleasedData{Resource: resource, Holder: holder})
		return err
	})
}

// Get returns the current lock row for a resource, or ErrNotFound.
func (l *Locks) Get(ctx context.Context, resource string) (*types.Lock, error) {
	var lk types.Lock
	err := l.events.DB().QueryRow(ctx, `
		SELECT resource, project_key, holder, seq, acquired_at, expires_at
		FROM locks WHERE resource = ?
	`, resource).Scan(&lk.Resource, &lk.ProjectKey, &lk.Holder, &lk.Seq,
		&lk.AcquiredAt, &lk.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("lock %s: %w", resource, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &lk, nil
}

// ValidToken reports whether seq is the current fencing token for the
// resource. Writers call this before each critical action.
func (l *Locks) ValidToken(ctx context.Context, resource string, seq int64) (bool, error) {
	lk, err := l.Get(ctx, resource)
	if err != nil {
		return false, err
	}
	return lk.Seq == seq && lk.ExpiresAt.After(time.Now().UTC()), nil
}
