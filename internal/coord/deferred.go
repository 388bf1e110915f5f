package coord

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/types"
)

// Deferreds are durable single-shot promises keyed by url. Resolution
// flips exactly once; waiters poll with exponential backoff.
type Deferreds struct {
	events *event.Store
}

// NewDeferreds wraps an event store.
func NewDeferreds(events *event.Store) *Deferreds {
	return &Deferreds{events: events}
}

// Create registers a deferred with a TTL. Creating an existing url is a
// no-op, so racing creators are safe.
func (d *Deferreds) Create(ctx context.Context, url string, ttl time.Duration) error {
	if url == "" {
		return fmt.Errorf("%w: empty deferred url", types.ErrInvalid)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: non-positive ttl", types.ErrInvalid)
	}
	now := time.Now().UTC()
	_, err := d.events.DB().Exec(ctx, `
		INSERT OR IGNORE INTO deferreds (url, resolved, expires_at, created_at)
		VALUES (?, 0, ?, ?)
	`, url, now.Add(ttl), now)
	return err
}

// deferredResolvedData is the audit payload trailing a resolution.
type deferredResolvedData struct {
	URL   string `json:"url"`
	Error bool   `json:"error"`
}

// Resolve records the outcome. The second resolution of the same url
// fails with ErrAlreadyResolved; resolving past the TTL fails with
// ErrExpired.
func (d *Deferreds) Resolve(ctx context.Context, url, value, errMsg string) error {
	now := time.Now().UTC()
	return d.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		var resolved int
		var expires time.Time
		err := tx.QueryRowContext(ctx, `
			SELECT resolved, expires_at FROM deferreds WHERE url = ?
		`, url).Scan(&resolved, &expires)
		if err == sql.ErrNoRows {
			return fmt.Errorf("deferred %s: %w", url, types.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if resolved != 0 {
			return fmt.Errorf("deferred %s: %w", url, types.ErrAlreadyResolved)
		}
		if !expires.After(now) {
			return fmt.Errorf("deferred %s: %w", url, types.ErrExpired)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE deferreds SET resolved = 1, value = ?, error = ?
			WHERE url = ? AND resolved = 0
		`, value, errMsg, url); err != nil {
			return err
		}
		_, err = ap.Append(ctx, types.EventDeferredResolved, url,
			deferredResolvedData{URL: url, Error: errMsg != ""})
		return err
	})
}

// Get returns the deferred row, or ErrNotFound.
func (d *Deferreds) Get(ctx context.Context, url string) (*types.Deferred, error) {
	var def types.Deferred
	var value, errMsg sql.NullString
	err := d.events.DB().QueryRow(ctx, `
		SELECT url, resolved, value, error, expires_at, created_at
		FROM deferreds WHERE url = ?
	`, url).Scan(&def.URL, &def.Resolved, &value, &errMsg, &def.ExpiresAt, &def.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("deferred %s: %w", url, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	def.Value = value.String
	def.Error = errMsg.String
	return &def, nil
}

// Await polls until the deferred resolves, its TTL lapses, or the timeout
// elapses. Timeout and TTL expiry both surface as ErrExpired.
func (d *Deferreds) Await(ctx context.Context, url string, timeout time.Duration) (*types.Deferred, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = timeout

	var out *types.Deferred
	err := backoff.Retry(func() error {
		def, err := d.Get(waitCtx, url)
		if err != nil {
			return backoff.Permanent(err)
		}
		if def.Resolved {
			out = def
			return nil
		}
		if !def.ExpiresAt.After(time.Now().UTC()) {
			return backoff.Permanent(fmt.Errorf("deferred %s: %w", url, types.ErrExpired))
		}
		return fmt.Errorf("deferred %s pending", url)
	}, backoff.WithContext(policy, waitCtx))
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("await %s: %w", url, types.ErrExpired)
		}
		return nil, err
	}
	return out, nil
}
