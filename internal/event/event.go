// Package event implements the append-only event store. Every write to the
// substrate flows through Append or a transactional Appender; projections
// are applied in the same transaction, and subscribers hear about events
// only after commit.
package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/projection"
	"github.com/untoldecay/hive/internal/storage"
	"github.com/untoldecay/hive/internal/types"
)

// subscriberBuffer bounds each subscriber channel. Slow consumers drop
// events rather than stall writers; the durable log is the replay path.
const subscriberBuffer = 64

// Store is the event log plus its projection engine.
type Store struct {
	db *storage.DB

	mu      sync.Mutex
	subs    map[int]chan types.Event
	nextSub int
}

// NewStore wraps an open database.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db, subs: make(map[int]chan types.Event)}
}

// DB exposes the underlying store for read-only consumers (analytics,
// projections queries).
func (s *Store) DB() *storage.DB { return s.db }

// Appender appends events inside a caller-controlled transaction. Events
// become visible to subscribers only after the transaction commits.
type Appender struct {
	store     *Store
	tx        *sql.Tx
	committed []types.Event
}

// Append writes one event and applies its projection. Data is marshaled to
// JSON; nil data becomes {}.
func (a *Appender) Append(ctx context.Context, eventType, projectKey string, data interface{}) (*types.Event, error) {
	payload := json.RawMessage("{}")
	if data != nil {
		enc, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		payload = enc
	}
	now := time.Now().UTC()
	ev := types.Event{
		Type:       eventType,
		ProjectKey: projectKey,
		Timestamp:  now.UnixMilli(),
		Data:       payload,
		CreatedAt:  now,
	}
	err := a.tx.QueryRowContext(ctx, `
		INSERT INTO events (type, project_key, timestamp, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`, ev.Type, ev.ProjectKey, ev.Timestamp, string(ev.Data), now).Scan(&ev.ID)
	if err != nil {
		return nil, fmt.Errorf("append %s: %w", eventType, err)
	}
	ev.Sequence = ev.ID
	if err := projection.Apply(ctx, a.tx, &ev); err != nil {
		return nil, err
	}
	a.committed = append(a.committed, ev)
	return &ev, nil
}

// Tx exposes the enclosing transaction for reads that must see the
// appended-but-uncommitted state.
func (a *Appender) Tx() *sql.Tx { return a.tx }

// Run executes fn in one transaction with an Appender. On commit, every
// appended event is delivered to subscribers in order.
func (s *Store) Run(ctx context.Context, fn func(tx *sql.Tx, ap *Appender) error) error {
	var pending []types.Event
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		ap := &Appender{store: s, tx: tx}
		if err := fn(tx, ap); err != nil {
			return err
		}
		pending = ap.committed
		return nil
	})
	if err != nil {
		return err
	}
	for i := range pending {
		s.notify(pending[i])
	}
	return nil
}

// Append writes a single event in its own transaction.
func (s *Store) Append(ctx context.Context, eventType, projectKey string, data interface{}) (*types.Event, error) {
	var out *types.Event
	err := s.Run(ctx, func(tx *sql.Tx, ap *Appender) error {
		ev, err := ap.Append(ctx, eventType, projectKey, data)
		if err != nil {
			return err
		}
		out = ev
		return nil
	})
	return out, err
}

// Filter narrows ReadEvents. Zero values mean "no constraint".
type Filter struct {
	ProjectKey    string
	Types         []string
	Since         int64 // inclusive, wall-clock milliseconds
	Until         int64 // inclusive
	AfterSequence int64 // exclusive
	CellID        string
	Limit         int
	Offset        int
}

// ReadEvents returns matching events in sequence order.
func (s *Store) ReadEvents(ctx context.Context, f Filter) ([]types.Event, error) {
	var where []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ProjectKey != "" {
		where = append(where, "project_key = "+arg(f.ProjectKey))
	}
	if len(f.Types) > 0 {
		where = append(where, "type = ANY("+arg(f.Types)+")")
	}
	if f.Since > 0 {
		where = append(where, "timestamp >= "+arg(f.Since))
	}
	if f.Until > 0 {
		where = append(where, "timestamp <= "+arg(f.Until))
	}
	if f.AfterSequence > 0 {
		where = append(where, "id > "+arg(f.AfterSequence))
	}
	if f.CellID != "" {
		p := arg(f.CellID)
		where = append(where, fmt.Sprintf(
			"type LIKE 'cell_%%' AND (json_extract(data, '$.id') = %s OR json_extract(data, '$.cell_id') = %s)", p, p))
	}

	q := `SELECT id, id AS sequence, type, project_key, timestamp, data, created_at FROM events`
	for i, w := range where {
		if i == 0 {
			q += " WHERE " + w
		} else {
			q += " AND " + w
		}
	}
	q += " ORDER BY id ASC"
	if f.Limit > 0 {
		q += " LIMIT " + arg(f.Limit)
		if f.Offset > 0 {
			q += " OFFSET " + arg(f.Offset)
		}
	} else if f.Offset > 0 {
		q += " LIMIT -1 OFFSET " + arg(f.Offset)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.Event
	for rows.Next() {
		var ev types.Event
		var data string
		if err := rows.Scan(&ev.ID, &ev.Sequence, &ev.Type, &ev.ProjectKey,
			&ev.Timestamp, &data, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Data = json.RawMessage(data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest sequence for a project, or 0 when
// the project has no events.
func (s *Store) GetLatestSequence(ctx context.Context, projectKey string) (int64, error) {
	var seq int64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM events WHERE project_key = ?`,
		projectKey).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence for %s: %w", projectKey, err)
	}
	return seq, nil
}

// ReplayOptions controls Replay.
type ReplayOptions struct {
	// ClearViews truncates the project's materialized tables first, so the
	// rebuild starts from nothing instead of layering onto current state.
	ClearViews bool
}

// Replay re-applies a project's event log to the materialized views in
// sequence order, inside one transaction.
func (s *Store) Replay(ctx context.Context, projectKey string, opts ReplayOptions) (int, error) {
	events, err := s.ReadEvents(ctx, Filter{ProjectKey: projectKey})
	if err != nil {
		return 0, err
	}
	err = s.db.Transaction(ctx, func(tx *sql.Tx) error {
		if opts.ClearViews {
			if err := projection.ClearViews(ctx, tx, projectKey); err != nil {
				return err
			}
		}
		for i := range events {
			if err := projection.Apply(ctx, tx, &events[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replay %s: %w", projectKey, err)
	}
	return len(events), nil
}

// Subscribe registers a live-event listener. The returned cancel func
// unregisters it and closes the channel. Events that arrive while the
// buffer is full are dropped.
func (s *Store) Subscribe() (<-chan types.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan types.Event, subscriberBuffer)
	s.subs[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Store) notify(ev types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			debug.Logf("swarm:events", "subscriber %d lagging, dropped seq %d", id, ev.Sequence)
		}
	}
}
