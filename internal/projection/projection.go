// Package projection materializes views over the event log.
//
// Apply dispatches one committed event to its handler inside the same
// transaction as the append, so readers never observe an event whose
// projection is missing. Handlers are idempotent under redelivery of the
// same event but depend on sequence order; the event store enforces order.
// Unknown event types are a no-op.
package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/types"
)

type handler func(ctx context.Context, tx *sql.Tx, ev *types.Event) error

var handlers = map[string]handler{
	types.EventAgentRegistered:     applyAgentRegistered,
	types.EventAgentActive:         applyAgentActive,
	types.EventMessageSent:         applyMessageSent,
	types.EventMessageRead:         applyMessageRead,
	types.EventMessageAcked:        applyMessageAcked,
	types.EventReservationAcquired: applyReservationAcquired,
	types.EventReservationReleased: applyReservationReleased,
	types.EventReservationExpired:  applyReservationExpired,
	types.EventLockAcquired:        applyLockAcquired,
	types.EventLockReleased:        applyLockReleased,
	types.EventCellCreated:         applyCellCreated,
	types.EventCellUpdated:         applyCellUpdated,
	types.EventCellClosed:          applyCellClosed,
	types.EventCellDeleted:         applyCellDeleted,
	types.EventCellRestored:        applyCellRestored,
	types.EventCellDepAdded:        applyCellDepAdded,
	types.EventCellDepRemoved:      applyCellDepRemoved,
	types.EventCellLabelAdded:      applyCellLabelAdded,
	types.EventCellLabelRemoved:    applyCellLabelRemoved,
	types.EventCellCommentAdded:    applyCellCommentAdded,
}

// Apply updates the materialized tables for one event. Must run inside the
// transaction that appended the event.
func Apply(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	h, ok := handlers[ev.Type]
	if !ok {
		// Future event types project to nothing.
		debug.Logf("swarm:projection", "no handler for %s (seq %d)", ev.Type, ev.Sequence)
		return touchMentionedAgent(ctx, tx, ev)
	}
	if err := h(ctx, tx, ev); err != nil {
		return fmt.Errorf("project %s (seq %d): %w", ev.Type, ev.Sequence, err)
	}
	return touchMentionedAgent(ctx, tx, ev)
}

// ClearViews truncates every materialized table scoped to a project, ahead
// of a replay.
func ClearViews(ctx context.Context, tx *sql.Tx, projectKey string) error {
	stmts := []string{
		`DELETE FROM agents WHERE project_key = ?`,
		`DELETE FROM message_recipients WHERE message_id IN
			(SELECT id FROM messages WHERE project_key = ?)`,
		`DELETE FROM messages WHERE project_key = ?`,
		`DELETE FROM reservations WHERE project_key = ?`,
		`DELETE FROM locks WHERE project_key = ?`,
		`DELETE FROM lock_seqs WHERE project_key = ?`,
		`DELETE FROM cell_dependencies WHERE cell_id IN
			(SELECT id FROM cells WHERE project_key = ?)`,
		`DELETE FROM cell_labels WHERE cell_id IN
			(SELECT id FROM cells WHERE project_key = ?)`,
		`DELETE FROM cell_comments WHERE cell_id IN
			(SELECT id FROM cells WHERE project_key = ?)`,
		`DELETE FROM blocked_cells WHERE cell_id IN
			(SELECT id FROM cells WHERE project_key = ?)`,
		`DELETE FROM dirty_cells WHERE cell_id IN
			(SELECT id FROM cells WHERE project_key = ?)`,
		`DELETE FROM cells WHERE project_key = ?`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s, projectKey); err != nil {
			return fmt.Errorf("clear views for %s: %w", projectKey, err)
		}
	}
	return nil
}

// mentionedAgent extracts the acting agent from an event payload, if any.
type mentionedAgent struct {
	Agent     string `json:"agent,omitempty"`
	AgentName string `json:"agent_name,omitempty"`
	FromAgent string `json:"from_agent,omitempty"`
}

// touchMentionedAgent advances last_active_at for the agent an event
// mentions. Monotonic; registration is not implied.
func touchMentionedAgent(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var m mentionedAgent
	if err := json.Unmarshal(ev.Data, &m); err != nil {
		return nil // free-form payload, nothing to extract
	}
	name := m.Agent
	if name == "" {
		name = m.AgentName
	}
	if name == "" {
		name = m.FromAgent
	}
	if name == "" {
		return nil
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET last_active_at = MAX(last_active_at, ?)
		WHERE project_key = ? AND name = ?
	`, at, ev.ProjectKey, name)
	return err
}

// AgentRegisteredData is the payload of agent_registered and agent_active.
type AgentRegisteredData struct {
	Name    string `json:"name"`
	Program string `json:"program,omitempty"`
	Model   string `json:"model,omitempty"`
	Task    string `json:"task,omitempty"`
}

func applyAgentRegistered(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d AgentRegisteredData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (project_key, name, program, model, task, registered_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_key, name) DO UPDATE SET
			program = excluded.program,
			model = excluded.model,
			task = excluded.task,
			last_active_at = MAX(last_active_at, excluded.last_active_at)
	`, ev.ProjectKey, d.Name, d.Program, d.Model, d.Task, at, at)
	return err
}

func applyAgentActive(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d AgentRegisteredData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET last_active_at = MAX(last_active_at, ?)
		WHERE project_key = ? AND name = ?
	`, at, ev.ProjectKey, d.Name)
	return err
}

// MessageSentData is the payload of message_sent.
type MessageSentData struct {
	ID          string   `json:"id"`
	FromAgent   string   `json:"from_agent"`
	Recipients  []string `json:"recipients"`
	Subject     string   `json:"subject,omitempty"`
	Body        string   `json:"body,omitempty"`
	ThreadID    string   `json:"thread_id,omitempty"`
	Importance  string   `json:"importance,omitempty"`
	AckRequired bool     `json:"ack_required,omitempty"`
}

func applyMessageSent(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d MessageSentData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	if len(d.Recipients) == 0 {
		return fmt.Errorf("%w: message %s has no recipients", types.ErrInternal, d.ID)
	}
	importance := d.Importance
	if importance == "" {
		importance = types.ImportanceNormal
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, project_key, from_agent, subject, body, thread_id, importance, ack_required, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, ev.ProjectKey, d.FromAgent, d.Subject, d.Body, d.ThreadID, importance, d.AckRequired, at)
	if err != nil {
		return err
	}
	// (message_id, agent_name) is the primary key: duplicate recipients
	// in the payload collapse to one row.
	for _, r := range d.Recipients {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO message_recipients (message_id, agent_name)
			VALUES (?, ?)
		`, d.ID, r); err != nil {
			return err
		}
	}
	return nil
}

// MessageAckData is the payload of message_read and message_acked.
type MessageAckData struct {
	MessageID string `json:"message_id"`
	AgentName string `json:"agent_name"`
}

func applyMessageRead(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d MessageAckData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	// Set once, never clear.
	_, err := tx.ExecContext(ctx, `
		UPDATE message_recipients SET read_at = COALESCE(read_at, ?)
		WHERE message_id = ? AND agent_name = ?
	`, at, d.MessageID, d.AgentName)
	return err
}

func applyMessageAcked(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d MessageAckData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	_, err := tx.ExecContext(ctx, `
		UPDATE message_recipients SET acked_at = COALESCE(acked_at, ?)
		WHERE message_id = ? AND agent_name = ?
	`, at, d.MessageID, d.AgentName)
	return err
}

// ReservationAcquiredData is the payload of reservation_acquired.
type ReservationAcquiredData struct {
	ID           string    `json:"id"`
	AgentName    string    `json:"agent_name"`
	PathPattern  string    `json:"path_pattern"`
	Exclusive    bool      `json:"exclusive"`
	Reason       string    `json:"reason,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	LockHolderID string    `json:"lock_holder_id,omitempty"`
}

func applyReservationAcquired(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d ReservationAcquiredData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO reservations
			(id, project_key, agent_name, path_pattern, exclusive, reason,
			 created_at, expires_at, lock_holder_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, ev.ProjectKey, d.AgentName, d.PathPattern, d.Exclusive, d.Reason,
		at, d.ExpiresAt.UTC(), d.LockHolderID)
	return err
}

// ReservationReleasedData is the payload of reservation_released and
// reservation_expired.
type ReservationReleasedData struct {
	ID string `json:"id"`
}

func applyReservationReleased(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d ReservationReleasedData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	_, err := tx.ExecContext(ctx, `
		UPDATE reservations SET released_at = ?
		WHERE id = ? AND released_at IS NULL
	`, at, d.ID)
	return err
}

func applyReservationExpired(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d ReservationReleasedData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()
	// Expiry backdates the release to the reservation's own deadline.
	_, err := tx.ExecContext(ctx, `
		UPDATE reservations SET released_at = expires_at
		WHERE id = ? AND released_at IS NULL AND expires_at <= ?
	`, d.ID, at)
	return err
}

// LockAcquiredData is the payload of lock_acquired. Seq and timestamps are
// decided inside the acquiring transaction so replay is deterministic.
type LockAcquiredData struct {
	Resource  string    `json:"resource"`
	Holder    string    `json:"holder"`
	Seq       int64     `json:"seq"`
	ExpiresAt time.Time `json:"expires_at"`
}

func applyLockAcquired(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d LockAcquiredData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	at := time.UnixMilli(ev.Timestamp).UTC()

	// Redelivery of the same acquisition is a no-op; an unexpired row from
	// a different acquisition wins (ordering makes this unreachable in
	// normal operation).
	var holder string
	var seq int64
	var expires time.Time
	err := tx.QueryRowContext(ctx, `
		SELECT holder, seq, expires_at FROM locks WHERE resource = ?
	`, d.Resource).Scan(&holder, &seq, &expires)
	switch {
	case err == sql.ErrNoRows:
		// fall through to insert
	case err != nil:
		return err
	case holder == d.Holder && seq == d.Seq:
		return nil
	case expires.After(at):
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO locks (resource, project_key, holder, seq, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource) DO UPDATE SET
			project_key = excluded.project_key,
			holder = excluded.holder,
			seq = excluded.seq,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
	`, d.Resource, ev.ProjectKey, d.Holder, d.Seq, at, d.ExpiresAt.UTC()); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO lock_seqs (resource, project_key, last_seq)
		VALUES (?, ?, ?)
		ON CONFLICT (resource) DO UPDATE SET
			last_seq = MAX(last_seq, excluded.last_seq)
	`, d.Resource, ev.ProjectKey, d.Seq)
	return err
}

// LockReleasedData is the payload of lock_released.
type LockReleasedData struct {
	Resource string `json:"resource"`
	Holder   string `json:"holder"`
}

func applyLockReleased(ctx context.Context, tx *sql.Tx, ev *types.Event) error {
	var d LockReleasedData
	if err := json.Unmarshal(ev.Data, &d); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM locks WHERE resource = ? AND holder = ?
	`, d.Resource, d.Holder)
	return err
}
