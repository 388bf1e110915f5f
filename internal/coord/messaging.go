package coord

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/projection"
	"github.com/untoldecay/hive/internal/types"
)

// Messaging is the inter-agent inbox built on message_sent / message_read /
// message_acked events.
type Messaging struct {
	events *event.Store
}

// NewMessaging wraps an event store.
func NewMessaging(events *event.Store) *Messaging {
	return &Messaging{events: events}
}

// SendRequest describes one outgoing message.
type SendRequest struct {
	ProjectKey  string
	FromAgent   string
	Recipients  []string
	Subject     string
	Body        string
	ThreadID    string // empty starts a new thread rooted at this message
	Importance  string // defaults to normal
	AckRequired bool
}

// Send appends a message_sent event and returns the materialized message.
func (m *Messaging) Send(ctx context.Context, req SendRequest) (*types.Message, error) {
	if req.FromAgent == "" {
		return nil, fmt.Errorf("%w: sender required", types.ErrInvalid)
	}
	recipients := dedupeStrings(req.Recipients)
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: at least one recipient required", types.ErrInvalid)
	}
	importance := req.Importance
	if importance == "" {
		importance = types.ImportanceNormal
	}
	switch importance {
	case types.ImportanceLow, types.ImportanceNormal, types.ImportanceHigh, types.ImportanceUrgent:
	default:
		return nil, fmt.Errorf("%w: importance %q", types.ErrInvalid, importance)
	}

	id := uuid.NewString()
	threadID := req.ThreadID
	if threadID == "" {
		// The first message of a thread carries its own id.
		threadID = id
	}
	ev, err := m.events.Append(ctx, types.EventMessageSent, req.ProjectKey,
		projection.MessageSentData{
			ID:          id,
			FromAgent:   req.FromAgent,
			Recipients:  recipients,
			Subject:     req.Subject,
			Body:        req.Body,
			ThreadID:    threadID,
			Importance:  importance,
			AckRequired: req.AckRequired,
		})
	if err != nil {
		return nil, err
	}
	return &types.Message{
		ID:          id,
		ProjectKey:  req.ProjectKey,
		FromAgent:   req.FromAgent,
		Subject:     req.Subject,
		Body:        req.Body,
		ThreadID:    threadID,
		Importance:  importance,
		AckRequired: req.AckRequired,
		CreatedAt:   time.UnixMilli(ev.Timestamp).UTC(),
	}, nil
}

// InboxItem pairs a message with the recipient's own read/ack state.
type InboxItem struct {
	Message types.Message `json:"message"`
	ReadAt  *time.Time    `json:"read_at,omitempty"`
	AckedAt *time.Time    `json:"acked_at,omitempty"`
}

// Inbox lists messages addressed to an agent, newest first. With
// unreadOnly, messages already read are dropped.
func (m *Messaging) Inbox(ctx context.Context, projectKey, agent string, unreadOnly bool, limit int) ([]InboxItem, error) {
	q := `
		SELECT msg.id, msg.project_key, msg.from_agent, msg.subject, msg.body,
			msg.thread_id, msg.importance, msg.ack_required, msg.created_at,
			r.read_at, r.acked_at
		FROM message_recipients r
		JOIN messages msg ON msg.id = r.message_id
		WHERE msg.project_key = ? AND r.agent_name = ?`
	args := []interface{}{projectKey, agent}
	if unreadOnly {
		q += ` AND r.read_at IS NULL`
	}
	q += ` ORDER BY msg.created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := m.events.DB().Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []InboxItem
	for rows.Next() {
		var it InboxItem
		var readAt, ackedAt sql.NullTime
		if err := rows.Scan(&it.Message.ID, &it.Message.ProjectKey, &it.Message.FromAgent,
			&it.Message.Subject, &it.Message.Body, &it.Message.ThreadID,
			&it.Message.Importance, &it.Message.AckRequired, &it.Message.CreatedAt,
			&readAt, &ackedAt); err != nil {
			return nil, err
		}
		if readAt.Valid {
			t := readAt.Time
			it.ReadAt = &t
		}
		if ackedAt.Valid {
			t := ackedAt.Time
			it.AckedAt = &t
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// MarkRead records that an agent has read a message. The timestamp is set
// once; repeated calls keep the first.
func (m *Messaging) MarkRead(ctx context.Context, projectKey, messageID, agent string) error {
	return m.ackEvent(ctx, types.EventMessageRead, projectKey, messageID, agent)
}

// Ack records the recipient's acknowledgement.
func (m *Messaging) Ack(ctx context.Context, projectKey, messageID, agent string) error {
	return m.ackEvent(ctx, types.EventMessageAcked, projectKey, messageID, agent)
}

func (m *Messaging) ackEvent(ctx context.Context, eventType, projectKey, messageID, agent string) error {
	return m.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		var count int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM message_recipients
			WHERE message_id = ? AND agent_name = ?
		`, messageID, agent).Scan(&count)
		if err != nil {
			return err
		}
		if count == 0 {
			return fmt.Errorf("message %s for %s: %w", messageID, agent, types.ErrNotFound)
		}
		_, err = ap.Append(ctx, eventType, projectKey,
			projection.MessageAckData{MessageID: messageID, AgentName: agent})
		return err
	})
}

// Thread returns a thread's messages oldest first.
func (m *Messaging) Thread(ctx context.Context, projectKey, threadID string) ([]types.Message, error) {
	rows, err := m.events.DB().Query(ctx, `
		SELECT id, project_key, from_agent, subject, body, thread_id,
			importance, ack_required, created_at
		FROM messages
		WHERE project_key = ? AND thread_id = ?
		ORDER BY created_at ASC
	`, projectKey, threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []types.Message
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(&msg.ID, &msg.ProjectKey, &msg.FromAgent, &msg.Subject,
			&msg.Body, &msg.ThreadID, &msg.Importance, &msg.AckRequired, &msg.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, types.ErrNotFound)
	}
	return out, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
