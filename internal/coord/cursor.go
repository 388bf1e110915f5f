package coord

import (
	"context"
	"database/sql"
	"time"

	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/types"
)

// Cursors are durable offsets for at-least-once consumers. Positions only
// move forward; a stale writer cannot rewind a checkpoint.
type Cursors struct {
	events *event.Store
}

// NewCursors wraps an event store.
func NewCursors(events *event.Store) *Cursors {
	return &Cursors{events: events}
}

// cursorAdvancedData is the audit payload trailing a cursor write.
type cursorAdvancedData struct {
	Stream     string `json:"stream"`
	Checkpoint string `json:"checkpoint"`
	Position   int64  `json:"position"`
}

// Advance moves the (stream, checkpoint) cursor to position iff it is
// strictly greater than the stored one. Returns whether it moved.
func (c *Cursors) Advance(ctx context.Context, stream, checkpoint string, position int64) (bool, error) {
	var moved bool
	err := c.events.Run(ctx, func(tx *sql.Tx, ap *event.Appender) error {
		var current int64
		err := tx.QueryRowContext(ctx, `
			SELECT position FROM cursors WHERE stream = ? AND checkpoint = ?
		`, stream, checkpoint).Scan(&current)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		if err == nil && position <= current {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cursors (stream, checkpoint, position, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (stream, checkpoint) DO UPDATE SET
				position = excluded.position,
				updated_at = excluded.updated_at
		`, stream, checkpoint, position, time.Now().UTC()); err != nil {
			return err
		}
		// Cursors are direct CRUD; the trailing event is audit only.
		if _, err := ap.Append(ctx, types.EventCursorAdvanced, stream,
			cursorAdvancedData{Stream: stream, Checkpoint: checkpoint, Position: position}); err != nil {
			return err
		}
		moved = true
		return nil
	})
	return moved, err
}

// Read returns the stored position, or 0 when the cursor does not exist.
func (c *Cursors) Read(ctx context.Context, stream, checkpoint string) (int64, error) {
	var position int64
	err := c.events.DB().QueryRow(ctx, `
		SELECT position FROM cursors WHERE stream = ? AND checkpoint = ?
	`, stream, checkpoint).Scan(&position)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return position, nil
}
