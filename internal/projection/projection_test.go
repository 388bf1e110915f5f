package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/untoldecay/hive/internal/storage"
	"github.com/untoldecay/hive/internal/types"
)

func setupTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var testSeq int64

// apply projects a synthetic event in its own transaction.
func apply(t *testing.T, db *storage.DB, eventType, projectKey string, data interface{}) {
	t.Helper()
	enc, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	testSeq++
	ev := &types.Event{
		ID:         testSeq,
		Sequence:   testSeq,
		Type:       eventType,
		ProjectKey: projectKey,
		Timestamp:  time.Now().UnixMilli(),
		Data:       enc,
	}
	err = db.Transaction(context.Background(), func(tx *sql.Tx) error {
		return Apply(context.Background(), tx, ev)
	})
	if err != nil {
		t.Fatalf("apply %s: %v", eventType, err)
	}
}

func TestMessageRecipientsDeduped(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	apply(t, db, types.EventMessageSent, "p", MessageSentData{
		ID:         "m-1",
		FromAgent:  "alpha",
		Recipients: []string{"beta", "beta", "gamma"},
	})

	var count int
	if err := db.QueryRow(ctx,
		`SELECT COUNT(*) FROM message_recipients WHERE message_id = 'm-1'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected 2 recipient rows, got %d", count)
	}
}

func TestMessageReadSetOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	apply(t, db, types.EventMessageSent, "p", MessageSentData{
		ID: "m-1", FromAgent: "alpha", Recipients: []string{"beta"},
	})
	apply(t, db, types.EventMessageRead, "p", MessageAckData{MessageID: "m-1", AgentName: "beta"})

	var first time.Time
	if err := db.QueryRow(ctx,
		`SELECT read_at FROM message_recipients WHERE message_id = 'm-1' AND agent_name = 'beta'`).
		Scan(&first); err != nil {
		t.Fatal(err)
	}

	// A second read must not move the timestamp.
	time.Sleep(5 * time.Millisecond)
	apply(t, db, types.EventMessageRead, "p", MessageAckData{MessageID: "m-1", AgentName: "beta"})

	var second time.Time
	if err := db.QueryRow(ctx,
		`SELECT read_at FROM message_recipients WHERE message_id = 'm-1' AND agent_name = 'beta'`).
		Scan(&second); err != nil {
		t.Fatal(err)
	}
	if !second.Equal(first) {
		t.Errorf("read_at moved from %v to %v", first, second)
	}
}

func TestAgentLastActiveMonotonic(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	apply(t, db, types.EventAgentRegistered, "p", AgentRegisteredData{Name: "alpha"})

	var before time.Time
	if err := db.QueryRow(ctx,
		`SELECT last_active_at FROM agents WHERE name = 'alpha'`).Scan(&before); err != nil {
		t.Fatal(err)
	}

	// Any event mentioning the agent advances last_active_at.
	time.Sleep(5 * time.Millisecond)
	apply(t, db, types.EventMessageSent, "p", MessageSentData{
		ID: "m-1", FromAgent: "alpha", Recipients: []string{"beta"},
	})

	var after time.Time
	if err := db.QueryRow(ctx,
		`SELECT last_active_at FROM agents WHERE name = 'alpha'`).Scan(&after); err != nil {
		t.Fatal(err)
	}
	if !after.After(before) {
		t.Errorf("last_active_at did not advance: %v -> %v", before, after)
	}
}

func TestLockSeqSurvivesRelease(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	apply(t, db, types.EventLockAcquired, "p", LockAcquiredData{
		Resource: "deploy", Holder: "alpha", Seq: 1,
		ExpiresAt: time.Now().Add(time.Minute),
	})
	apply(t, db, types.EventLockReleased, "p", LockReleasedData{Resource: "deploy", Holder: "alpha"})

	var locks int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM locks`).Scan(&locks); err != nil {
		t.Fatal(err)
	}
	if locks != 0 {
		t.Errorf("lock row survived release")
	}

	var lastSeq int64
	if err := db.QueryRow(ctx,
		`SELECT last_seq FROM lock_seqs WHERE resource = 'deploy'`).Scan(&lastSeq); err != nil {
		t.Fatal(err)
	}
	if lastSeq != 1 {
		t.Errorf("fencing counter lost on release: %d", lastSeq)
	}
}

func TestLockReleaseByNonHolderIgnored(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	apply(t, db, types.EventLockAcquired, "p", LockAcquiredData{
		Resource: "deploy", Holder: "alpha", Seq: 1,
		ExpiresAt: time.Now().Add(time.Minute),
	})
	apply(t, db, types.EventLockReleased, "p", LockReleasedData{Resource: "deploy", Holder: "beta"})

	var holder string
	if err := db.QueryRow(ctx,
		`SELECT holder FROM locks WHERE resource = 'deploy'`).Scan(&holder); err != nil {
		t.Fatal(err)
	}
	if holder != "alpha" {
		t.Errorf("lock stolen by release: holder = %s", holder)
	}
}

func TestReservationExpiryBackdatesRelease(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	expires := time.Now().Add(-time.Minute).UTC().Truncate(time.Second)
	apply(t, db, types.EventReservationAcquired, "p", ReservationAcquiredData{
		ID: "r-1", AgentName: "alpha", PathPattern: "src/**",
		Exclusive: true, ExpiresAt: expires,
	})
	apply(t, db, types.EventReservationExpired, "p", ReservationReleasedData{ID: "r-1"})

	var released time.Time
	if err := db.QueryRow(ctx,
		`SELECT released_at FROM reservations WHERE id = 'r-1'`).Scan(&released); err != nil {
		t.Fatal(err)
	}
	if !released.Equal(expires) {
		t.Errorf("released_at = %v, want expiry %v", released, expires)
	}
}

func TestBlockedCacheChain(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	apply(t, db, types.EventCellCreated, "p", CellCreatedData{ID: "a", Type: "task", Title: "a"})
	apply(t, db, types.EventCellCreated, "p", CellCreatedData{ID: "b", Type: "task", Title: "b"})
	apply(t, db, types.EventCellCreated, "p", CellCreatedData{ID: "c", Type: "task", Title: "c"})
	// c blocks b, b blocks a
	apply(t, db, types.EventCellDepAdded, "p", CellDepData{CellID: "b", DependsOnID: "c", Relationship: "blocks"})
	apply(t, db, types.EventCellDepAdded, "p", CellDepData{CellID: "a", DependsOnID: "b", Relationship: "blocks"})

	blockers := func(id string) string {
		var s string
		err := db.QueryRow(ctx,
			`SELECT blocker_ids FROM blocked_cells WHERE cell_id = ?`, id).Scan(&s)
		if err == sql.ErrNoRows {
			return ""
		}
		if err != nil {
			t.Fatal(err)
		}
		return s
	}

	if got := blockers("a"); got != `["b"]` {
		t.Errorf("a blockers = %s, want [\"b\"]", got)
	}
	if got := blockers("b"); got != `["c"]` {
		t.Errorf("b blockers = %s, want [\"c\"]", got)
	}

	// Closing c frees b; a stays blocked on b.
	apply(t, db, types.EventCellClosed, "p", CellClosedData{ID: "c"})
	if got := blockers("b"); got != "" {
		t.Errorf("b still cached as blocked after c closed: %s", got)
	}
	if got := blockers("a"); got != `["b"]` {
		t.Errorf("a blockers after c closed = %s", got)
	}

	// Closing b frees a.
	apply(t, db, types.EventCellClosed, "p", CellClosedData{ID: "b"})
	if got := blockers("a"); got != "" {
		t.Errorf("a still cached as blocked after b closed: %s", got)
	}
}

func TestBlockedCacheMarksDirty(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	apply(t, db, types.EventCellCreated, "p", CellCreatedData{ID: "a", Type: "task", Title: "a"})
	apply(t, db, types.EventCellCreated, "p", CellCreatedData{ID: "b", Type: "task", Title: "b"})
	apply(t, db, types.EventCellDepAdded, "p", CellDepData{CellID: "a", DependsOnID: "b", Relationship: "blocks"})

	var count int
	if err := db.QueryRow(ctx,
		`SELECT COUNT(*) FROM dirty_cells WHERE cell_id = 'a'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("cell a not marked dirty after dependency change")
	}
}

func TestCommentIDFromSequenceIsReplayIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	apply(t, db, types.EventCellCreated, "p", CellCreatedData{ID: "a", Type: "task", Title: "a"})

	data, _ := json.Marshal(CellCommentData{CellID: "a", Author: "alpha", Body: "hello"})
	ev := &types.Event{
		ID: 99, Sequence: 99, Type: types.EventCellCommentAdded,
		ProjectKey: "p", Timestamp: time.Now().UnixMilli(), Data: data,
	}
	for i := 0; i < 2; i++ {
		err := db.Transaction(ctx, func(tx *sql.Tx) error {
			return Apply(ctx, tx, ev)
		})
		if err != nil {
			t.Fatalf("apply comment (pass %d): %v", i, err)
		}
	}

	var count int
	if err := db.QueryRow(ctx,
		`SELECT COUNT(*) FROM cell_comments WHERE cell_id = 'a'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("replayed comment duplicated: %d rows", count)
	}
	var id int64
	if err := db.QueryRow(ctx,
		`SELECT id FROM cell_comments WHERE cell_id = 'a'`).Scan(&id); err != nil {
		t.Fatal(err)
	}
	if id != 99 {
		t.Errorf("comment id = %d, want event sequence 99", id)
	}
}

func TestCellDeleteAndRestore(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	apply(t, db, types.EventCellCreated, "p", CellCreatedData{ID: "a", Type: "task", Title: "a"})
	apply(t, db, types.EventCellDeleted, "p", CellDeletedData{ID: "a", By: "alpha", Reason: "dupe", PrevStatus: "open"})

	var status string
	var deleted sql.NullTime
	if err := db.QueryRow(ctx,
		`SELECT status, deleted_at FROM cells WHERE id = 'a'`).Scan(&status, &deleted); err != nil {
		t.Fatal(err)
	}
	if status != "tombstone" || !deleted.Valid {
		t.Errorf("delete did not tombstone: status=%s deleted=%v", status, deleted.Valid)
	}

	apply(t, db, types.EventCellRestored, "p", CellRestoredData{ID: "a", Status: "open"})
	if err := db.QueryRow(ctx,
		`SELECT status, deleted_at FROM cells WHERE id = 'a'`).Scan(&status, &deleted); err != nil {
		t.Fatal(err)
	}
	if status != "open" || deleted.Valid {
		t.Errorf("restore failed: status=%s deleted=%v", status, deleted.Valid)
	}
}
