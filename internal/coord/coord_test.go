package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/projection"
	"github.com/untoldecay/hive/internal/storage"
	"github.com/untoldecay/hive/internal/types"
)

func setupTestStore(t *testing.T) *event.Store {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return event.NewStore(db)
}

func TestReservationConflictThenSweepThenRetry(t *testing.T) {
	events := setupTestStore(t)
	r := NewReservations(events)
	ctx := context.Background()

	if _, err := r.Acquire(ctx, "/p", "A", []string{"src/auth.ts"}, "fix", 20*time.Millisecond); err != nil {
		t.Fatalf("A acquire: %v", err)
	}

	_, err := r.Acquire(ctx, "/p", "B", []string{"src/auth.ts"}, "refactor", time.Minute)
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("B should conflict, got %v", err)
	}
	var conflict *types.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error does not carry conflict payload: %v", err)
	}
	if conflict.WithAgent != "A" || conflict.WithPath != "src/auth.ts" {
		t.Errorf("conflict payload = %+v", conflict)
	}

	time.Sleep(30 * time.Millisecond)
	swept, err := r.SweepExpired(ctx, "/p", time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept %d reservations, want 1", swept)
	}

	if _, err := r.Acquire(ctx, "/p", "B", []string{"src/auth.ts"}, "refactor", time.Minute); err != nil {
		t.Fatalf("B retry after sweep: %v", err)
	}
}

func TestReservationOverlapByGlob(t *testing.T) {
	events := setupTestStore(t)
	r := NewReservations(events)
	ctx := context.Background()

	if _, err := r.Acquire(ctx, "/p", "A", []string{"src/**"}, "", time.Minute); err != nil {
		t.Fatalf("A acquire: %v", err)
	}
	if _, err := r.Acquire(ctx, "/p", "B", []string{"src/deep/file.go"}, "", time.Minute); !errors.Is(err, types.ErrConflict) {
		t.Errorf("glob overlap not detected: %v", err)
	}
	// Disjoint subtree is fine.
	if _, err := r.Acquire(ctx, "/p", "B", []string{"docs/readme.md"}, "", time.Minute); err != nil {
		t.Errorf("disjoint pattern rejected: %v", err)
	}
}

func TestReservationSameAgentNoSelfConflict(t *testing.T) {
	events := setupTestStore(t)
	r := NewReservations(events)
	ctx := context.Background()

	if _, err := r.Acquire(ctx, "/p", "A", []string{"src/auth.ts"}, "", time.Minute); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := r.Acquire(ctx, "/p", "A", []string{"src/auth.ts"}, "", time.Minute); err != nil {
		t.Errorf("agent conflicted with itself: %v", err)
	}
}

func TestReservationSharedHoldingBlocksExclusive(t *testing.T) {
	events := setupTestStore(t)
	r := NewReservations(events)
	ctx := context.Background()

	// A shared row can enter the table through a replayed or externally
	// appended event even though Acquire only grants exclusive ones.
	_, err := events.Append(ctx, types.EventReservationAcquired, "/p",
		projection.ReservationAcquiredData{
			ID:          "shared-1",
			AgentName:   "A",
			PathPattern: "src/auth.ts",
			Exclusive:   false,
			ExpiresAt:   time.Now().UTC().Add(time.Minute),
		})
	if err != nil {
		t.Fatalf("append shared reservation: %v", err)
	}

	_, err = r.Acquire(ctx, "/p", "B", []string{"src/auth.ts"}, "", time.Minute)
	if !errors.Is(err, types.ErrConflict) {
		t.Fatalf("exclusive acquire over a shared holding should conflict, got %v", err)
	}
	var conflict *types.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error does not carry conflict payload: %v", err)
	}
	if conflict.WithAgent != "A" {
		t.Errorf("conflict agent = %q, want A", conflict.WithAgent)
	}
}

func TestReservationReleaseIdempotent(t *testing.T) {
	events := setupTestStore(t)
	r := NewReservations(events)
	ctx := context.Background()

	h, err := r.Acquire(ctx, "/p", "A", []string{"src/auth.ts"}, "", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := r.Release(ctx, "/p", h); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := r.Release(ctx, "/p", h); err != nil {
		t.Fatalf("second release: %v", err)
	}
	active, err := r.List(ctx, "/p", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 0 {
		t.Errorf("reservation still active after release")
	}
}

func TestLockFencingTokensIncrease(t *testing.T) {
	events := setupTestStore(t)
	l := NewLocks(events)
	ctx := context.Background()

	seq1, ok, err := l.TryAcquire(ctx, "/p", "epic-1", "A", time.Minute)
	if err != nil || !ok {
		t.Fatalf("A acquire: ok=%v err=%v", ok, err)
	}
	if seq1 != 1 {
		t.Errorf("first token = %d, want 1", seq1)
	}

	// Held: B is refused.
	if _, ok, err := l.TryAcquire(ctx, "/p", "epic-1", "B", time.Minute); err != nil || ok {
		t.Fatalf("B acquired a held lock: ok=%v err=%v", ok, err)
	}

	if err := l.Release(ctx, "/p", "epic-1", "A"); err != nil {
		t.Fatalf("release: %v", err)
	}
	seq2, ok, err := l.TryAcquire(ctx, "/p", "epic-1", "B", time.Minute)
	if err != nil || !ok {
		t.Fatalf("B acquire after release: ok=%v err=%v", ok, err)
	}
	if seq2 != seq1+1 {
		t.Errorf("token after release = %d, want %d", seq2, seq1+1)
	}
}

func TestLockStealExpiredAdvancesToken(t *testing.T) {
	events := setupTestStore(t)
	l := NewLocks(events)
	ctx := context.Background()

	seq1, ok, err := l.TryAcquire(ctx, "/p", "epic-1", "A", 10*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("A acquire: ok=%v err=%v", ok, err)
	}
	time.Sleep(20 * time.Millisecond)

	seq2, ok, err := l.TryAcquire(ctx, "/p", "epic-1", "B", time.Minute)
	if err != nil || !ok {
		t.Fatalf("B steal: ok=%v err=%v", ok, err)
	}
	if seq2 <= seq1 {
		t.Errorf("stolen lock token %d not greater than %d", seq2, seq1)
	}

	// A's stale token no longer validates.
	valid, err := l.ValidToken(ctx, "epic-1", seq1)
	if err != nil {
		t.Fatal(err)
	}
	if valid {
		t.Errorf("stale token %d still validates", seq1)
	}
	valid, err = l.ValidToken(ctx, "epic-1", seq2)
	if err != nil {
		t.Fatal(err)
	}
	if !valid {
		t.Errorf("current token %d does not validate", seq2)
	}
}

func TestLockReleaseByNonHolder(t *testing.T) {
	events := setupTestStore(t)
	l := NewLocks(events)
	ctx := context.Background()

	if _, ok, err := l.TryAcquire(ctx, "/p", "epic-1", "A", time.Minute); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := l.Release(ctx, "/p", "epic-1", "B"); err != nil {
		t.Fatalf("non-holder release errored: %v", err)
	}
	lk, err := l.Get(ctx, "epic-1")
	if err != nil {
		t.Fatal(err)
	}
	if lk.Holder != "A" {
		t.Errorf("lock stolen by non-holder release")
	}
}

func TestCursorMonotonic(t *testing.T) {
	events := setupTestStore(t)
	c := NewCursors(events)
	ctx := context.Background()

	pos, err := c.Read(ctx, "s", "worker")
	if err != nil {
		t.Fatal(err)
	}
	if pos != 0 {
		t.Errorf("absent cursor = %d, want 0", pos)
	}

	moved, err := c.Advance(ctx, "s", "worker", 10)
	if err != nil || !moved {
		t.Fatalf("advance to 10: moved=%v err=%v", moved, err)
	}
	moved, err = c.Advance(ctx, "s", "worker", 5)
	if err != nil {
		t.Fatal(err)
	}
	if moved {
		t.Errorf("cursor moved backwards")
	}
	pos, err = c.Read(ctx, "s", "worker")
	if err != nil {
		t.Fatal(err)
	}
	if pos != 10 {
		t.Errorf("position = %d, want 10", pos)
	}
}

func TestDeferredResolveOnce(t *testing.T) {
	events := setupTestStore(t)
	d := NewDeferreds(events)
	ctx := context.Background()

	if err := d.Create(ctx, "hive://task/1", time.Minute); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := d.Resolve(ctx, "hive://task/1", "done", ""); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	err := d.Resolve(ctx, "hive://task/1", "again", "")
	if !errors.Is(err, types.ErrAlreadyResolved) {
		t.Errorf("second resolve = %v, want AlreadyResolved", err)
	}
}

func TestDeferredAwait(t *testing.T) {
	events := setupTestStore(t)
	d := NewDeferreds(events)
	ctx := context.Background()

	if err := d.Create(ctx, "hive://task/2", time.Minute); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = d.Resolve(ctx, "hive://task/2", "payload", "")
	}()
	def, err := d.Await(ctx, "hive://task/2", 2*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if def.Value != "payload" {
		t.Errorf("value = %q, want payload", def.Value)
	}
}

func TestDeferredAwaitTimeout(t *testing.T) {
	events := setupTestStore(t)
	d := NewDeferreds(events)
	ctx := context.Background()

	if err := d.Create(ctx, "hive://task/3", time.Minute); err != nil {
		t.Fatal(err)
	}
	_, err := d.Await(ctx, "hive://task/3", 50*time.Millisecond)
	if !errors.Is(err, types.ErrExpired) {
		t.Errorf("await timeout = %v, want Expired", err)
	}
}

func TestMessagingThreadAndReadState(t *testing.T) {
	events := setupTestStore(t)
	m := NewMessaging(events)
	ctx := context.Background()

	first, err := m.Send(ctx, SendRequest{
		ProjectKey: "/p", FromAgent: "A", Recipients: []string{"B", "B", "C"},
		Subject: "plan", Body: "split the work",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if first.ThreadID != first.ID {
		t.Errorf("thread root id = %q, want own id %q", first.ThreadID, first.ID)
	}

	if _, err := m.Send(ctx, SendRequest{
		ProjectKey: "/p", FromAgent: "B", Recipients: []string{"A"},
		ThreadID: first.ThreadID, Body: "taking auth",
	}); err != nil {
		t.Fatalf("reply: %v", err)
	}

	thread, err := m.Thread(ctx, "/p", first.ThreadID)
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if len(thread) != 2 {
		t.Errorf("thread length = %d, want 2", len(thread))
	}

	inbox, err := m.Inbox(ctx, "/p", "B", true, 0)
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(inbox) != 1 {
		t.Fatalf("B unread inbox = %d items, want 1", len(inbox))
	}

	if err := m.MarkRead(ctx, "/p", first.ID, "B"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	inbox, err = m.Inbox(ctx, "/p", "B", true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 0 {
		t.Errorf("message still unread after MarkRead")
	}

	if err := m.Ack(ctx, "/p", first.ID, "nobody"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("ack by non-recipient = %v, want NotFound", err)
	}
}

func TestAgentsRegisterAndList(t *testing.T) {
	events := setupTestStore(t)
	a := NewAgents(events)
	ctx := context.Background()

	if err := a.Register(ctx, "/p", "alpha", "worker", "m1", "auth refactor"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.Register(ctx, "/p", "beta", "worker", "m1", "tests"); err != nil {
		t.Fatal(err)
	}
	if err := a.Heartbeat(ctx, "/p", "alpha"); err != nil {
		t.Fatal(err)
	}

	agents, err := a.List(ctx, "/p")
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 {
		t.Fatalf("got %d agents, want 2", len(agents))
	}
}
