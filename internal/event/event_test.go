package event

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/untoldecay/hive/internal/projection"
	"github.com/untoldecay/hive/internal/storage"
	"github.com/untoldecay/hive/internal/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestAppendAssignsIncreasingSequences(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		ev, err := s.Append(ctx, types.EventAgentActive, "proj",
			projection.AgentRegisteredData{Name: "worker"})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if ev.Sequence <= last {
			t.Fatalf("sequence not increasing: %d after %d", ev.Sequence, last)
		}
		if ev.Sequence != ev.ID {
			t.Errorf("sequence %d != id %d", ev.Sequence, ev.ID)
		}
		last = ev.Sequence
	}
}

func TestAppendProjectsInSameTransaction(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, types.EventAgentRegistered, "proj",
		projection.AgentRegisteredData{Name: "alpha", Program: "worker"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	var count int
	if err := s.DB().QueryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE project_key = 'proj' AND name = 'alpha'`).Scan(&count); err != nil {
		t.Fatalf("query agents: %v", err)
	}
	if count != 1 {
		t.Errorf("agent projection missing after append")
	}
}

func TestRunRollsBackProjections(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	wantErr := errors.New("abort")
	err := s.Run(ctx, func(tx *sql.Tx, ap *Appender) error {
		if _, err := ap.Append(ctx, types.EventAgentRegistered, "proj",
			projection.AgentRegisteredData{Name: "ghost"}); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected callback error, got %v", err)
	}

	var events, agents int
	if err := s.DB().QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&events); err != nil {
		t.Fatal(err)
	}
	if err := s.DB().QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&agents); err != nil {
		t.Fatal(err)
	}
	if events != 0 || agents != 0 {
		t.Errorf("rollback left rows behind: events=%d agents=%d", events, agents)
	}
}

func TestReadEventsFilters(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, types.EventAgentRegistered, "a",
		projection.AgentRegisteredData{Name: "one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, types.EventAgentActive, "a",
		projection.AgentRegisteredData{Name: "one"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, types.EventAgentRegistered, "b",
		projection.AgentRegisteredData{Name: "two"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadEvents(ctx, Filter{ProjectKey: "a"})
	if err != nil {
		t.Fatalf("read by project: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("project filter: got %d events, want 2", len(got))
	}

	got, err = s.ReadEvents(ctx, Filter{Types: []string{types.EventAgentRegistered}})
	if err != nil {
		t.Fatalf("read by type: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("type filter: got %d events, want 2", len(got))
	}

	got, err = s.ReadEvents(ctx, Filter{Types: []string{}})
	if err != nil {
		t.Fatalf("read with empty type list: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("empty type list should match nothing, got %d", len(got))
	}

	got, err = s.ReadEvents(ctx, Filter{ProjectKey: "a", AfterSequence: 1})
	if err != nil {
		t.Fatalf("read after sequence: %v", err)
	}
	if len(got) != 1 || got[0].Sequence != 2 {
		t.Errorf("afterSequence filter wrong: %+v", got)
	}
}

func TestReadEventsCellFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, types.EventCellCreated, "p",
		projection.CellCreatedData{ID: "hv-1", Type: "task", Title: "first"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, types.EventCellCreated, "p",
		projection.CellCreatedData{ID: "hv-2", Type: "task", Title: "second"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, types.EventCellCommentAdded, "p",
		projection.CellCommentData{CellID: "hv-1", Author: "a", Body: "note"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.ReadEvents(ctx, Filter{CellID: "hv-1"})
	if err != nil {
		t.Fatalf("read by cell: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("cell filter: got %d events, want 2", len(got))
	}
	if got[0].Type != types.EventCellCreated || got[1].Type != types.EventCellCommentAdded {
		t.Errorf("wrong events for cell: %s, %s", got[0].Type, got[1].Type)
	}
}

func TestGetLatestSequence(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	seq, err := s.GetLatestSequence(ctx, "empty")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 {
		t.Errorf("expected 0 for empty project, got %d", seq)
	}

	ev, err := s.Append(ctx, types.EventAgentActive, "p",
		projection.AgentRegisteredData{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}
	seq, err = s.GetLatestSequence(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	if seq != ev.Sequence {
		t.Errorf("latest sequence %d, want %d", seq, ev.Sequence)
	}
}

func TestReplayRebuildsViews(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, types.EventAgentRegistered, "p",
		projection.AgentRegisteredData{Name: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Append(ctx, types.EventCellCreated, "p",
		projection.CellCreatedData{ID: "hv-1", Type: "task", Title: "t"}); err != nil {
		t.Fatal(err)
	}

	// Corrupt the views out from under the log.
	if _, err := s.DB().Exec(ctx, `DELETE FROM agents`); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Exec(ctx, `UPDATE cells SET title = 'mangled'`); err != nil {
		t.Fatal(err)
	}

	n, err := s.Replay(ctx, "p", ReplayOptions{ClearViews: true})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if n != 2 {
		t.Errorf("replayed %d events, want 2", n)
	}

	var agents int
	if err := s.DB().QueryRow(ctx,
		`SELECT COUNT(*) FROM agents WHERE name = 'alpha'`).Scan(&agents); err != nil {
		t.Fatal(err)
	}
	if agents != 1 {
		t.Errorf("agent not rebuilt")
	}
	var title string
	if err := s.DB().QueryRow(ctx,
		`SELECT title FROM cells WHERE id = 'hv-1'`).Scan(&title); err != nil {
		t.Fatal(err)
	}
	if title != "t" {
		t.Errorf("cell title after replay = %q, want %q", title, "t")
	}
}

func TestSubscribeDeliversAfterCommit(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ch, cancel := s.Subscribe()
	defer cancel()

	ev, err := s.Append(ctx, types.EventAgentActive, "p",
		projection.AgentRegisteredData{Name: "x"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-ch:
		if got.Sequence != ev.Sequence {
			t.Errorf("delivered seq %d, want %d", got.Sequence, ev.Sequence)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribeHearsNothingOnRollback(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	ch, cancel := s.Subscribe()
	defer cancel()

	_ = s.Run(ctx, func(tx *sql.Tx, ap *Appender) error {
		if _, err := ap.Append(ctx, types.EventAgentActive, "p",
			projection.AgentRegisteredData{Name: "x"}); err != nil {
			return err
		}
		return errors.New("abort")
	})

	select {
	case ev := <-ch:
		t.Fatalf("received event %d from rolled-back transaction", ev.Sequence)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnknownEventTypeProjectsToNothing(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.Append(ctx, "exotic_future_event", "p",
		map[string]string{"note": "ignored"}); err != nil {
		t.Fatalf("append unknown type: %v", err)
	}
	var count int
	if err := s.DB().QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("event not stored: %d", count)
	}
}
