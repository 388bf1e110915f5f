package storage

import (
	"context"
	"database/sql"
	"testing"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenInitializesSchema(t *testing.T) {
	db := setupTestDB(t)

	var count int
	err := db.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'events'`).Scan(&count)
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if count != 1 {
		t.Errorf("events table missing")
	}
}

func TestOpenIsReentrant(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := dir + "/hive.db"

	db1, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if _, err := db1.Exec(ctx,
		`INSERT INTO events (type, project_key, timestamp) VALUES ('agent_registered', 'p', 1)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	db2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer db2.Close()

	var count int
	if err := db2.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 event after reopen, got %d", count)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	wantErr := context.Canceled
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events (type, project_key, timestamp) VALUES ('x', 'p', 1)`); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("expected callback error, got %v", err)
	}

	var count int
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("insert survived rollback: %d rows", count)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	v := make(Vector, VectorDim)
	for i := range v {
		v[i] = float32(i) * 0.25
	}

	if _, err := db.Exec(ctx, `
		INSERT INTO memories (id, content, created_at, updated_at, embedding)
		VALUES ('m-1', 'hello', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, ?)
	`, v); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var got Vector
	if err := db.QueryRow(ctx,
		`SELECT embedding FROM memories WHERE id = 'm-1'`).Scan(&got); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(got) != VectorDim {
		t.Fatalf("got %d dims, want %d", len(got), VectorDim)
	}
	for i := range v {
		if got[i] != v[i] {
			t.Fatalf("dim %d: got %v, want %v", i, got[i], v[i])
		}
	}
}

func TestVectorNull(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.Exec(ctx, `
		INSERT INTO memories (id, content, created_at, updated_at)
		VALUES ('m-2', 'no vector', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var got Vector
	if err := db.QueryRow(ctx,
		`SELECT embedding FROM memories WHERE id = 'm-2'`).Scan(&got); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil vector for NULL, got %d dims", len(got))
	}
}

func TestVectorRejectsWrongDim(t *testing.T) {
	v := make(Vector, 3)
	if _, err := v.Value(); err == nil {
		t.Error("expected error for 3-dim vector")
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	if sim := CosineSimilarity(a, a); sim < 0.999 {
		t.Errorf("self similarity = %v, want 1", sim)
	}
	b := []float32{0, 1, 0}
	if sim := CosineSimilarity(a, b); sim != 0 {
		t.Errorf("orthogonal similarity = %v, want 0", sim)
	}
}
