package storage

import (
	"strings"
	"testing"
)

func TestExpandParamsPassthrough(t *testing.T) {
	q, args, err := ExpandParams("SELECT * FROM cells WHERE id = ?", []interface{}{"c-1"})
	if err != nil {
		t.Fatalf("ExpandParams failed: %v", err)
	}
	if q != "SELECT * FROM cells WHERE id = ?" {
		t.Errorf("query rewritten unexpectedly: %s", q)
	}
	if len(args) != 1 || args[0] != "c-1" {
		t.Errorf("args changed: %v", args)
	}
}

func TestExpandParamsDollar(t *testing.T) {
	q, args, err := ExpandParams(
		"SELECT * FROM cells WHERE project_key = $1 AND status = $2", []interface{}{"p", "open"})
	if err != nil {
		t.Fatalf("ExpandParams failed: %v", err)
	}
	if strings.Contains(q, "$") {
		t.Errorf("unexpanded placeholders remain: %s", q)
	}
	if len(args) != 2 || args[0] != "p" || args[1] != "open" {
		t.Errorf("wrong bindings: %v", args)
	}
}

func TestExpandParamsReuse(t *testing.T) {
	q, args, err := ExpandParams(
		"SELECT * FROM deps WHERE cell_id = $1 OR depends_on_id = $1", []interface{}{"c-9"})
	if err != nil {
		t.Fatalf("ExpandParams failed: %v", err)
	}
	if got := strings.Count(q, "?"); got != 2 {
		t.Errorf("expected 2 placeholders, got %d in %s", got, q)
	}
	if len(args) != 2 || args[0] != "c-9" || args[1] != "c-9" {
		t.Errorf("reused binding not repeated: %v", args)
	}
}

func TestExpandParamsAny(t *testing.T) {
	q, args, err := ExpandParams(
		"SELECT * FROM events WHERE type = ANY($1) AND project_key = $2",
		[]interface{}{[]string{"a", "b", "c"}, "p"})
	if err != nil {
		t.Fatalf("ExpandParams failed: %v", err)
	}
	if !strings.Contains(q, "IN (?, ?, ?)") {
		t.Errorf("ANY not expanded to IN: %s", q)
	}
	want := []interface{}{"a", "b", "c", "p"}
	if len(args) != len(want) {
		t.Fatalf("wrong arg count: %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %v, want %v", i, args[i], want[i])
		}
	}
}

func TestExpandParamsEmptyAny(t *testing.T) {
	q, args, err := ExpandParams(
		"SELECT * FROM events WHERE type = ANY($1)", []interface{}{[]string{}})
	if err != nil {
		t.Fatalf("ExpandParams failed: %v", err)
	}
	if strings.Contains(q, "IN ()") {
		t.Errorf("empty IN () emitted: %s", q)
	}
	if !strings.Contains(q, "IN (SELECT NULL WHERE 0)") {
		t.Errorf("always-false predicate missing: %s", q)
	}
	if len(args) != 0 {
		t.Errorf("expected no bindings, got %v", args)
	}
}

func TestExpandParamsOutOfRange(t *testing.T) {
	if _, _, err := ExpandParams("SELECT $3", []interface{}{"a"}); err == nil {
		t.Error("expected error for out-of-range placeholder")
	}
}
