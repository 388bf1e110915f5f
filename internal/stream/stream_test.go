package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/storage"
	"github.com/untoldecay/hive/internal/types"
)

func setupTestServer(t *testing.T) (*Server, *event.Store) {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := event.NewStore(db)
	srv := NewServer(store, "127.0.0.1:0")
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, store
}

func seedEvents(t *testing.T, store *event.Store, projectKey string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		data := map[string]interface{}{"n": i + 1}
		if _, err := store.Append(context.Background(), types.EventAgentActive, projectKey, data); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func getFrames(t *testing.T, url string) (int, []Frame) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	var frames []Frame
	if err := json.NewDecoder(resp.Body).Decode(&frames); err != nil {
		t.Fatalf("decode frames: %v", err)
	}
	return resp.StatusCode, frames
}

func TestSliceEndpoint(t *testing.T) {
	srv, store := setupTestServer(t)
	seedEvents(t, store, "proj", 3)

	status, frames := getFrames(t, srv.URL()+"/streams/proj?offset=0")
	if status != http.StatusOK || len(frames) != 3 {
		t.Fatalf("status=%d frames=%d", status, len(frames))
	}
	for i, f := range frames {
		if f.Offset != int64(i+1) {
			t.Errorf("frame %d offset = %d", i, f.Offset)
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
			t.Fatalf("frame data not an event: %v", err)
		}
		if ev.Type != types.EventAgentActive || ev.Sequence != f.Offset {
			t.Errorf("frame %d event = %+v", i, ev)
		}
	}

	status, frames = getFrames(t, srv.URL()+"/streams/proj?offset=2")
	if status != http.StatusOK || len(frames) != 1 || frames[0].Offset != 3 {
		t.Errorf("after offset 2: status=%d frames=%v", status, frames)
	}

	status, frames = getFrames(t, srv.URL()+"/streams/proj?offset=0&limit=2")
	if status != http.StatusOK || len(frames) != 2 {
		t.Errorf("limit 2: status=%d frames=%d", status, len(frames))
	}
}

func TestSliceErrors(t *testing.T) {
	srv, store := setupTestServer(t)
	seedEvents(t, store, "proj", 1)

	cases := []struct {
		path string
		want int
		kind string
	}{
		{"/streams/proj?offset=-1", http.StatusBadRequest, "invalid"},
		{"/streams/proj?offset=banana", http.StatusBadRequest, "invalid"},
		{"/streams/ghost-project", http.StatusNotFound, "not_found"},
		{"/nowhere", http.StatusNotFound, "not_found"},
	}
	for _, c := range cases {
		resp, err := http.Get(srv.URL() + c.path)
		if err != nil {
			t.Fatalf("GET %s: %v", c.path, err)
		}
		var body errorBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("GET %s: decode error body: %v", c.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != c.want || body.Error.Kind != c.kind {
			t.Errorf("GET %s: status=%d kind=%q, want %d %q",
				c.path, resp.StatusCode, body.Error.Kind, c.want, c.kind)
		}
	}

	resp, err := http.Post(srv.URL()+"/streams/proj", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("POST status = %d, want 404", resp.StatusCode)
	}
}

// readSSEFrame blocks until the next data: line arrives.
func readSSEFrame(t *testing.T, scanner *bufio.Scanner) Frame {
	t.Helper()
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var f Frame
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f); err != nil {
			t.Fatalf("bad SSE frame %q: %v", line, err)
		}
		return f
	}
	t.Fatalf("SSE stream ended early: %v", scanner.Err())
	return Frame{}
}

func TestLiveCatchUpThenLive(t *testing.T) {
	srv, store := setupTestServer(t)
	seedEvents(t, store, "proj", 3)

	resp, err := http.Get(srv.URL() + "/streams/proj?live=true&offset=0")
	if err != nil {
		t.Fatalf("GET live: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}

	scanner := bufio.NewScanner(resp.Body)
	for want := int64(1); want <= 3; want++ {
		f := readSSEFrame(t, scanner)
		if f.Offset != want {
			t.Fatalf("replay frame offset = %d, want %d", f.Offset, want)
		}
	}

	// Live phase: a fresh append arrives as the next frame.
	if _, err := store.Append(context.Background(), types.EventMessageSent, "proj",
		map[string]interface{}{"n": 4}); err != nil {
		t.Fatalf("live append: %v", err)
	}
	f := readSSEFrame(t, scanner)
	if f.Offset != 4 {
		t.Fatalf("live frame offset = %d, want 4", f.Offset)
	}
	var ev types.Event
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil || ev.Type != types.EventMessageSent {
		t.Errorf("live frame event = %+v (%v)", ev, err)
	}

	resp.Body.Close()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- srv.Stop(ctx)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Stop hung with a closed stream")
	}
}

func TestLiveFiltersOtherProjects(t *testing.T) {
	srv, store := setupTestServer(t)
	seedEvents(t, store, "proj", 1)
	seedEvents(t, store, "other", 1)

	resp, err := http.Get(srv.URL() + "/streams/proj?live=true&offset=0")
	if err != nil {
		t.Fatalf("GET live: %v", err)
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)

	if f := readSSEFrame(t, scanner); f.Offset != 1 {
		t.Fatalf("replay frame = %+v", f)
	}

	seedEvents(t, store, "other", 1)
	seedEvents(t, store, "proj", 1)

	f := readSSEFrame(t, scanner)
	var ev types.Event
	if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
		t.Fatalf("bad frame: %v", err)
	}
	if ev.ProjectKey != "proj" {
		t.Errorf("leaked event from project %q", ev.ProjectKey)
	}
}

func TestStopClosesOpenStreams(t *testing.T) {
	srv, store := setupTestServer(t)
	seedEvents(t, store, "proj", 1)

	resp, err := http.Get(srv.URL() + "/streams/proj?live=true&offset=0")
	if err != nil {
		t.Fatalf("GET live: %v", err)
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	readSSEFrame(t, scanner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop with open stream: %v", err)
	}
	if scanner.Scan() {
		for scanner.Scan() {
		}
	}
}

func TestDoubleStartAndStop(t *testing.T) {
	db, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	srv := NewServer(event.NewStore(db), "127.0.0.1:0")
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !strings.HasPrefix(srv.URL(), "http://127.0.0.1:") {
		t.Errorf("URL = %q", srv.URL())
	}
	if err := srv.Start(); err == nil {
		t.Fatal("second Start succeeded")
	}

	ctx := context.Background()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

