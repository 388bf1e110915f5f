package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/types"
)

// Subscriber states. A stream replays history first, flips to live once
// every event at or below the subscription-time head has been sent, and
// closes on client disconnect or server stop.
const (
	stateReplaying = "replaying"
	stateLive      = "live"
	stateClosed    = "closed"
)

func (s *Server) serveLive(w http.ResponseWriter, r *http.Request, projectKey string, offset int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported by connection", "")
		return
	}

	s.streams.Add(1)
	defer s.streams.Done()

	// Subscribe before reading history so nothing lands in the gap
	// between the replay query and the live feed.
	sub, cancel := s.events.Subscribe()
	defer cancel()

	head, err := s.events.GetLatestSequence(r.Context(), projectKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	state := stateReplaying
	lastSent := offset

	history, err := s.events.ReadEvents(r.Context(), event.Filter{
		ProjectKey:    projectKey,
		AfterSequence: offset,
	})
	if err != nil {
		debug.Logf("swarm:stream", "replay read for %s: %v", projectKey, err)
		return
	}
	for _, ev := range history {
		if ev.Sequence > head {
			break
		}
		if !s.sendFrame(w, flusher, ev) {
			return
		}
		lastSent = ev.Sequence
	}
	state = stateLive
	debug.Logf("swarm:stream", "subscriber for %s: %s after seq %d", projectKey, state, lastSent)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case ev, open := <-sub:
			if !open {
				return
			}
			// Events appended during replay were queued on the
			// subscription; skip what the replay already sent.
			if ev.ProjectKey != projectKey || ev.Sequence <= lastSent {
				continue
			}
			if !s.sendFrame(w, flusher, ev) {
				return
			}
			lastSent = ev.Sequence
		}
	}
}

func (s *Server) sendFrame(w http.ResponseWriter, flusher http.Flusher, ev types.Event) bool {
	frame, err := toFrame(ev)
	if err != nil {
		debug.Logf("swarm:stream", "frame encode: %v", err)
		return false
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		debug.Logf("swarm:stream", "frame encode: %v", err)
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		debug.Logf("swarm:stream", "subscriber write failed, dropping: %v", err)
		return false
	}
	flusher.Flush()
	return true
}
