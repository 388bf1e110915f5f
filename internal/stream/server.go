// Package stream serves the event log over HTTP: paginated JSON slices
// and live server-sent-event feeds, one stream per project key.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/untoldecay/hive/internal/debug"
	"github.com/untoldecay/hive/internal/event"
	"github.com/untoldecay/hive/internal/types"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// Frame is one delivered event: its sequence, the stringified event
// record, and the server-side delivery timestamp in milliseconds.
type Frame struct {
	Offset    int64  `json:"offset"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Server exposes /streams/{projectKey} over one listener.
type Server struct {
	events *event.Store
	addr   string

	mu      sync.Mutex
	httpSrv *http.Server
	url     string
	started bool
	stopped bool
	closing chan struct{}
	streams sync.WaitGroup
}

// NewServer wires an event store to an address. Use ":0" for an
// OS-assigned port.
func NewServer(events *event.Store, addr string) *Server {
	return &Server{
		events:  events,
		addr:    addr,
		closing: make(chan struct{}),
	}
}

// Start binds the listener and begins serving. Calling Start twice is an
// error, even after Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("stream server already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("stream listen: %w", err)
	}
	s.url = fmt.Sprintf("http://%s", ln.Addr().String())
	s.httpSrv = &http.Server{Handler: s.router()}
	s.started = true

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debug.Logf("swarm:stream", "serve: %v", err)
		}
	}()
	debug.Logf("swarm:stream", "listening on %s", s.url)
	return nil
}

// Stop closes every live stream and shuts the listener down. Safe to
// call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	close(s.closing)
	srv := s.httpSrv
	s.mu.Unlock()

	s.streams.Wait()
	return srv.Shutdown(ctx)
}

// URL reports the concrete base URL once started.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/streams/{projectKey}", s.handleStream)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "unknown path", "streams are at /streams/{projectKey}")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "method not supported", "")
	})
	return r
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	projectKey := chi.URLParam(r, "projectKey")
	q := r.URL.Query()

	offset, err := parseOffset(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error(), "offset must be a non-negative integer")
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error(), fmt.Sprintf("limit must be 1..%d", maxLimit))
		return
	}

	head, err := s.events.GetLatestSequence(r.Context(), projectKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), "")
		return
	}
	if head == 0 {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("no stream for project %q", projectKey), "")
		return
	}

	if q.Get("live") == "true" {
		s.serveLive(w, r, projectKey, offset)
		return
	}
	s.serveSlice(w, r, projectKey, offset, limit)
}

func (s *Server) serveSlice(w http.ResponseWriter, r *http.Request, projectKey string, offset int64, limit int) {
	events, err := s.events.ReadEvents(r.Context(), event.Filter{
		ProjectKey:    projectKey,
		AfterSequence: offset,
		Limit:         limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), "")
		return
	}

	frames := make([]Frame, 0, len(events))
	for _, ev := range events {
		frame, err := toFrame(ev)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", err.Error(), "")
			return
		}
		frames = append(frames, frame)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(frames)
}

func parseOffset(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	var n int64
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
		return 0, fmt.Errorf("bad offset %q", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative offset %d", n)
	}
	return n, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n < 1 {
		return 0, fmt.Errorf("bad limit %q", raw)
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func toFrame(ev types.Event) (Frame, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Offset: ev.Sequence, Data: string(data), Timestamp: time.Now().UnixMilli()}, nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, message, hint string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Kind: kind, Message: message, Hint: hint}})
}
