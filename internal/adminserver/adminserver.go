// Package adminserver exposes a read-only HTTP introspection surface over a
// running engine: live metrics as Server-Sent Events, a point-in-time
// metrics snapshot, and the cache's current occupancy. It intentionally
// carries no write endpoints — no hot config reload, no remote control —
// since nothing in the engine's scope needs one.
package adminserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sandboxrt/sandboxrt/internal/metrics"
)

// CacheSnapshotter is implemented by SandboxManager: a read-only view of
// cache occupancy for the /api/cache endpoint.
type CacheSnapshotter interface {
	CacheSnapshot() CacheSnapshot
}

// CacheSnapshot describes cache occupancy at a point in time.
type CacheSnapshot struct {
	TemplateCount int            `json:"template_count"`
	InstanceCount int            `json:"instance_count"`
	PerTemplate   map[string]int `json:"per_template"`
}

// LogEntry is a structured log line streamed to admin clients.
type LogEntry struct {
	Timestamp int64  `json:"ts"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

const maxLogs = 10_000
const tickInterval = 250 * time.Millisecond

// Server serves the admin introspection endpoints.
type Server struct {
	metrics *metrics.Metrics
	cache   CacheSnapshotter

	logMu   sync.Mutex
	logs    []LogEntry
	logSubs map[chan LogEntry]struct{}

	metricsSubMu sync.Mutex
	metricsSubs  map[chan metrics.Snapshot]struct{}

	mux        *http.ServeMux
	httpServer *http.Server
}

// New constructs a Server backed by m and an optional cache snapshot
// source. cache may be nil if the caller has no manager to introspect yet.
func New(m *metrics.Metrics, cache CacheSnapshotter) *Server {
	s := &Server{
		metrics:     m,
		cache:       cache,
		logs:        make([]LogEntry, 0, 512),
		logSubs:     make(map[chan LogEntry]struct{}),
		metricsSubs: make(map[chan metrics.Snapshot]struct{}),
		mux:         http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler to mount or serve directly.
func (s *Server) Handler() http.Handler { return s.mux }

// AddLog appends a log entry to the ring buffer and fans it out to every
// active /api/logs/stream subscriber.
func (s *Server) AddLog(level, message string) {
	entry := LogEntry{Timestamp: time.Now().UnixMilli(), Level: level, Message: message}

	s.logMu.Lock()
	s.logs = append(s.logs, entry)
	if len(s.logs) > maxLogs {
		s.logs = s.logs[len(s.logs)-maxLogs:]
	}
	s.logMu.Unlock()

	s.logMu.Lock()
	for ch := range s.logSubs {
		select {
		case ch <- entry:
		default:
		}
	}
	s.logMu.Unlock()
}

// ListenAndServe starts the admin HTTP server and the background metrics
// ticker feeding SSE subscribers. It blocks until the server stops, either
// from an error or from Shutdown being called on another goroutine.
func (s *Server) ListenAndServe(addr string) error {
	go s.metricsTicker()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams are unbounded
		IdleTimeout:  120 * time.Second,
	}
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the admin HTTP server, letting in-flight SSE
// streams drain until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/metrics", s.handleMetricsOnce)
	s.mux.HandleFunc("/api/metrics/stream", s.handleMetricsStream)
	s.mux.HandleFunc("/api/logs/stream", s.handleLogsStream)
	s.mux.HandleFunc("/api/cache", s.handleCache)
}

func (s *Server) handleMetricsOnce(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.metrics.Snapshot())
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.cache == nil {
		_ = json.NewEncoder(w).Encode(CacheSnapshot{PerTemplate: map[string]int{}})
		return
	}
	_ = json.NewEncoder(w).Encode(s.cache.CacheSnapshot())
}

func (s *Server) metricsTicker() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for range ticker.C {
		snap := s.metrics.Snapshot()
		s.metricsSubMu.Lock()
		for ch := range s.metricsSubs {
			select {
			case ch <- snap:
			default:
			}
		}
		s.metricsSubMu.Unlock()
	}
}

func (s *Server) handleMetricsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan metrics.Snapshot, 16)
	s.metricsSubMu.Lock()
	s.metricsSubs[ch] = struct{}{}
	s.metricsSubMu.Unlock()
	defer func() {
		s.metricsSubMu.Lock()
		delete(s.metricsSubs, ch)
		s.metricsSubMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			data, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan LogEntry, 64)
	s.logMu.Lock()
	s.logSubs[ch] = struct{}{}
	s.logMu.Unlock()
	flusher.Flush()
	defer func() {
		s.logMu.Lock()
		delete(s.logSubs, ch)
		s.logMu.Unlock()
	}()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-ch:
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
