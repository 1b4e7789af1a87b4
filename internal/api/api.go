// Package api exposes a small read-only HTTP admin API, bound to loopback
// only and disabled entirely when no admin port is configured.
//
// Endpoints
//
//	GET /api/status    Process-level counters: uptime, emitted and dropped access-log events.
//	GET /api/upstream  The single configured upstream's live health: alive, latency, conn errors.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/drsoft-oss/tunnelgate/internal/accesslog"
	"github.com/drsoft-oss/tunnelgate/internal/upstream"
)

// Server is the admin API HTTP server.
type Server struct {
	server    *http.Server
	upState   *upstream.State
	accessLog *accesslog.AsyncSink
	startedAt time.Time
	logger    zerolog.Logger
}

// New creates and configures the admin API server. addr should be a
// loopback address (e.g. "127.0.0.1:9090") — spec.md §6 scopes this API
// to operator-local access only.
func New(addr string, upState *upstream.State, sink *accesslog.AsyncSink, logger zerolog.Logger) *Server {
	s := &Server{
		upState:   upState,
		accessLog: sink,
		startedAt: time.Now(),
		logger:    logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/upstream", s.handleUpstream)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("admin API listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// -----------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------

// StatusInfo is the GET /api/status payload.
type StatusInfo struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	EventsEmitted   int64   `json:"access_events_emitted"`
	EventsDropped   int64   `json:"access_events_dropped"`
}

// UpstreamInfo is the GET /api/upstream payload.
type UpstreamInfo struct {
	Alive        bool  `json:"alive"`
	LatencyMs    int64 `json:"latency_ms"`
	ConnErrors   int64 `json:"conn_errors"`
	TunnelsOpened int64 `json:"tunnels_opened"`
}

// -----------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info := StatusInfo{
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
	}
	if s.accessLog != nil {
		info.EventsEmitted = s.accessLog.Emitted()
		info.EventsDropped = s.accessLog.Dropped()
	}
	jsonOK(w, info)
}

func (s *Server) handleUpstream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jsonOK(w, UpstreamInfo{
		Alive:         s.upState.IsAlive(),
		LatencyMs:     s.upState.Latency().Milliseconds(),
		ConnErrors:    s.upState.ConnErrors.Load(),
		TunnelsOpened: s.upState.TunnelsOpened.Load(),
	})
}

// -----------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
