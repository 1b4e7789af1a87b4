package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/drsoft-oss/tunnelgate/internal/accesslog"
	"github.com/drsoft-oss/tunnelgate/internal/upstream"
)

func newTestMux(t *testing.T) (*upstream.State, *accesslog.AsyncSink) {
	t.Helper()
	sink, err := accesslog.New(accesslog.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("accesslog.New: %v", err)
	}
	return upstream.NewState(), sink
}

func TestHandleStatus_ReturnsCounters(t *testing.T) {
	upState, sink := newTestMux(t)
	s := New("127.0.0.1:0", upState, sink, zerolog.Nop())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	s.server.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var info StatusInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info.UptimeSeconds < 0 {
		t.Error("expected non-negative uptime")
	}
}

func TestHandleUpstream_ReflectsState(t *testing.T) {
	upState, sink := newTestMux(t)
	upState.SetAlive(false)
	upState.SetLatency(42 * time.Millisecond)
	upState.RecordConnError()

	s := New("127.0.0.1:0", upState, sink, zerolog.Nop())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/upstream", nil)
	s.server.Handler.ServeHTTP(rr, req)

	var info UpstreamInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &info); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if info.Alive {
		t.Error("expected alive=false")
	}
	if info.LatencyMs != 42 {
		t.Errorf("expected 42ms latency, got %d", info.LatencyMs)
	}
	if info.ConnErrors != 1 {
		t.Errorf("expected 1 conn error, got %d", info.ConnErrors)
	}
}

func TestHandleStatus_RejectsNonGet(t *testing.T) {
	upState, sink := newTestMux(t)
	s := New("127.0.0.1:0", upState, sink, zerolog.Nop())

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/status", nil)
	s.server.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}
