package upstream

import (
	"sync"
	"sync/atomic"
	"time"
)

// State tracks the single configured upstream's observed health. It is the
// teacher's pool.Proxy narrowed from "one of N proxies" to "the one
// upstream" — a mutex-guarded liveness/latency pair plus lock-free
// counters for the hot path.
type State struct {
	mu      sync.RWMutex
	alive   bool
	latency time.Duration

	ConnErrors    atomic.Int64
	TunnelsOpened atomic.Int64
}

// NewState returns a State that starts out assumed alive; the health probe
// corrects this on its first pass.
func NewState() *State {
	s := &State{}
	s.alive = true
	return s
}

func (s *State) IsAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive
}

func (s *State) SetAlive(v bool) {
	s.mu.Lock()
	s.alive = v
	s.mu.Unlock()
}

func (s *State) Latency() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latency
}

func (s *State) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// RecordConnError increments the connection-error counter. Called by the
// HTTP and SOCKS front-ends whenever an upstream dial, TLS handshake or
// CONNECT handshake fails (a non-2xx reply included) — purely
// observational, never gates a subsequent dial attempt.
func (s *State) RecordConnError() {
	s.ConnErrors.Add(1)
}

// RecordTunnelOpened increments the successful-tunnel counter.
func (s *State) RecordTunnelOpened() {
	s.TunnelsOpened.Add(1)
}
