package upstream

import (
	"testing"
	"time"
)

func TestNewState_StartsAlive(t *testing.T) {
	s := NewState()
	if !s.IsAlive() {
		t.Error("expected new state to start alive")
	}
	if s.Latency() != 0 {
		t.Error("expected zero initial latency")
	}
}

func TestState_SetAliveAndLatency(t *testing.T) {
	s := NewState()
	s.SetAlive(false)
	if s.IsAlive() {
		t.Error("expected alive=false after SetAlive(false)")
	}
	s.SetLatency(25 * time.Millisecond)
	if s.Latency() != 25*time.Millisecond {
		t.Errorf("got %v", s.Latency())
	}
}

func TestState_Counters(t *testing.T) {
	s := NewState()
	s.RecordConnError()
	s.RecordConnError()
	s.RecordTunnelOpened()

	if s.ConnErrors.Load() != 2 {
		t.Errorf("expected 2 conn errors, got %d", s.ConnErrors.Load())
	}
	if s.TunnelsOpened.Load() != 1 {
		t.Errorf("expected 1 tunnel opened, got %d", s.TunnelsOpened.Load())
	}
}
