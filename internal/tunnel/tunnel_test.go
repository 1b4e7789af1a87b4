package tunnel

import (
	"testing"
	"time"

	"github.com/drsoft-oss/tunnelgate/internal/accesslog"
)

func TestNew_StartsAtNegotiatePhase(t *testing.T) {
	start := time.Now()
	tun := New(ProtoHTTPConnect, "127.0.0.1:5555", start)
	if tun.Phase != PhaseNegotiate {
		t.Errorf("expected PhaseNegotiate, got %v", tun.Phase)
	}
	if tun.ClientAddr != "127.0.0.1:5555" {
		t.Errorf("client addr not recorded")
	}
}

func TestAccessEvent_TargetIncludesPort(t *testing.T) {
	start := time.Now()
	tun := New(ProtoHTTPConnect, "127.0.0.1:5555", start)
	tun.TargetHost = "example.com"
	tun.TargetPort = 443
	tun.BytesClientToUpstream = 100
	tun.BytesUpstreamToClient = 200

	ev := tun.AccessEvent(start.Add(50*time.Millisecond), accesslog.ActionTunnel, 200)
	if ev.Target != "example.com:443" {
		t.Errorf("expected host:port target, got %q", ev.Target)
	}
	if ev.Bytes != 300 {
		t.Errorf("expected summed byte count 300, got %d", ev.Bytes)
	}
	if ev.DurationMs < 0 {
		t.Errorf("expected non-negative duration")
	}
}

func TestAccessEvent_NoPortOmitsColon(t *testing.T) {
	start := time.Now()
	tun := New(ProtoSOCKS4, "127.0.0.1:5555", start)
	tun.TargetHost = "example.com"

	ev := tun.AccessEvent(time.Now(), accesslog.ActionDenied, 400)
	if ev.Target != "example.com" {
		t.Errorf("expected bare host, got %q", ev.Target)
	}
}
