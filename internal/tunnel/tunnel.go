// Package tunnel holds the per-connection Tunnel value shared by the HTTP
// and SOCKS front-ends — spec.md §3's Tunnel entity. It is exclusively
// owned by the handler goroutine that creates it.
package tunnel

import (
	"net"
	"strconv"
	"time"

	"github.com/drsoft-oss/tunnelgate/internal/accesslog"
)

// Protocol identifies which client-facing framing negotiated this tunnel.
type Protocol string

const (
	ProtoHTTPForward  Protocol = "HTTP_FORWARD"
	ProtoHTTPConnect  Protocol = "HTTP_CONNECT"
	ProtoSOCKS4       Protocol = "SOCKS4"
	ProtoSOCKS5       Protocol = "SOCKS5"
)

// Phase is the Tunnel's lifecycle stage.
type Phase string

const (
	PhaseNegotiate        Phase = "NEGOTIATE"
	PhaseUpstreamHandshake Phase = "UPSTREAM_HANDSHAKE"
	PhaseRelay            Phase = "RELAY"
	PhaseClosed           Phase = "CLOSED"
)

// Tunnel is the per-accepted-connection state described in spec.md §3.
type Tunnel struct {
	Protocol   Protocol
	Phase      Phase
	TargetHost string
	TargetPort int

	BytesClientToUpstream uint64
	BytesUpstreamToClient uint64

	StartTime  time.Time
	ClientAddr string

	Method string // for HTTP forward access-event reporting
}

// New creates a Tunnel at NEGOTIATE phase, stamped with the current time.
func New(proto Protocol, clientAddr string, start time.Time) *Tunnel {
	return &Tunnel{
		Protocol:   proto,
		Phase:      PhaseNegotiate,
		ClientAddr: clientAddr,
		StartTime:  start,
	}
}

// AccessEvent builds the single AccessEvent this Tunnel emits on
// completion, per spec.md §3/§8 ("exactly one AccessEvent per accepted
// connection").
func (t *Tunnel) AccessEvent(now time.Time, action accesslog.Action, statusCode int) accesslog.Event {
	target := t.TargetHost
	if t.TargetPort != 0 {
		target = net.JoinHostPort(t.TargetHost, strconv.Itoa(t.TargetPort))
	}
	return accesslog.Event{
		Timestamp:  now,
		ClientAddr: t.ClientAddr,
		Action:     action,
		StatusCode: statusCode,
		Bytes:      t.BytesClientToUpstream + t.BytesUpstreamToClient,
		Method:     t.Method,
		Target:     target,
		DurationMs: now.Sub(t.StartTime).Milliseconds(),
	}
}
