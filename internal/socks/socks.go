// Package socks implements the unified SOCKS front-end (spec.md §4.5): a
// single handler on the SOCKS listener that peeks the first byte to
// version-dispatch between SOCKS4/4a and SOCKS5, each translating its
// CONNECT request into the shared upstream.DialAndConnect bridge.
//
// There is no pack analog for a SOCKS front-end on a single fixed
// upstream; the accept-loop/per-conn-goroutine/deadline shape is grounded
// on other_examples' hackclub-arker SOCKS5 proxy (the only SOCKS5 server
// implementation retrieved for this spec), translated from its slog-based
// logging into this repo's zerolog convention.
package socks

import (
	"bufio"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/drsoft-oss/tunnelgate/internal/accesslog"
	"github.com/drsoft-oss/tunnelgate/internal/upstream"
)

// Config carries the subset of config.Config the SOCKS handler needs.
type Config struct {
	RequireClientAuth  bool
	ClientAuthExpected string // "Basic <b64>" — compared against SOCKS5 user/pass sub-negotiation

	UpstreamTarget upstream.Target

	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	IdleTimeout    time.Duration
	BufferSize     int
}

// Handler serves the client-facing SOCKS listener.
type Handler struct {
	cfg       Config
	accessLog accesslog.Sink
	upState   *upstream.State
	logger    zerolog.Logger
}

// New constructs a Handler.
func New(cfg Config, accessLog accesslog.Sink, upState *upstream.State, logger zerolog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		accessLog: accessLog,
		upState:   upState,
		logger:    logger.With().Str("component", "socks").Logger(),
	}
}

// HandleConn processes one accepted TCP connection on the SOCKS port,
// version-dispatching on the first byte per spec.md §4.5.
func (h *Handler) HandleConn(conn net.Conn) {
	defer conn.Close()

	if h.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}

	br := bufio.NewReader(conn)
	verByte, err := br.Peek(1)
	if err != nil {
		return
	}

	wrapped := &peekedConn{Conn: conn, r: br}

	switch verByte[0] {
	case 0x04:
		h.handleSOCKS4(wrapped)
	case 0x05:
		h.handleSOCKS5(wrapped)
	default:
		// Unrecognized version byte — close per spec.md §4.5.
	}
}

// peekedConn exposes the bufio.Reader used to peek the version byte as the
// connection's read stream, so subsequent reads see the byte again.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
