// Package acceptor owns the two client-facing TCP listeners (HTTP/HTTPS
// forward-proxy port and SOCKS port) and the accept loops that hand each
// connection off to its protocol handler on its own goroutine — spec.md
// §4.1 and §5.
//
// Grounded on the teacher's internal/server/server.go Start/Stop shape
// (net.Listen, blocking Accept loop, goroutine-per-connection, Stop closes
// the listener to unblock Accept), generalized to run two listeners side
// by side and to bound concurrency with golang.org/x/net/netutil, which the
// teacher's go.mod already carries for its SOCKS5 client dialer.
package acceptor

import (
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
)

// ConnHandler processes one accepted connection. It is responsible for
// closing conn before returning.
type ConnHandler func(conn net.Conn)

// Listener wraps one bound port and the handler it dispatches to.
type Listener struct {
	name       string
	addr       string
	maxConns   int
	handler    ConnHandler
	keepAlive  time.Duration

	ln     net.Listener
	logger zerolog.Logger
}

// Config describes one listener to bring up.
type Config struct {
	Name      string // "http" or "socks", used only for logging
	Addr      string
	MaxConns  int // 0 = unbounded
	KeepAlive time.Duration
	Handler   ConnHandler
}

// New constructs a Listener from a Config; it does not bind the port yet.
func New(cfg Config, logger zerolog.Logger) *Listener {
	ka := cfg.KeepAlive
	if ka <= 0 {
		ka = 3 * time.Minute
	}
	return &Listener{
		name:      cfg.Name,
		addr:      cfg.Addr,
		maxConns:  cfg.MaxConns,
		handler:   cfg.Handler,
		keepAlive: ka,
		logger:    logger.With().Str("component", "acceptor").Str("listener", cfg.Name).Logger(),
	}
}

// Start binds the listener and runs the accept loop in the caller's
// goroutine; it blocks until the listener is closed by Stop. Callers run
// it in its own goroutine.
func (l *Listener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	ln = &tuningListener{Listener: ln, keepAlive: l.keepAlive}
	if l.maxConns > 0 {
		ln = netutil.LimitListener(ln, l.maxConns)
	}
	l.ln = ln

	l.logger.Info().Str("addr", l.addr).Msg("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go l.handler(conn)
	}
}

// Stop closes the listener, unblocking Start's Accept loop.
func (l *Listener) Stop() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// tuningListener applies TCP_NODELAY and SO_KEEPALIVE to each accepted
// connection before it can be wrapped by anything that hides its concrete
// *net.TCPConn type (netutil.LimitListener included) — proxied bytes are
// latency-sensitive and a dropped client rarely sends a clean FIN.
type tuningListener struct {
	net.Listener
	keepAlive time.Duration
}

func (l *tuningListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(l.keepAlive)
	}
	return conn, nil
}
