// Package upstream dials the single configured upstream HTTP(S) forward
// proxy and performs the CONNECT handshake used to tunnel a destination
// through it. It is reused verbatim by the HTTP CONNECT, SOCKS4, and SOCKS5
// code paths — spec.md §4.6 calls this out explicitly.
package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// Target describes the upstream proxy to dial. It is a narrow view of
// config.Config — just the fields the dialer needs — so this package
// doesn't import config and create a cycle.
type Target struct {
	Host       string
	Port       int
	TLS        bool
	AuthHeader string // pre-encoded "Basic <b64>", empty disables injection
}

// Sentinel/typed errors, per spec.md §7's error taxonomy. Callers branch on
// these to pick the protocol-appropriate client-facing failure.
var (
	ErrHandshakeTimeout   = errors.New("upstream: CONNECT handshake timed out")
	ErrHandshakeMalformed = errors.New("upstream: malformed CONNECT response")
)

// DialError wraps a failure to open the TCP connection to the upstream.
type DialError struct{ Err error }

func (e *DialError) Error() string { return fmt.Sprintf("upstream: dial failed: %v", e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

// TLSError wraps a failure during the TLS handshake with the upstream.
type TLSError struct{ Err error }

func (e *TLSError) Error() string { return fmt.Sprintf("upstream: tls handshake failed: %v", e.Err) }
func (e *TLSError) Unwrap() error { return e.Err }

// HandshakeStatusError is returned when the upstream replies to CONNECT
// with a non-2xx status. The HTTP CONNECT front-end passes the code and
// reason straight through to the client; the SOCKS front-ends translate it
// into their own failure framing. HTTP forward mode uses Dial, which sends
// no CONNECT, so it never sees this error.
type HandshakeStatusError struct {
	Code   int
	Status string
}

func (e *HandshakeStatusError) Error() string {
	return fmt.Sprintf("upstream: CONNECT rejected: %d %s", e.Code, e.Status)
}

// dial opens a TCP connection to t, optionally wrapping it in a TLS client
// handshake bounded by ctx. It is the shared first step of Dial and
// DialAndConnect.
func dial(ctx context.Context, t Target) (net.Conn, error) {
	dialer := &net.Dialer{}
	addr := net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &DialError{Err: err}
	}

	if t.TLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: t.Host})
		if deadline, ok := ctx.Deadline(); ok {
			_ = tlsConn.SetDeadline(deadline)
		}
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, &TLSError{Err: err}
		}
		_ = tlsConn.SetDeadline(time.Time{})
		conn = tlsConn
	}

	return conn, nil
}

// Dial opens a raw TCP (optionally TLS) connection to t with no CONNECT
// handshake. HTTP forward mode uses this: the rewritten absolute-form
// request is the first thing the upstream sees, per spec.md §4.4.
func Dial(ctx context.Context, t Target) (net.Conn, error) {
	return dial(ctx, t)
}

// DialAndConnect opens a TCP (optionally TLS) connection to t and performs
// the CONNECT handshake for target ("host:port"), gating success on a 2xx
// status line. The returned conn has any bytes the response reader
// buffered past the status/header block preserved for the relay — spec.md
// §4.6 step 4.
func DialAndConnect(ctx context.Context, t Target, target string) (net.Conn, error) {
	conn, err := dial(ctx, t)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeConnect(conn, t, target); err != nil {
		conn.Close()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrHandshakeTimeout
		}
		return nil, &DialError{Err: err}
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ErrHandshakeTimeout
		}
		return nil, ErrHandshakeMalformed
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		conn.Close()
		reason := http.StatusText(resp.StatusCode)
		if reason == "" {
			reason = resp.Status
		}
		return nil, &HandshakeStatusError{Code: resp.StatusCode, Status: reason}
	}

	_ = conn.SetDeadline(time.Time{})

	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

func writeConnect(w net.Conn, t Target, target string) error {
	req := "CONNECT " + target + " HTTP/1.1\r\n" +
		"Host: " + target + "\r\n" +
		"Proxy-Connection: keep-alive\r\n"
	if t.AuthHeader != "" {
		req += "Proxy-Authorization: " + t.AuthHeader + "\r\n"
	}
	req += "\r\n"
	_, err := w.Write([]byte(req))
	return err
}

// bufferedConn wraps a net.Conn and prepends any already-buffered bytes to
// the read stream. Grounded verbatim on the teacher's
// internal/upstream/dialer.go:bufferedConn.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
