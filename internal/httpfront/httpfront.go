// Package httpfront implements the HTTP Front-End (spec.md §4.2), HTTP
// CONNECT tunnelling (§4.3), and HTTP forward (§4.4) handlers for the
// client-facing HTTP proxy listener.
//
// Grounded on the teacher's internal/server/server.go: handleConn,
// handleCONNECT, handleHTTP, checkAuth, and writeError are all
// recognizable here, generalized from "pick a proxy from the rotator" to
// "the one configured upstream" and from http.ReadRequest (no header byte
// cap) to an explicit byte-capped header-buffer parse per spec.md §4.2.
package httpfront

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/rs/zerolog"

	"github.com/drsoft-oss/tunnelgate/internal/accesslog"
	"github.com/drsoft-oss/tunnelgate/internal/relay"
	"github.com/drsoft-oss/tunnelgate/internal/tunnel"
	"github.com/drsoft-oss/tunnelgate/internal/upstream"
)

// Header is one parsed "name:value" pair, preserving insertion order while
// allowing case-insensitive lookup — spec.md §3's RequestHead entity.
type Header struct {
	Name  string
	Value string
}

// RequestHead is the parsed start line + headers of one inbound HTTP
// request.
type RequestHead struct {
	StartLine string
	Method    string
	Target    string
	Headers   []Header
}

// Get returns the first header value matching name, case-insensitively.
func (h RequestHead) Get(name string) (string, bool) {
	for _, kv := range h.Headers {
		if strings.EqualFold(kv.Name, name) {
			return kv.Value, true
		}
	}
	return "", false
}

// Config carries the subset of config.Config the front-end needs.
type Config struct {
	RequireClientAuth  bool
	ClientAuthExpected string
	ServerName         string

	UpstreamTarget upstream.Target

	ConnectTimeout      time.Duration
	ReadTimeout         time.Duration
	IdleTimeout         time.Duration
	BufferSize          int
	HeaderMaxBytes      int
	HTTPMaxInitialBytes int

	PACEnabled bool
	PACPath    string
	PACDoc     []byte
}

// Handler serves the client-facing HTTP proxy listener.
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
		logger:    logger.With().Str("component", "httpfront").Logger(),
	}
}

// HandleConn processes one accepted TCP connection on the HTTP port,
// spec.md §4.2's algorithm.
func (h *Handler) HandleConn(conn net.Conn) {
	defer conn.Close()

	now := time.Now()
	clientAddr := conn.RemoteAddr().String()

	if h.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}

	raw, leftover, err := readHeaderBlock(conn, h.cfg.HeaderMaxBytes)
	if err != nil {
		h.writeStatus(conn, 400, "Bad Request", nil)
		h.emit(clientAddr, now, accesslog.ActionDenied, 400, "", "")
		return
	}
	if len(leftover) > 0 {
		conn = &prefixedConn{Conn: conn, prefix: leftover}
	}

	head, err := parseRequestHead(raw)
	if err != nil {
		h.writeStatus(conn, 400, "Bad Request", nil)
		h.emit(clientAddr, now, accesslog.ActionDenied, 400, "", "")
		return
	}

	// PAC route — no auth required.
	if h.cfg.PACEnabled && head.Method == "GET" && head.Target == h.cfg.PACPath {
		h.writePAC(conn)
		h.emit(clientAddr, now, accesslog.ActionMiss, 200, head.Method, head.Target)
		return
	}

	if h.cfg.RequireClientAuth {
		got, _ := head.Get("Proxy-Authorization")
		if got != h.cfg.ClientAuthExpected {
			h.writeStatus(conn, 407, "Proxy Authentication Required", map[string]string{
				"Proxy-Authenticate": fmt.Sprintf(`Basic realm="%s"`, h.cfg.ServerName),
			})
			h.emit(clientAddr, now, accesslog.ActionDenied, 407, head.Method, head.Target)
			return
		}
	}

	if head.Method == "CONNECT" {
		h.handleConnect(conn, head, clientAddr, now)
		return
	}
	h.handleForward(conn, raw, head, clientAddr, now)
}

// handleConnect implements spec.md §4.3.
func (h *Handler) handleConnect(conn net.Conn, head RequestHead, clientAddr string, start time.Time) {
	host, port, err := splitHostPortDefault(head.Target, 443)
	if err != nil {
		h.writeStatus(conn, 400, "Bad Request", nil)
		h.emit(clientAddr, start, accesslog.ActionDenied, 400, head.Method, head.Target)
		return
	}

	t := tunnel.New(tunnel.ProtoHTTPConnect, clientAddr, start)
	t.TargetHost, t.TargetPort = host, port
	t.Phase = tunnel.PhaseUpstreamHandshake

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ConnectTimeout)
	defer cancel()

	upConn, err := upstream.DialAndConnect(ctx, h.cfg.UpstreamTarget, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		status, reason := classifyUpstreamError(err)
		h.upState.RecordConnError()
		h.logger.Warn().Err(err).Str("target", head.Target).Msg("CONNECT upstream handshake failed")
		h.writeStatus(conn, status, reason, map[string]string{"Connection": "close"})
		h.emit(clientAddr, start, accesslog.ActionDenied, status, head.Method, head.Target)
		return
	}
	defer upConn.Close()

	h.upState.RecordTunnelOpened()
	t.Phase = tunnel.PhaseRelay

	if _, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\nProxy-Connection: keep-alive\r\n\r\n")); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
	result := relay.Run(conn, upConn, h.cfg.BufferSize, h.cfg.IdleTimeout)
	t.BytesClientToUpstream = result.BytesAToB
	t.BytesUpstreamToClient = result.BytesBToA
	t.Phase = tunnel.PhaseClosed

	h.accessLog.Emit(t.AccessEvent(time.Now(), accesslog.ActionTunnel, 200))
}

// handleForward implements spec.md §4.4.
func (h *Handler) handleForward(conn net.Conn, raw []byte, head RequestHead, clientAddr string, start time.Time) {
	host := hostFromTarget(head)
	hostPort, port, err := splitHostPortDefault(host, 80)
	if err != nil {
		h.writeStatus(conn, 400, "Bad Request", nil)
		h.emit(clientAddr, start, accesslog.ActionDenied, 400, head.Method, head.Target)
		return
	}

	t := tunnel.New(tunnel.ProtoHTTPForward, clientAddr, start)
	t.TargetHost, t.TargetPort = hostPort, port
	t.Method = head.Method
	t.Phase = tunnel.PhaseUpstreamHandshake

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ConnectTimeout)
	defer cancel()

	// Forward mode never CONNECTs to the upstream: the rewritten
	// absolute-form request below must be the first thing it receives.
	upConn, err := upstream.Dial(ctx, h.cfg.UpstreamTarget)
	if err != nil {
		status, reason := classifyUpstreamError(err)
		h.upState.RecordConnError()
		h.logger.Warn().Err(err).Str("target", head.Target).Msg("forward upstream handshake failed")
		h.writeStatus(conn, status, reason, map[string]string{"Connection": "close"})
		h.emit(clientAddr, start, accesslog.ActionDenied, status, head.Method, head.Target)
		return
	}
	defer upConn.Close()

	h.upState.RecordTunnelOpened()
	t.Phase = tunnel.PhaseRelay

	rewritten := rewriteRequest(raw, head, h.cfg.UpstreamTarget.AuthHeader)
	if _, err := upConn.Write(rewritten); err != nil {
		h.emit(clientAddr, start, accesslog.ActionDenied, 502, head.Method, head.Target)
		return
	}

	_ = conn.SetReadDeadline(time.Time{})
	result := relay.Run(conn, upConn, h.cfg.BufferSize, h.cfg.IdleTimeout)
	t.BytesClientToUpstream = result.BytesAToB
	t.BytesUpstreamToClient = result.BytesBToA
	t.Phase = tunnel.PhaseClosed

	h.accessLog.Emit(t.AccessEvent(time.Now(), accesslog.ActionMiss, 200))
}

func (h *Handler) emit(clientAddr string, start time.Time, action accesslog.Action, status int, method, target string) {
	h.accessLog.Emit(accesslog.Event{
		Timestamp:  time.Now(),
		ClientAddr: clientAddr,
		Action:     action,
		StatusCode: status,
		Method:     method,
		Target:     target,
		DurationMs: time.Since(start).Milliseconds(),
	})
}

// classifyUpstreamError maps a typed upstream error onto an HTTP status and
// reason phrase, per spec.md §4.3/§7.
func classifyUpstreamError(err error) (int, string) {
	if hs, ok := err.(*upstream.HandshakeStatusError); ok {
		return hs.Code, hs.Status
	}
	return 502, "Bad Gateway"
}

func (h *Handler) writeStatus(conn net.Conn, code int, reason string, extraHeaders map[string]string) {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", code, reason)
	for k, v := range extraHeaders {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	b.WriteString("Content-Length: 0\r\n\r\n")
	_, _ = conn.Write([]byte(b.String()))
}

func (h *Handler) writePAC(conn net.Conn) {
	doc := h.cfg.PACDoc
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(&b, "Content-Type: application/x-ns-proxy-autoconfig; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n\r\n", len(doc))
	_, _ = conn.Write([]byte(b.String()))
	_, _ = conn.Write(doc)
}

// readHeaderBlock reads from conn until "\r\n\r\n" is seen or limit bytes
// have been consumed without finding the terminator. A head (terminator
// included) longer than limit is rejected. Any bytes read past
// the terminator (the start of a request body already on the wire) are
// returned as leftover so the caller can replay them ahead of the relay.
func readHeaderBlock(conn net.Conn, limit int) (head []byte, leftover []byte, err error) {
	if limit <= 0 {
		limit = 16 * 1024
	}
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, rerr := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx >= 0 {
				if idx+4 > limit {
					return nil, nil, fmt.Errorf("header exceeds %d bytes", limit)
				}
				return buf[:idx+4], buf[idx+4:], nil
			}
			if len(buf) > limit {
				return nil, nil, fmt.Errorf("header exceeds %d bytes", limit)
			}
		}
		if rerr != nil {
			return nil, nil, rerr
		}
	}
}

// prefixedConn replays buffered bytes ahead of the underlying conn's read
// stream — the client-side counterpart to upstream's bufferedConn, used
// when a POST body's first bytes arrive in the same read as the headers.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(b []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(b, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(b)
}

// parseRequestHead parses the start line and headers out of a raw header
// block, per spec.md §4.2 step 2. Header parsing is ISO-8859-1-clean:
// bytes are never interpreted as anything but one-byte characters.
func parseRequestHead(raw []byte) (RequestHead, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	startLine, err := readLine(reader)
	if err != nil {
		return RequestHead{}, err
	}
	parts := strings.SplitN(startLine, " ", 3)
	if len(parts) != 3 {
		return RequestHead{}, fmt.Errorf("malformed start line")
	}

	head := RequestHead{
		StartLine: startLine,
		Method:    strings.ToUpper(parts[0]),
		Target:    parts[1],
	}

	for {
		line, err := readLine(reader)
		if err != nil || line == "" {
			break
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue // malformed line without ':' is ignored, per spec.md §4.2 step 2
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		head.Headers = append(head.Headers, Header{Name: name, Value: value})
	}
	return head, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func hostFromTarget(head RequestHead) string {
	target := head.Target
	if strings.Contains(target, "://") {
		// Absolute-form target, e.g. "http://example.com/path" — take the
		// authority component.
		rest := target[strings.Index(target, "://")+3:]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		return rest
	}
	if h, ok := head.Get("Host"); ok {
		return h
	}
	return target
}

func splitHostPortDefault(hostport string, defaultPort int) (string, int, error) {
	if hostport == "" {
		return "", 0, fmt.Errorf("empty host")
	}
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort, nil
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", p)
	}
	return h, port, nil
}

// rewriteRequest applies spec.md §4.4's rewrite rules: drop inbound
// Proxy-Authorization, inject upstream auth, append Proxy-Connection,
// preserve everything else (including Host) in original order.
func rewriteRequest(raw []byte, head RequestHead, upstreamAuth string) []byte {
	var b bytes.Buffer
	b.WriteString(head.StartLine)
	b.WriteString("\r\n")
	for _, kv := range head.Headers {
		if strings.EqualFold(kv.Name, "Proxy-Authorization") {
			continue
		}
		b.WriteString(kv.Name)
		b.WriteString(": ")
		b.WriteString(kv.Value)
		b.WriteString("\r\n")
	}
	if upstreamAuth != "" {
		b.WriteString("Proxy-Authorization: ")
		b.WriteString(upstreamAuth)
		b.WriteString("\r\n")
	}
	b.WriteString("Proxy-Connection: keep-alive\r\n")
	b.WriteString("\r\n")
	return b.Bytes()
}
