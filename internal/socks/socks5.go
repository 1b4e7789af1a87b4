package socks

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/idna"

	"github.com/drsoft-oss/tunnelgate/internal/accesslog"
	"github.com/drsoft-oss/tunnelgate/internal/tunnel"
	"github.com/drsoft-oss/tunnelgate/internal/upstream"
)

const (
	socks5Version = 0x05

	socks5MethodNoAuth       = 0x00
	socks5MethodUserPass     = 0x02
	socks5MethodNoAcceptable = 0xFF

	socks5CmdConnect = 0x01

	socks5ATYPIPv4   = 0x01
	socks5ATYPDomain = 0x03
	socks5ATYPIPv6   = 0x04

	socks5RepSuccess        = 0x00
	socks5RepGeneralFailure = 0x01
	socks5RepNotAllowed     = 0x02
	socks5RepHostUnreach    = 0x04
	socks5RepConnRefused    = 0x05
	socks5RepCmdNotSupp     = 0x07
	socks5RepATYPNotSupp    = 0x08
)

// handleSOCKS5 implements RFC 1928 method negotiation (with the RFC 1929
// username/password sub-negotiation when client auth is required) followed
// by a CONNECT request, translated into the shared upstream bridge.
//
// Grounded on other_examples' hackclub-arker SOCKS5 handler for the
// negotiate→request→relay control flow; the auth gate and upstream
// translation are this repo's own, since the teacher has no per-client
// auth and no SOCKS framing at all.
func (h *Handler) handleSOCKS5(conn net.Conn) {
	start := time.Now()
	clientAddr := conn.RemoteAddr().String()
	r := bufio.NewReader(conn)

	if !h.negotiateMethod(conn, r) {
		return
	}

	host, port, ok := h.readRequest(conn, r)
	if !ok {
		return
	}

	t := tunnel.New(tunnel.ProtoSOCKS5, clientAddr, start)
	t.TargetHost = host
	t.TargetPort = int(port)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ConnectTimeout)
	defer cancel()

	upConn, err := upstream.DialAndConnect(ctx, h.cfg.UpstreamTarget, net.JoinHostPort(host, itoa(int(port))))
	if err != nil {
		h.upState.RecordConnError()
		writeSocks5Reply(conn, socks5RepGeneralFailure)
		h.emit(t.AccessEvent(time.Now(), accesslog.ActionDenied, 502))
		return
	}
	defer upConn.Close()
	h.upState.RecordTunnelOpened()

	writeSocks5Reply(conn, socks5RepSuccess)

	res := relayPair(conn, upConn, h.cfg.BufferSize, h.cfg.IdleTimeout)
	t.BytesClientToUpstream = res.BytesAToB
	t.BytesUpstreamToClient = res.BytesBToA
	h.emit(t.AccessEvent(time.Now(), accesslog.ActionTunnel, 200))
}

// negotiateMethod reads the client's method list and picks one, performing
// the RFC 1929 username/password sub-negotiation when required-auth is
// configured. Returns false if negotiation failed or the connection should
// be closed.
func (h *Handler) negotiateMethod(conn net.Conn, r *bufio.Reader) bool {
	hdr := make([]byte, 2)
	if _, err := readFull(r, hdr); err != nil || hdr[0] != socks5Version {
		return false
	}
	nmethods := int(hdr[1])
	if nmethods == 0 {
		writeBytes(conn, socks5Version, socks5MethodNoAcceptable)
		return false
	}
	methods := make([]byte, nmethods)
	if _, err := readFull(r, methods); err != nil {
		return false
	}

	if !h.cfg.RequireClientAuth {
		if !containsByte(methods, socks5MethodNoAuth) {
			writeBytes(conn, socks5Version, socks5MethodNoAcceptable)
			return false
		}
		writeBytes(conn, socks5Version, socks5MethodNoAuth)
		return true
	}

	if !containsByte(methods, socks5MethodUserPass) {
		writeBytes(conn, socks5Version, socks5MethodNoAcceptable)
		return false
	}
	writeBytes(conn, socks5Version, socks5MethodUserPass)
	return h.subNegotiateUserPass(conn, r)
}

func (h *Handler) subNegotiateUserPass(conn net.Conn, r *bufio.Reader) bool {
	verULen := make([]byte, 2)
	if _, err := readFull(r, verULen); err != nil {
		return false
	}
	uname := make([]byte, verULen[1])
	if _, err := readFull(r, uname); err != nil {
		return false
	}
	plenBuf := make([]byte, 1)
	if _, err := readFull(r, plenBuf); err != nil {
		return false
	}
	passwd := make([]byte, plenBuf[0])
	if _, err := readFull(r, passwd); err != nil {
		return false
	}

	got := basicFromUserPass(string(uname), string(passwd))
	if got != h.cfg.ClientAuthExpected {
		writeBytes(conn, 0x01, 0x01) // STATUS != 0 : failure
		return false
	}
	writeBytes(conn, 0x01, 0x00)
	return true
}

// readRequest reads the CONNECT request and writes an error reply itself
// on any rejected case, returning ok=false so the caller just returns.
func (h *Handler) readRequest(conn net.Conn, r *bufio.Reader) (host string, port uint16, ok bool) {
	hdr := make([]byte, 4)
	if _, err := readFull(r, hdr); err != nil || hdr[0] != socks5Version {
		return "", 0, false
	}
	cmd, atyp := hdr[1], hdr[3]

	if cmd != socks5CmdConnect {
		writeSocks5Reply(conn, socks5RepCmdNotSupp)
		return "", 0, false
	}

	switch atyp {
	case socks5ATYPIPv4:
		addr := make([]byte, 4)
		if _, err := readFull(r, addr); err != nil {
			return "", 0, false
		}
		host = net.IP(addr).String()
	case socks5ATYPIPv6:
		addr := make([]byte, 16)
		if _, err := readFull(r, addr); err != nil {
			return "", 0, false
		}
		host = net.IP(addr).String()
	case socks5ATYPDomain:
		lenBuf := make([]byte, 1)
		if _, err := readFull(r, lenBuf); err != nil {
			return "", 0, false
		}
		domain := make([]byte, lenBuf[0])
		if _, err := readFull(r, domain); err != nil {
			return "", 0, false
		}
		normalized, err := idna.Lookup.ToASCII(string(domain))
		if err != nil {
			host = string(domain)
		} else {
			host = normalized
		}
	default:
		writeSocks5Reply(conn, socks5RepATYPNotSupp)
		return "", 0, false
	}

	portBuf := make([]byte, 2)
	if _, err := readFull(r, portBuf); err != nil {
		return "", 0, false
	}
	port = binary.BigEndian.Uint16(portBuf)
	return host, port, true
}

// writeSocks5Reply writes a reply with BND.ADDR 0.0.0.0 and BND.PORT 0 —
// this front-end never actually binds a listening port, so per spec.md's
// Open Question decision the bound address is always reported as zero.
func writeSocks5Reply(conn net.Conn, rep byte) {
	buf := []byte{socks5Version, rep, 0x00, socks5ATYPIPv4, 0, 0, 0, 0, 0, 0}
	_, _ = conn.Write(buf)
}

func writeBytes(conn net.Conn, bs ...byte) {
	_, _ = conn.Write(bs)
}

func containsByte(bs []byte, target byte) bool {
	for _, b := range bs {
		if b == target {
			return true
		}
	}
	return false
}

func basicFromUserPass(user, pass string) string {
	return fmt.Sprintf("Basic %s", basicEncode(user, pass))
}
