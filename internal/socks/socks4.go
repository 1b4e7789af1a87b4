package socks

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/drsoft-oss/tunnelgate/internal/accesslog"
	"github.com/drsoft-oss/tunnelgate/internal/tunnel"
	"github.com/drsoft-oss/tunnelgate/internal/upstream"
)

const (
	socks4CmdConnect = 0x01

	socks4ReplyGranted       = 0x5A
	socks4ReplyRejected      = 0x5B
)

// handleSOCKS4 implements the SOCKS4/4a CONNECT request (spec.md §4.5):
//
//	VN(1)=4 CD(1) DSTPORT(2) DSTIP(4) USERID(var)NUL [DOMAIN(var)NUL]
//
// DSTIP of 0.0.0.1-through-0.0.0.255 (high three octets zero, low octet
// non-zero) signals SOCKS4a: the real hostname follows USERID as a second
// NUL-terminated string instead of a literal address.
func (h *Handler) handleSOCKS4(conn net.Conn) {
	start := time.Now()
	clientAddr := conn.RemoteAddr().String()
	r := bufio.NewReader(conn)

	head := make([]byte, 8)
	if _, err := readFull(r, head); err != nil {
		return
	}
	cd := head[1]
	port := binary.BigEndian.Uint16(head[2:4])
	ip := net.IPv4(head[4], head[5], head[6], head[7])
	isSocks4a := head[4] == 0 && head[5] == 0 && head[6] == 0 && head[7] != 0

	if _, err := readNulTerminated(r, 255); err != nil { // USERID, discarded
		return
	}

	host := ip.String()
	if isSocks4a {
		domain, err := readNulTerminated(r, 255)
		if err != nil {
			writeSocks4Reply(conn, socks4ReplyRejected, 0, 0)
			return
		}
		host = domain
	}

	if cd != socks4CmdConnect {
		writeSocks4Reply(conn, socks4ReplyRejected, 0, 0)
		return
	}

	t := tunnel.New(tunnel.ProtoSOCKS4, clientAddr, start)
	t.TargetHost = host
	t.TargetPort = int(port)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ConnectTimeout)
	defer cancel()

	upConn, err := upstream.DialAndConnect(ctx, h.cfg.UpstreamTarget, net.JoinHostPort(host, itoa(int(port))))
	if err != nil {
		h.upState.RecordConnError()
		writeSocks4Reply(conn, socks4ReplyRejected, 0, 0)
		h.emit(t.AccessEvent(time.Now(), accesslog.ActionDenied, 502))
		return
	}
	defer upConn.Close()
	h.upState.RecordTunnelOpened()

	writeSocks4Reply(conn, socks4ReplyGranted, 0, 0)

	res := relayPair(conn, upConn, h.cfg.BufferSize, h.cfg.IdleTimeout)
	t.BytesClientToUpstream = res.BytesAToB
	t.BytesUpstreamToClient = res.BytesBToA
	h.emit(t.AccessEvent(time.Now(), accesslog.ActionTunnel, 200))
}

func (h *Handler) emit(ev accesslog.Event) {
	if h.accessLog != nil {
		h.accessLog.Emit(ev)
	}
}

func writeSocks4Reply(conn net.Conn, cd byte, port uint16, ip uint32) {
	buf := make([]byte, 8)
	buf[0] = 0x00
	buf[1] = cd
	binary.BigEndian.PutUint16(buf[2:4], port)
	binary.BigEndian.PutUint32(buf[4:8], ip)
	_, _ = conn.Write(buf)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// readNulTerminated reads bytes up to and including a NUL byte, returning
// the string without the terminator. Bounded by max to reject runaway
// clients per spec.md's boundary cases.
func readNulTerminated(r *bufio.Reader, max int) (string, error) {
	var buf []byte
	for len(buf) <= max {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
	return "", errTooLong
}
