package socks

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/drsoft-oss/tunnelgate/internal/accesslog"
	"github.com/drsoft-oss/tunnelgate/internal/upstream"
)

type recordingSink struct {
	events []accesslog.Event
}

func (s *recordingSink) Emit(e accesslog.Event) { s.events = append(s.events, e) }

func newTestHandler(t *testing.T, upTarget upstream.Target, requireAuth bool, expected string) (*Handler, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	h := New(Config{
		RequireClientAuth:  requireAuth,
		ClientAuthExpected: expected,
		UpstreamTarget:     upTarget,
		ConnectTimeout:     2 * time.Second,
		ReadTimeout:        2 * time.Second,
		BufferSize:         4096,
	}, sink, upstream.NewState(), zerolog.Nop())
	return h, sink
}

func fakeConnectEchoUpstream(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		br := bufio.NewReader(conn)
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		_ = line
		for {
			l, err := br.ReadString('\n')
			if err != nil || l == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		buf := make([]byte, 16)
		n, err := conn.Read(buf)
		if err == nil {
			conn.Write(buf[:n])
		}
	}()
	return ln
}

func upTargetFor(t *testing.T, ln net.Listener) upstream.Target {
	t.Helper()
	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	p := 0
	for _, c := range port {
		p = p*10 + int(c-'0')
	}
	return upstream.Target{Host: host, Port: p}
}

func TestSOCKS4_ConnectHappyPath(t *testing.T) {
	ln := fakeConnectEchoUpstream(t)
	defer ln.Close()

	h, sink := newTestHandler(t, upTargetFor(t, ln), false, "")

	client, server := net.Pipe()
	go h.HandleConn(server)

	req := []byte{0x04, 0x01, 0x01, 0xBB, 93, 184, 216, 34, 0x00} // CONNECT example.com (93.184.216.34):443
	client.Write(req)

	reply := make([]byte, 8)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readAll(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[0] != 0x00 || reply[1] != socks4ReplyGranted {
		t.Fatalf("expected granted reply, got %v", reply)
	}

	client.Write([]byte("hi"))
	buf := make([]byte, 2)
	if _, err := readAll(client, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hi" {
		t.Errorf("got %q", buf)
	}

	client.Close()
	time.Sleep(50 * time.Millisecond)
	if len(sink.events) != 1 || sink.events[0].Action != accesslog.ActionTunnel {
		t.Fatalf("expected one tunnel event, got %+v", sink.events)
	}
}

func TestSOCKS4a_DomainVariant(t *testing.T) {
	ln := fakeConnectEchoUpstream(t)
	defer ln.Close()

	h, _ := newTestHandler(t, upTargetFor(t, ln), false, "")

	client, server := net.Pipe()
	go h.HandleConn(server)

	req := []byte{0x04, 0x01, 0x01, 0xBB, 0x00, 0x00, 0x00, 0x01, 0x00}
	req = append(req, []byte("example.com")...)
	req = append(req, 0x00)
	client.Write(req)

	reply := make([]byte, 8)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readAll(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != socks4ReplyGranted {
		t.Fatalf("expected granted reply for socks4a, got %v", reply)
	}
}

func TestSOCKS4_RejectsNonConnectCommand(t *testing.T) {
	ln := fakeConnectEchoUpstream(t)
	defer ln.Close()

	h, _ := newTestHandler(t, upTargetFor(t, ln), false, "")

	client, server := net.Pipe()
	go h.HandleConn(server)

	req := []byte{0x04, 0x02, 0x01, 0xBB, 93, 184, 216, 34, 0x00} // CD=2 (BIND), unsupported
	client.Write(req)

	reply := make([]byte, 8)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readAll(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != socks4ReplyRejected {
		t.Fatalf("expected rejected reply for BIND, got %v", reply)
	}
}

func readAll(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
