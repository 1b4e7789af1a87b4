package socks

import (
	"net"
	"testing"
	"time"

	"github.com/drsoft-oss/tunnelgate/internal/accesslog"
	"github.com/drsoft-oss/tunnelgate/internal/upstream"
)

func TestSOCKS5_NoAuthConnectHappyPath(t *testing.T) {
	ln := fakeConnectEchoUpstream(t)
	defer ln.Close()

	h, sink := newTestHandler(t, upTargetFor(t, ln), false, "")

	client, server := net.Pipe()
	go h.HandleConn(server)

	// Method negotiation: VER=5 NMETHODS=1 METHODS=[no-auth]
	client.Write([]byte{0x05, 0x01, 0x00})

	methodReply := make([]byte, 2)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readAll(client, methodReply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	if methodReply[1] != socks5MethodNoAuth {
		t.Fatalf("expected no-auth selected, got %v", methodReply)
	}

	// CONNECT request: VER CMD RSV ATYP=IPv4 addr port
	req := []byte{0x05, socks5CmdConnect, 0x00, socks5ATYPIPv4, 93, 184, 216, 34, 0x01, 0xBB}
	client.Write(req)

	reply := make([]byte, 10)
	if _, err := readAll(client, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != socks5RepSuccess {
		t.Fatalf("expected success reply, got %v", reply)
	}

	client.Write([]byte("yo"))
	buf := make([]byte, 2)
	if _, err := readAll(client, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "yo" {
		t.Errorf("got %q", buf)
	}

	client.Close()
	time.Sleep(50 * time.Millisecond)
	if len(sink.events) != 1 {
		t.Fatalf("expected one access event, got %d", len(sink.events))
	}
}

func TestSOCKS5_DomainATYPNormalized(t *testing.T) {
	ln := fakeConnectEchoUpstream(t)
	defer ln.Close()

	h, _ := newTestHandler(t, upTargetFor(t, ln), false, "")

	client, server := net.Pipe()
	go h.HandleConn(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	methodReply := make([]byte, 2)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	readAll(client, methodReply)

	domain := "example.com"
	req := []byte{0x05, socks5CmdConnect, 0x00, socks5ATYPDomain, byte(len(domain))}
	req = append(req, []byte(domain)...)
	req = append(req, 0x01, 0xBB)
	client.Write(req)

	reply := make([]byte, 10)
	if _, err := readAll(client, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != socks5RepSuccess {
		t.Fatalf("expected success reply for domain ATYP, got %v", reply)
	}
}

func TestSOCKS5_NoAcceptableMethodsCloses(t *testing.T) {
	h, _ := newTestHandler(t, emptyUpstreamTarget(), false, "")

	client, server := net.Pipe()
	go h.HandleConn(server)

	// RequireClientAuth is false, client only offers user/pass (0x02) — no match.
	client.Write([]byte{0x05, 0x01, 0x02})

	reply := make([]byte, 2)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readAll(client, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != socks5MethodNoAcceptable {
		t.Fatalf("expected no-acceptable-methods reply, got %v", reply)
	}
}

func TestSOCKS5_BadUserPassAuthRejected(t *testing.T) {
	h, sink := newTestHandler(t, emptyUpstreamTarget(), true, "Basic dXNlcjpwYXNz")

	client, server := net.Pipe()
	go h.HandleConn(server)

	client.Write([]byte{0x05, 0x01, 0x02}) // offer user/pass only

	methodReply := make([]byte, 2)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readAll(client, methodReply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}
	if methodReply[1] != socks5MethodUserPass {
		t.Fatalf("expected user/pass selected, got %v", methodReply)
	}

	user, pass := "wrong", "creds"
	sub := []byte{0x01, byte(len(user))}
	sub = append(sub, []byte(user)...)
	sub = append(sub, byte(len(pass)))
	sub = append(sub, []byte(pass)...)
	client.Write(sub)

	status := make([]byte, 2)
	if _, err := readAll(client, status); err != nil {
		t.Fatalf("read auth status: %v", err)
	}
	if status[1] == 0x00 {
		t.Fatal("expected sub-negotiation failure status for wrong credentials")
	}

	time.Sleep(50 * time.Millisecond)
	if len(sink.events) != 0 {
		t.Errorf("expected no access event for a connection that never reached CONNECT, got %+v", sink.events)
	}
}

func TestSOCKS5_UpstreamFailureRepliesGeneralFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ln.Close() // refuses connections

	h, sink := newTestHandler(t, upTargetFor(t, ln), false, "")

	client, server := net.Pipe()
	go h.HandleConn(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	methodReply := make([]byte, 2)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readAll(client, methodReply); err != nil {
		t.Fatalf("read method reply: %v", err)
	}

	req := []byte{0x05, socks5CmdConnect, 0x00, socks5ATYPIPv4, 93, 184, 216, 34, 0x01, 0xBB}
	client.Write(req)

	reply := make([]byte, 10)
	if _, err := readAll(client, reply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if reply[1] != socks5RepGeneralFailure {
		t.Fatalf("expected REP=0x01 (general failure) on upstream dial failure, got %v", reply)
	}

	time.Sleep(50 * time.Millisecond)
	if len(sink.events) != 1 || sink.events[0].Action != accesslog.ActionDenied {
		t.Fatalf("expected one ActionDenied event, got %+v", sink.events)
	}
}

func emptyUpstreamTarget() upstream.Target {
	return upstream.Target{}
}
