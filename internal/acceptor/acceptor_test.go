package acceptor

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestListener_AcceptsAndDispatches(t *testing.T) {
	connCh := make(chan net.Conn, 1)
	l := New(Config{
		Name:    "test",
		Addr:    "127.0.0.1:0",
		Handler: func(c net.Conn) { connCh <- c },
	}, zerolog.Nop())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Start() }()

	// Start binds asynchronously; poll until the listener address is live.
	var addr string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if l.ln != nil {
			addr = l.ln.Addr().String()
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("listener never bound")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	select {
	case c := <-connCh:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked for accepted connection")
	}

	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	<-errCh
}

func TestListener_StopUnblocksStart(t *testing.T) {
	l := New(Config{
		Name:    "test",
		Addr:    "127.0.0.1:0",
		Handler: func(c net.Conn) { c.Close() },
	}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		l.Start()
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && l.ln == nil {
		time.Sleep(5 * time.Millisecond)
	}
	if l.ln == nil {
		t.Fatal("listener never bound")
	}

	l.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop closed the listener")
	}
}
