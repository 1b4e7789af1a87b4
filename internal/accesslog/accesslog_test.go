package accesslog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestAsyncSink_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	sink, err := New(Config{FilePath: path}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sink.Start()

	sink.Emit(Event{ClientAddr: "127.0.0.1:1234", Action: ActionTunnel, StatusCode: 200, Target: "example.com:443"})

	waitUntil(t, time.Second, func() bool { return sink.Emitted() == 1 })
	sink.Stop()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected one line written")
	}
	var got Event
	if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Target != "example.com:443" || got.Action != ActionTunnel {
		t.Errorf("unexpected event: %+v", got)
	}
}

func TestAsyncSink_DropsOnFullQueue(t *testing.T) {
	sink, err := New(Config{QueueCapacity: 1}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// No Start — nothing drains the channel, so the second Emit overflows.
	sink.Emit(Event{Action: ActionMiss})
	sink.Emit(Event{Action: ActionMiss})

	if sink.Dropped() != 1 {
		t.Errorf("expected 1 dropped event, got %d", sink.Dropped())
	}
}

func TestAsyncSink_StopDrainsQueue(t *testing.T) {
	sink, err := New(Config{QueueCapacity: 8}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		sink.Emit(Event{Action: ActionMiss})
	}
	sink.Start()
	sink.Stop()

	if sink.Emitted() != 5 {
		t.Errorf("expected all 5 events drained, got %d", sink.Emitted())
	}
}
