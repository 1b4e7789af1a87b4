// Package accesslog implements the AccessLog sink the core emits one event
// into per completed Tunnel. The queue/drain shape is the teacher's
// rotator.go rotation loop repurposed: a bounded channel, a single consumer
// goroutine, and a Start/Stop lifecycle backed by a sync.WaitGroup.
package accesslog

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Action classifies how a Tunnel ended, per spec.md §3's AccessEvent.
type Action string

const (
	ActionTunnel Action = "TCP_TUNNEL"
	ActionMiss   Action = "TCP_MISS"
	ActionDenied Action = "TCP_DENIED"
)

// Event is a single AccessEvent as described in spec.md §3.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	ClientAddr  string    `json:"client_addr"`
	Action      Action    `json:"action"`
	StatusCode  int       `json:"status_code"`
	Bytes       uint64    `json:"bytes"`
	Method      string    `json:"method,omitempty"`
	Target      string    `json:"target,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	ContentType string    `json:"content_type,omitempty"`
}

// Sink is the interface the core depends on. Emit must never block the
// caller for more than a channel send.
type Sink interface {
	Emit(Event)
}

const defaultCapacity = 1024

// AsyncSink queues events on a bounded channel and drains them on a single
// goroutine, writing JSON lines to a file and/or the console. Overflow
// drops the event and logs a warning, per spec.md §5.
type AsyncSink struct {
	logger zerolog.Logger

	ch       chan Event
	stop     chan struct{}
	wg       sync.WaitGroup
	dropped  atomic.Int64
	emitted  atomic.Int64

	file        *os.File
	toConsole   bool
}

// Config selects where events are written.
type Config struct {
	FilePath     string
	ToConsole    bool
	QueueCapacity int
}

// New constructs an AsyncSink. Call Start to begin draining events; Stop to
// flush and close.
func New(cfg Config, logger zerolog.Logger) (*AsyncSink, error) {
	cap := cfg.QueueCapacity
	if cap <= 0 {
		cap = defaultCapacity
	}

	s := &AsyncSink{
		logger:    logger.With().Str("component", "accesslog").Logger(),
		ch:        make(chan Event, cap),
		stop:      make(chan struct{}),
		toConsole: cfg.ToConsole,
	}

	if cfg.FilePath != "" {
		f, err := os.OpenFile(cfg.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		s.file = f
	}
	return s, nil
}

// Start launches the draining goroutine.
func (s *AsyncSink) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop drains remaining queued events (best effort) and closes the file.
func (s *AsyncSink) Stop() {
	close(s.stop)
	s.wg.Wait()
	if s.file != nil {
		_ = s.file.Close()
	}
}

// Emit queues an event, non-blocking. On a full queue the event is dropped
// and a warning is logged with a running dropped-event counter.
func (s *AsyncSink) Emit(e Event) {
	select {
	case s.ch <- e:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn().Int64("dropped_total", n).Msg("access log queue full, dropping event")
	}
}

// Emitted returns the number of events the drain loop has taken off the
// queue so far. It is counted before marshalling and writing, so events
// whose write failed, or that had no file or console to go to, are included.
func (s *AsyncSink) Emitted() int64 { return s.emitted.Load() }

// Dropped returns the number of events dropped due to a full queue.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

func (s *AsyncSink) loop() {
	defer s.wg.Done()
	for {
		select {
		case e := <-s.ch:
			s.write(e)
		case <-s.stop:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case e := <-s.ch:
					s.write(e)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) write(e Event) {
	s.emitted.Add(1)
	b, err := json.Marshal(e)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal access event")
		return
	}
	b = append(b, '\n')

	if s.file != nil {
		if _, err := s.file.Write(b); err != nil {
			s.logger.Error().Err(err).Msg("write access event to file")
		}
	}
	if s.toConsole {
		s.logger.Info().
			Str("client_addr", e.ClientAddr).
			Str("action", string(e.Action)).
			Int("status", e.StatusCode).
			Uint64("bytes", e.Bytes).
			Str("target", e.Target).
			Int64("duration_ms", e.DurationMs).
			Msg("access")
	}
}
