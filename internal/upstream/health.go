package upstream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HealthProbe periodically attempts a CONNECT handshake through the
// configured upstream and records the result into a State. It never
// influences the dial path — spec.md's data model fixes a single upstream
// with no failover, so this is purely informational (surfaced via the
// admin API).
//
// Grounded on the teacher's internal/monitor/monitor.go ticker loop, with
// the concurrency-limiting semaphore removed: there is exactly one target
// to probe, so there is nothing to bound concurrency over.
type HealthProbe struct {
	target      Target
	checkTarget string // "host:port" CONNECTed to as the liveness probe
	interval    time.Duration
	timeout     time.Duration
	state       *State
	logger      zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHealthProbe constructs a probe. checkTarget defaults to the upstream's
// own host:port when empty — a bare CONNECT handshake with no payload,
// per SPEC_FULL.md §4.9.
func NewHealthProbe(t Target, checkTarget string, interval, timeout time.Duration, state *State, logger zerolog.Logger) *HealthProbe {
	if checkTarget == "" {
		checkTarget = net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))
	}
	return &HealthProbe{
		target:      t,
		checkTarget: checkTarget,
		interval:    interval,
		timeout:     timeout,
		state:       state,
		logger:      logger.With().Str("component", "upstream-health").Logger(),
		stop:        make(chan struct{}),
	}
}

// Start launches the background probe loop.
func (p *HealthProbe) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop shuts the probe loop down.
func (p *HealthProbe) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// RunOnce performs a single probe pass. Safe to call before Start so the
// admin API has a value to report immediately.
func (p *HealthProbe) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	start := time.Now()
	conn, err := DialAndConnect(ctx, p.target, p.checkTarget)
	latency := time.Since(start)

	if err != nil {
		if p.state.IsAlive() {
			p.logger.Warn().Err(err).Msg("upstream probe failed, marking dead")
		}
		p.state.SetAlive(false)
		p.state.SetLatency(0)
		return
	}
	conn.Close()

	if !p.state.IsAlive() {
		p.logger.Info().Dur("latency", latency.Round(time.Millisecond)).Msg("upstream recovered")
	}
	p.state.SetAlive(true)
	p.state.SetLatency(latency)
}

func (p *HealthProbe) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.RunOnce()
		case <-p.stop:
			return
		}
	}
}
