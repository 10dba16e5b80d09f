package naming

import (
	"context"
	"sync"
	"time"

	"github.com/meridian-io/meridian/pkg/healthcheck"
	"github.com/meridian-io/meridian/pkg/log"
	"github.com/meridian-io/meridian/pkg/types"
)

// Prober periodically runs pkg/healthcheck active probes against
// every durable instance that declares a non-"none" HealthCheckType,
// applying consecutive-failure/success hysteresis via a
// healthcheck.Status per instance before flipping Engine.SetHealthy —
// this is the active counterpart to the ephemeral heartbeat timeout
// path, which instead relies on a client calling in.
type Prober struct {
	engine   *Engine
	interval time.Duration
	config   healthcheck.Config
	tcp      *healthcheck.TCPChecker
	http     *healthcheck.HTTPChecker

	mu     sync.Mutex
	status map[types.InstanceKey]*healthcheck.Status

	stop chan struct{}
	done chan struct{}
}

// NewProber builds a Prober over engine. interval is the polling
// period between full sweeps of durable instances and is recorded as
// healthcheck.Config's Interval. The per-probe timeout and the retry
// hysteresis (3 consecutive failures before a transition to unhealthy)
// come from healthcheck.DefaultConfig and do not depend on interval.
func NewProber(engine *Engine, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	cfg := healthcheck.DefaultConfig()
	cfg.Interval = interval
	return &Prober{
		engine:   engine,
		interval: interval,
		config:   cfg,
		tcp:      healthcheck.NewTCPChecker(5 * time.Second),
		http:     healthcheck.NewHTTPChecker("/", 5*time.Second),
		status:   make(map[types.InstanceKey]*healthcheck.Status),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the probe loop in a background goroutine.
func (p *Prober) Start() {
	go p.run()
}

// Stop halts the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Prober) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Prober) sweep() {
	live := make(map[types.InstanceKey]struct{})

	for _, inst := range p.engine.DurableInstances() {
		inst := inst
		checker := p.checkerFor(&inst)
		if checker == nil {
			log.Logger.Warn().Str("service", inst.Key.Service.Name).Str("type", string(inst.HealthCheckType)).
				Msg("skipping active health check: unsupported check type")
			continue
		}
		live[inst.Key] = struct{}{}

		ctx, cancel := context.WithTimeout(context.Background(), p.config.Timeout)
		result := checker.Check(ctx, &inst)
		cancel()

		st := p.statusFor(inst.Key)
		if st.InStartPeriod(p.config) {
			continue
		}
		st.Update(result, p.config)
		p.engine.SetHealthy(inst.Key, st.Healthy)
	}

	p.forgetStale(live)
}

func (p *Prober) checkerFor(inst *types.Instance) healthcheck.Checker {
	switch inst.HealthCheckType {
	case "tcp":
		return p.tcp
	case "http":
		return p.http
	default:
		return nil
	}
}

func (p *Prober) statusFor(key types.InstanceKey) *healthcheck.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.status[key]
	if !ok {
		st = healthcheck.NewStatus()
		p.status[key] = st
	}
	return st
}

// forgetStale drops hysteresis state for instances no longer present,
// so a deregistered-then-re-registered instance starts its start
// period and failure count fresh rather than inheriting history from
// an unrelated prior occupant of the same address.
func (p *Prober) forgetStale(live map[types.InstanceKey]struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key := range p.status {
		if _, ok := live[key]; !ok {
			delete(p.status, key)
		}
	}
}
