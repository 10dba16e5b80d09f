// Package naming implements the naming engine (C5): service and
// instance registration, heartbeat-driven ephemeral instance lifecycle
// via a bucketed timeout wheel, and subscriber push fan-out.
package naming

import (
	"strconv"
	"time"

	"github.com/meridian-io/meridian/pkg/actorutil"
	"github.com/meridian-io/meridian/pkg/log"
	"github.com/meridian-io/meridian/pkg/metrics"
	"github.com/meridian-io/meridian/pkg/types"
)

const (
	defaultHeartbeatTimeout = 15 * time.Second
	defaultRemoveTimeout    = 30 * time.Second
)

// Notifier is implemented by pkg/push; kept as an interface here so
// naming never imports push directly (push imports naming instead).
type Notifier interface {
	NotifyService(svc types.ServiceKey, cluster string)
}

type serviceState struct {
	service     *types.Service
	instances   map[types.InstanceKey]*types.Instance
	subscribers map[string]struct{}
}

type state struct {
	services map[types.ServiceKey]*serviceState
	wheel    *timeoutWheel
}

// Engine is the naming engine's mailbox actor.
type Engine struct {
	mailbox  *actorutil.Mailbox[*state]
	notifier Notifier
}

// New creates a naming Engine and starts its consumer loop. notifier
// may be nil in tests that don't exercise push fan-out.
func New(notifier Notifier) *Engine {
	st := &state{
		services: make(map[types.ServiceKey]*serviceState),
		wheel:    newTimeoutWheel(time.Now()),
	}
	e := &Engine{mailbox: actorutil.NewMailbox(st, 512), notifier: notifier}
	e.mailbox.OnTick(e.tick)
	e.mailbox.Start()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for now := range ticker.C {
			e.mailbox.Tick(now)
		}
	}()

	return e
}

// Close stops the engine's consumer loop.
func (e *Engine) Close() {
	e.mailbox.Stop()
}

func getOrCreateService(s *state, key types.ServiceKey) *serviceState {
	ss, ok := s.services[key]
	if !ok {
		ss = &serviceState{
			service:     &types.Service{Key: key, ProtectThreshold: 0, Clusters: map[string]*types.Cluster{}},
			instances:   make(map[types.InstanceKey]*types.Instance),
			subscribers: make(map[string]struct{}),
		}
		s.services[key] = ss
	}
	return ss
}

// SetService upserts svc's attributes (protect threshold, metadata,
// clusters), creating the service if it doesn't exist yet and leaving
// its registered instances untouched either way. This is the only path
// that can give a service a non-default ProtectThreshold: it is applied
// through the Raft log via fsm.OpServiceSet, the same as instance
// registration.
func (e *Engine) SetService(svc *types.Service, now time.Time) {
	e.mailbox.Send(func(s *state) {
		ss := getOrCreateService(s, svc.Key)
		ss.service.ProtectThreshold = svc.ProtectThreshold
		ss.service.Metadata = svc.Metadata
		if svc.Clusters != nil {
			ss.service.Clusters = svc.Clusters
		}
		if ss.service.CreatedAt.IsZero() {
			ss.service.CreatedAt = now
		}
	})
}

// RegisterInstance registers or refreshes an instance. For ephemeral
// instances this is also how a heartbeat after the owning node restarts
// is handled: re-registration simply replaces the prior owner's entry,
// matching spec's ownership-transfer semantics.
func (e *Engine) RegisterInstance(inst *types.Instance, now time.Time) {
	e.mailbox.Send(func(s *state) {
		ss := getOrCreateService(s, inst.Key.Service)
		inst.LastBeat = now
		if inst.RegisteredAt.IsZero() {
			inst.RegisteredAt = now
		}
		ss.instances[inst.Key] = inst

		if inst.Ephemeral {
			s.wheel.schedule(InstanceTimeout{Key: inst.Key, Deadline: now.Add(heartbeatTimeout(inst)), Kind: timeoutMarkUnhealthy})
		}
		e.notify(inst.Key.Service, inst.Key.Cluster)
		e.refreshCounts(s)
	})
}

// heartbeatTimeout returns inst's own heartbeat timeout, falling back to
// the engine default when the instance didn't specify one.
func heartbeatTimeout(inst *types.Instance) time.Duration {
	if inst.HeartbeatTimeout > 0 {
		return inst.HeartbeatTimeout
	}
	return defaultHeartbeatTimeout
}

// removeTimeout returns inst's own removal grace period, falling back
// to the engine default when the instance didn't specify one.
func removeTimeout(inst *types.Instance) time.Duration {
	if inst.RemoveTimeout > 0 {
		return inst.RemoveTimeout
	}
	return defaultRemoveTimeout
}

// DeregisterInstance explicitly removes an instance.
func (e *Engine) DeregisterInstance(key types.InstanceKey) {
	e.mailbox.Send(func(s *state) {
		ss, ok := s.services[key.Service]
		if !ok {
			return
		}
		delete(ss.instances, key)
		e.notify(key.Service, key.Cluster)
		e.refreshCounts(s)
	})
}

// Heartbeat refreshes LastBeat and reschedules the heartbeat timeout for
// an already-registered ephemeral instance.
func (e *Engine) Heartbeat(key types.InstanceKey, now time.Time) error {
	return e.mailbox.SendSync(func(s *state) error {
		ss, ok := s.services[key.Service]
		if !ok {
			return types.NewError(types.ErrNotFound, "service not found")
		}
		inst, ok := ss.instances[key]
		if !ok {
			return types.NewError(types.ErrNotFound, "instance not found")
		}
		wasUnhealthy := !inst.Healthy
		inst.LastBeat = now
		inst.Healthy = true
		if inst.Ephemeral {
			s.wheel.schedule(InstanceTimeout{Key: key, Deadline: now.Add(heartbeatTimeout(inst)), Kind: timeoutMarkUnhealthy})
		}
		if wasUnhealthy {
			e.notify(key.Service, key.Cluster)
		}
		metrics.InstanceHeartbeatsTotal.WithLabelValues("ok").Inc()
		return nil
	})
}

// SetHealthy is the convergence point for both heartbeat timeouts and
// pkg/healthcheck active probes: either path ends up here.
func (e *Engine) SetHealthy(key types.InstanceKey, healthy bool) {
	e.mailbox.Send(func(s *state) {
		ss, ok := s.services[key.Service]
		if !ok {
			return
		}
		inst, ok := ss.instances[key]
		if !ok || inst.Healthy == healthy {
			return
		}
		inst.Healthy = healthy
		e.notify(key.Service, key.Cluster)
		e.refreshCounts(s)
	})
}

// Subscribe registers connID for push notifications about every cluster
// of svc.
func (e *Engine) Subscribe(svc types.ServiceKey, connID string) {
	e.mailbox.Send(func(s *state) {
		ss := getOrCreateService(s, svc)
		ss.subscribers[connID] = struct{}{}
	})
}

// Unsubscribe removes connID from every service it was subscribed to.
// Called by pkg/push on disconnect.
func (e *Engine) Unsubscribe(connID string) {
	e.mailbox.Send(func(s *state) {
		for _, ss := range s.services {
			delete(ss.subscribers, connID)
		}
	})
}

// QueryResult is the filtered view of a service returned to clients.
type QueryResult struct {
	Service types.ServiceKey
	// Instances is healthy-only (or every enabled instance, if
	// healthyOnly is false or protection triggered).
	Instances []*types.Instance
	// ReachProtectionThreshold reports whether the healthy/total ratio
	// fell at or below the service's protect threshold, causing every
	// enabled instance to be served with Healthy forced true rather
	// than the true (mostly unhealthy) set.
	ReachProtectionThreshold bool
}

// Query returns instances for svc/cluster, applying the protection
// threshold filter uniformly regardless of how an instance's health was
// determined (heartbeat timeout or active probe).
func (e *Engine) Query(svc types.ServiceKey, cluster string, healthyOnly bool) (*QueryResult, error) {
	var result *QueryResult
	err := e.mailbox.SendSync(func(s *state) error {
		ss, ok := s.services[svc]
		if !ok {
			return types.NewError(types.ErrNotFound, "service not found")
		}

		var all, healthy []*types.Instance
		for _, inst := range ss.instances {
			if cluster != "" && inst.Key.Cluster != cluster {
				continue
			}
			if !inst.Enabled {
				continue
			}
			cp := *inst
			all = append(all, &cp)
			if inst.Healthy {
				healthy = append(healthy, &cp)
			}
		}

		ratio := 1.0
		if len(all) > 0 {
			ratio = float64(len(healthy)) / float64(len(all))
		}

		reachProtection := ratio <= ss.service.ProtectThreshold
		instances := healthy
		if reachProtection {
			// Too few healthy instances: fall back to serving every
			// enabled instance, presented as healthy, rather than an
			// empty/near-empty set.
			instances = make([]*types.Instance, len(all))
			for i, inst := range all {
				cp := *inst
				cp.Healthy = true
				instances[i] = &cp
			}
		}
		if !healthyOnly {
			instances = all
		}

		result = &QueryResult{Service: svc, Instances: instances, ReachProtectionThreshold: reachProtection}
		return nil
	})
	return result, err
}

// Subscribers returns the connection IDs currently subscribed to svc,
// used by pkg/push to fan out a NotifyService call to the right
// connections.
func (e *Engine) Subscribers(svc types.ServiceKey) []string {
	var result []string
	_ = e.mailbox.SendSync(func(s *state) error {
		ss, ok := s.services[svc]
		if !ok {
			return nil
		}
		for connID := range ss.subscribers {
			result = append(result, connID)
		}
		return nil
	})
	return result
}

// DurableInstances returns a snapshot of every non-ephemeral instance
// that declares an active HealthCheckType, for pkg/healthcheck's
// prober to poll on its own schedule.
func (e *Engine) DurableInstances() []types.Instance {
	var result []types.Instance
	_ = e.mailbox.SendSync(func(s *state) error {
		for _, ss := range s.services {
			for _, inst := range ss.instances {
				if inst.Ephemeral {
					continue
				}
				if inst.HealthCheckType == "" || inst.HealthCheckType == "none" {
					continue
				}
				result = append(result, *inst)
			}
		}
		return nil
	})
	return result
}

// ListServiceNames returns every registered service key scoped to
// namespace (and further to group, if non-empty).
func (e *Engine) ListServiceNames(namespace, group string) ([]types.ServiceKey, error) {
	var result []types.ServiceKey
	err := e.mailbox.SendSync(func(s *state) error {
		for key := range s.services {
			if key.Namespace != namespace {
				continue
			}
			if group != "" && key.Group != group {
				continue
			}
			result = append(result, key)
		}
		return nil
	})
	return result, err
}

func (e *Engine) notify(svc types.ServiceKey, cluster string) {
	if e.notifier != nil {
		e.notifier.NotifyService(svc, cluster)
	}
}

func (e *Engine) refreshCounts(s *state) {
	services := 0
	counts := map[[2]bool]int{}
	for _, ss := range s.services {
		services++
		for _, inst := range ss.instances {
			counts[[2]bool{inst.Healthy, inst.Ephemeral}]++
		}
	}
	metrics.ServicesTotal.Set(float64(services))
	for _, healthy := range []bool{true, false} {
		for _, ephemeral := range []bool{true, false} {
			metrics.InstancesTotal.WithLabelValues(strconv.FormatBool(healthy), strconv.FormatBool(ephemeral)).
				Set(float64(counts[[2]bool{healthy, ephemeral}]))
		}
	}
}

// tick drains due wheel buckets: mark unhealthy past heartbeat timeout,
// then remove past the subsequent removal grace period.
func (e *Engine) tick(s *state, now time.Time) {
	due := s.wheel.advance(now)
	for _, t := range due {
		ss, ok := s.services[t.Key.Service]
		if !ok {
			continue
		}
		inst, ok := ss.instances[t.Key]
		if !ok {
			continue
		}
		switch t.Kind {
		case timeoutMarkUnhealthy:
			if inst.Healthy {
				inst.Healthy = false
				e.notify(t.Key.Service, t.Key.Cluster)
				log.Logger.Debug().Str("ip", inst.Key.IP).Msg("instance marked unhealthy on heartbeat timeout")
			}
			s.wheel.schedule(InstanceTimeout{Key: t.Key, Deadline: now.Add(removeTimeout(inst)), Kind: timeoutRemove})
		case timeoutRemove:
			if inst.Ephemeral && !inst.Healthy {
				delete(ss.instances, t.Key)
				metrics.InstanceTimeoutsTotal.Inc()
				e.notify(t.Key.Service, t.Key.Cluster)
				log.Logger.Debug().Str("ip", inst.Key.IP).Msg("ephemeral instance removed on timeout")
			}
		}
	}
	e.refreshCounts(s)
}
