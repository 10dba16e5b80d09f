// Package push implements the connection/push layer (C8): a registry
// of connected clients, their outbound notification channels, and the
// disconnect hook that unsubscribes a dead connection from C5. Its
// single-goroutine fan-out loop per connection mirrors the teacher's
// events.Broker, scaled down to a per-connection channel instead of a
// single shared broadcast channel, since each connection needs its own
// backpressure and coalescing behavior rather than a shared firehose.
package push

import (
	"sync"

	"github.com/meridian-io/meridian/pkg/log"
	"github.com/meridian-io/meridian/pkg/metrics"
	"github.com/meridian-io/meridian/pkg/naming"
	"github.com/meridian-io/meridian/pkg/types"
)

// Message is a single outbound push notification.
type Message struct {
	Kind       string // "service_changed" or "config_changed"
	ServiceKey types.ServiceKey
	Cluster    string
	ConfigKey  types.ConfigKey
}

// coalesceKey identifies messages that supersede one another in an
// overflowing outbox: a client only cares about the latest state of a
// given service/cluster or config key, not every intermediate change.
func (m Message) coalesceKey() string {
	if m.Kind == "config_changed" {
		return "cfg:" + m.ConfigKey.Tenant + "/" + m.ConfigKey.Group + "/" + m.ConfigKey.DataID
	}
	return "svc:" + m.ServiceKey.Namespace + "/" + m.ServiceKey.Group + "/" + m.ServiceKey.Name + "/" + m.Cluster
}

// Sender delivers a Message to one connected client over whatever
// transport it was accepted on (gRPC bidi stream or UDP).
type Sender interface {
	Transport() string
	Send(msg *Message) error
}

type connection struct {
	sender Sender

	mu       sync.Mutex
	pending  map[string]*Message
	notifyCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newConnection(sender Sender) *connection {
	c := &connection{
		sender:   sender,
		pending:  make(map[string]*Message),
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go c.run()
	return c
}

// enqueue coalesces msg by key: a connection's outbox never grows past
// one pending message per distinct service/config key, so a slow
// client falls behind in information-density, not in memory.
func (c *connection) enqueue(msg *Message) {
	c.mu.Lock()
	c.pending[msg.coalesceKey()] = msg
	c.mu.Unlock()

	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}

func (c *connection) run() {
	defer close(c.doneCh)
	for {
		select {
		case <-c.notifyCh:
			c.flush()
		case <-c.stopCh:
			return
		}
	}
}

func (c *connection) flush() {
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]*Message)
	c.mu.Unlock()

	for _, msg := range batch {
		if err := c.sender.Send(msg); err != nil {
			metrics.PushNotifyTotal.WithLabelValues(c.sender.Transport(), "error").Inc()
			log.Logger.Warn().Err(err).Str("transport", c.sender.Transport()).Msg("push notify failed")
			continue
		}
		metrics.PushNotifyTotal.WithLabelValues(c.sender.Transport(), "ok").Inc()
	}
}

func (c *connection) stop() {
	close(c.stopCh)
	<-c.doneCh
}

// Registry tracks every connected client and fans out naming/config
// change notifications to the subset subscribed to each change.
type Registry struct {
	naming *naming.Engine

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewRegistry creates a Registry bound to the naming engine it queries
// for subscriber lists and instance views.
func NewRegistry(namingEngine *naming.Engine) *Registry {
	return &Registry{naming: namingEngine, conns: make(map[string]*connection)}
}

// Register adds a newly-accepted connection.
func (r *Registry) Register(sender Sender, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = newConnection(sender)
	metrics.ConnectionsTotal.WithLabelValues(sender.Transport()).Inc()
}

// Unregister removes a connection on disconnect and unsubscribes it
// from every service it was watching, so naming.Engine never tries to
// push to a dead connection again.
func (r *Registry) Unregister(connID string, transport string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()

	if ok {
		conn.stop()
		metrics.ConnectionsTotal.WithLabelValues(transport).Dec()
	}
	r.naming.Unsubscribe(connID)
}

// NotifyService implements naming.Notifier: it looks up every
// connection subscribed to svc (subscriptions are per service, not per
// cluster) and enqueues a push message carrying cluster for each.
func (r *Registry) NotifyService(svc types.ServiceKey, cluster string) {
	subs := r.naming.Subscribers(svc)
	if len(subs) == 0 {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	msg := &Message{Kind: "service_changed", ServiceKey: svc, Cluster: cluster}
	for _, connID := range subs {
		if conn, ok := r.conns[connID]; ok {
			conn.enqueue(msg)
		}
	}
}

// NotifyConfig pushes a config-change notification to connID directly
// (used by the gRPC batch-listen handler, which tracks its own
// per-stream subscription set rather than going through naming.Engine).
func (r *Registry) NotifyConfig(connID string, key types.ConfigKey) {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	conn.enqueue(&Message{Kind: "config_changed", ConfigKey: key})
}

// QueueDepth reports the total number of pending (not yet flushed)
// messages across all connections.
func (r *Registry) QueueDepth() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, conn := range r.conns {
		conn.mu.Lock()
		total += len(conn.pending)
		conn.mu.Unlock()
	}
	return total
}
