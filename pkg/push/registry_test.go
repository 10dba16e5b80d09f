package push

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-io/meridian/pkg/naming"
	"github.com/meridian-io/meridian/pkg/types"
)

type fakeSender struct {
	transport string
	sent      atomic.Int64
	lastKind  atomic.Value
}

func (f *fakeSender) Transport() string { return f.transport }

func (f *fakeSender) Send(msg *Message) error {
	f.sent.Add(1)
	f.lastKind.Store(msg.Kind)
	return nil
}

func TestNotifyServiceFansOutToSubscribers(t *testing.T) {
	nm := naming.New(nil)
	defer nm.Close()
	registry := NewRegistry(nm)

	sender := &fakeSender{transport: "grpc"}
	registry.Register(sender, "conn-1")

	svcKey := types.ServiceKey{Name: "order-service", Group: "DEFAULT_GROUP", Namespace: "public"}
	nm.Subscribe(svcKey, "conn-1")

	require.Eventually(t, func() bool {
		return len(nm.Subscribers(svcKey)) == 1
	}, time.Second, time.Millisecond)

	registry.NotifyService(svcKey, "DEFAULT")

	require.Eventually(t, func() bool {
		return sender.sent.Load() > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, "service_changed", sender.lastKind.Load())
}

func TestNotifyServiceSkipsUnsubscribedConnections(t *testing.T) {
	nm := naming.New(nil)
	defer nm.Close()
	registry := NewRegistry(nm)

	sender := &fakeSender{transport: "grpc"}
	registry.Register(sender, "conn-1")

	svcKey := types.ServiceKey{Name: "unwatched-service", Group: "DEFAULT_GROUP", Namespace: "public"}
	registry.NotifyService(svcKey, "DEFAULT")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), sender.sent.Load())
}

func TestUnregisterUnsubscribesFromNaming(t *testing.T) {
	nm := naming.New(nil)
	defer nm.Close()
	registry := NewRegistry(nm)

	sender := &fakeSender{transport: "udp"}
	registry.Register(sender, "conn-1")

	svcKey := types.ServiceKey{Name: "svc", Group: "DEFAULT_GROUP", Namespace: "public"}
	nm.Subscribe(svcKey, "conn-1")

	require.Eventually(t, func() bool {
		return len(nm.Subscribers(svcKey)) == 1
	}, time.Second, time.Millisecond)

	registry.Unregister("conn-1", "udp")

	require.Eventually(t, func() bool {
		return len(nm.Subscribers(svcKey)) == 0
	}, time.Second, time.Millisecond)
}

func TestNotifyConfigEnqueuesMessage(t *testing.T) {
	nm := naming.New(nil)
	defer nm.Close()
	registry := NewRegistry(nm)

	sender := &fakeSender{transport: "grpc"}
	registry.Register(sender, "conn-1")

	registry.NotifyConfig("conn-1", types.ConfigKey{DataID: "app.yaml", Group: "DEFAULT_GROUP"})

	require.Eventually(t, func() bool {
		return sender.sent.Load() > 0
	}, time.Second, time.Millisecond)
	assert.Equal(t, "config_changed", sender.lastKind.Load())
}

func TestQueueDepthReflectsPendingMessages(t *testing.T) {
	nm := naming.New(nil)
	defer nm.Close()
	registry := NewRegistry(nm)

	assert.Equal(t, 0, registry.QueueDepth())
}
