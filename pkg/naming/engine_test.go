package naming

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/meridian-io/meridian/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingNotifier struct {
	count atomic.Int64
}

func (n *countingNotifier) NotifyService(types.ServiceKey, string) {
	n.count.Add(1)
}

func testInstanceKey() types.InstanceKey {
	return types.InstanceKey{
		Service: types.ServiceKey{Name: "order-service", Group: "DEFAULT_GROUP", Namespace: "public"},
		Cluster: "DEFAULT",
		IP:      "10.0.0.5",
		Port:    8080,
	}
}

func TestRegisterAndQuery(t *testing.T) {
	notifier := &countingNotifier{}
	e := New(notifier)
	defer e.Close()

	key := testInstanceKey()
	inst := &types.Instance{Key: key, Healthy: true, Enabled: true, Ephemeral: true}
	e.RegisterInstance(inst, time.Now())

	require.Eventually(t, func() bool {
		result, err := e.Query(key.Service, "", true)
		return err == nil && len(result.Instances) == 1
	}, time.Second, time.Millisecond)

	result, err := e.Query(key.Service, "", true)
	require.NoError(t, err)
	assert.Len(t, result.Instances, 1)
	assert.True(t, notifier.count.Load() > 0)
}

func TestQueryNotFound(t *testing.T) {
	e := New(nil)
	defer e.Close()

	_, err := e.Query(types.ServiceKey{Name: "missing"}, "", true)
	require.Error(t, err)
	var cerr *types.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, types.ErrNotFound, cerr.Kind)
}

func TestHeartbeatKeepsInstanceHealthy(t *testing.T) {
	e := New(nil)
	defer e.Close()

	key := testInstanceKey()
	inst := &types.Instance{Key: key, Healthy: true, Enabled: true, Ephemeral: true}
	e.RegisterInstance(inst, time.Now())

	require.Eventually(t, func() bool {
		err := e.Heartbeat(key, time.Now())
		return err == nil
	}, time.Second, time.Millisecond)
}

func TestDeregisterRemovesInstance(t *testing.T) {
	e := New(nil)
	defer e.Close()

	key := testInstanceKey()
	inst := &types.Instance{Key: key, Healthy: true, Enabled: true, Ephemeral: false}
	e.RegisterInstance(inst, time.Now())

	require.Eventually(t, func() bool {
		result, err := e.Query(key.Service, "", false)
		return err == nil && len(result.Instances) == 1
	}, time.Second, time.Millisecond)

	e.DeregisterInstance(key)
	require.Eventually(t, func() bool {
		result, err := e.Query(key.Service, "", false)
		return err == nil && len(result.Instances) == 0
	}, time.Second, time.Millisecond)
}

func TestProtectionThresholdFallsBackToAllInstances(t *testing.T) {
	e := New(nil)
	defer e.Close()

	svcKey := types.ServiceKey{Name: "payment-service", Group: "DEFAULT_GROUP", Namespace: "public"}
	e.SetService(&types.Service{Key: svcKey, ProtectThreshold: 0.5}, time.Now())

	insts := make([]*types.Instance, 4)
	for i := range insts {
		insts[i] = &types.Instance{
			Key:     types.InstanceKey{Service: svcKey, Cluster: "DEFAULT", IP: "10.0.0.1", Port: 8080 + i},
			Healthy: i == 0, Enabled: true,
		}
		e.RegisterInstance(insts[i], time.Now())
	}

	require.Eventually(t, func() bool {
		result, err := e.Query(svcKey, "", true)
		return err == nil && len(result.Instances) == 4
	}, time.Second, time.Millisecond)

	// 1/4 healthy <= 0.5 threshold: every enabled instance comes back,
	// each forced healthy, with the flag set.
	result, err := e.Query(svcKey, "", true)
	require.NoError(t, err)
	require.Len(t, result.Instances, 4)
	assert.True(t, result.ReachProtectionThreshold)
	for _, inst := range result.Instances {
		assert.True(t, inst.Healthy)
	}

	// Bring 2 more instances healthy: 3/4 = 0.75 > 0.5, protection
	// no longer triggers and only the 3 truly healthy come back.
	e.SetHealthy(insts[1].Key, true)
	e.SetHealthy(insts[2].Key, true)

	require.Eventually(t, func() bool {
		result, err := e.Query(svcKey, "", true)
		return err == nil && len(result.Instances) == 3 && !result.ReachProtectionThreshold
	}, time.Second, time.Millisecond)
}

func TestProtectionThresholdBoundaryIsInclusive(t *testing.T) {
	e := New(nil)
	defer e.Close()

	svcKey := types.ServiceKey{Name: "boundary-service", Group: "DEFAULT_GROUP", Namespace: "public"}
	e.SetService(&types.Service{Key: svcKey, ProtectThreshold: 0.5}, time.Now())

	for i := 0; i < 4; i++ {
		inst := &types.Instance{
			Key:     types.InstanceKey{Service: svcKey, Cluster: "DEFAULT", IP: "10.0.0.2", Port: 8080 + i},
			Healthy: i < 2, Enabled: true,
		}
		e.RegisterInstance(inst, time.Now())
	}

	// Exactly 2/4 = 0.5 healthy, equal to the threshold: protection
	// must still trigger since the comparison is inclusive (<=).
	require.Eventually(t, func() bool {
		result, err := e.Query(svcKey, "", true)
		return err == nil && result.ReachProtectionThreshold
	}, time.Second, time.Millisecond)

	result, err := e.Query(svcKey, "", true)
	require.NoError(t, err)
	assert.Len(t, result.Instances, 4)
}

func TestPerInstanceHeartbeatAndRemoveTimeout(t *testing.T) {
	e := New(nil)
	defer e.Close()

	key := testInstanceKey()
	inst := &types.Instance{
		Key: key, Healthy: true, Enabled: true, Ephemeral: true,
		HeartbeatTimeout: 30 * time.Millisecond,
		RemoveTimeout:    60 * time.Millisecond,
	}
	e.RegisterInstance(inst, time.Now())

	// Before the heartbeat timeout elapses the instance is still
	// healthy and visible.
	result, err := e.Query(key.Service, "", true)
	require.NoError(t, err)
	assert.Len(t, result.Instances, 1)

	// The engine drains its timeout wheel on a 5s tick, so each
	// transition below is seen on the first tick after its deadline:
	// unhealthy at about 5s, removed at about 10s.

	// Past the heartbeat timeout (but before removal): invisible to a
	// healthy-only query, still present (and unhealthy) otherwise.
	require.Eventually(t, func() bool {
		result, err := e.Query(key.Service, "", true)
		return err == nil && len(result.Instances) == 0
	}, 7*time.Second, 5*time.Millisecond)

	result, err = e.Query(key.Service, "", false)
	require.NoError(t, err)
	require.Len(t, result.Instances, 1)
	assert.False(t, result.Instances[0].Healthy)

	// Past the removal timeout: gone entirely.
	require.Eventually(t, func() bool {
		result, err := e.Query(key.Service, "", false)
		return err == nil && len(result.Instances) == 0
	}, 7*time.Second, 5*time.Millisecond)
}

func TestUnsubscribeDoesNotPanic(t *testing.T) {
	e := New(nil)
	defer e.Close()

	svcKey := types.ServiceKey{Name: "svc", Group: "DEFAULT_GROUP", Namespace: "public"}
	e.Subscribe(svcKey, "conn-1")
	e.Unsubscribe("conn-1")
}
