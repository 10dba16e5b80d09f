package fsm

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"

	"github.com/meridian-io/meridian/pkg/cache"
	"github.com/meridian-io/meridian/pkg/config"
	"github.com/meridian-io/meridian/pkg/naming"
	"github.com/meridian-io/meridian/pkg/storage"
	"github.com/meridian-io/meridian/pkg/types"
)

func newTestMachine(t *testing.T) *StateMachine {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.New()
	t.Cleanup(cfg.Close)
	nm := naming.New(nil)
	t.Cleanup(nm.Close)
	ch := cache.New()
	t.Cleanup(ch.Close)

	return New(store, cfg, nm, ch, nil)
}

func mustCommand(t *testing.T, op string, payload interface{}) *raft.Log {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	cmd := Command{Op: op, Data: data}
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	return &raft.Log{Data: raw}
}

func TestApplyConfigSetAndDel(t *testing.T) {
	f := newTestMachine(t)

	key := types.ConfigKey{DataID: "app.properties", Group: "DEFAULT_GROUP", Tenant: ""}
	res := f.Apply(mustCommand(t, OpConfigSet, ConfigSetPayload{Key: key, Content: "a=1", ContentType: "properties"}))
	require.Nil(t, res)

	entry, err := f.config.Get(key)
	require.NoError(t, err)
	require.Equal(t, "a=1", entry.Content)

	res = f.Apply(mustCommand(t, OpConfigDel, ConfigDelPayload{Key: key}))
	require.Nil(t, res)
	_, err = f.config.Get(key)
	require.Error(t, err)
}

func TestApplyNamingSetDurablePersists(t *testing.T) {
	f := newTestMachine(t)

	key := types.InstanceKey{
		Service: types.ServiceKey{Name: "order-service", Group: "DEFAULT_GROUP", Namespace: "public"},
		Cluster: "DEFAULT", IP: "10.0.0.5", Port: 8080,
	}
	inst := &types.Instance{Key: key, Healthy: true, Enabled: true, Ephemeral: false}
	res := f.Apply(mustCommand(t, OpNamingSet, NamingSetPayload{Instance: inst}))
	require.Nil(t, res)

	stored, err := f.store.GetInstance(key)
	require.NoError(t, err)
	require.Equal(t, key, stored.Key)

	res = f.Apply(mustCommand(t, OpNamingDel, NamingDelPayload{Key: key}))
	require.Nil(t, res)
	_, err = f.store.GetInstance(key)
	require.Error(t, err)
}

func TestApplySequenceAllocIncrements(t *testing.T) {
	f := newTestMachine(t)

	res1 := f.Apply(mustCommand(t, OpSequenceAlloc, SequenceAllocPayload{Name: "order-id"}))
	res2 := f.Apply(mustCommand(t, OpSequenceAlloc, SequenceAllocPayload{Name: "order-id"}))

	r1, ok := res1.(*ApplyResult)
	require.True(t, ok)
	r2, ok := res2.(*ApplyResult)
	require.True(t, ok)
	require.Equal(t, r1.SequenceValue+1, r2.SequenceValue)
}

func TestApplyUnknownOpIsFatal(t *testing.T) {
	var fatalErr error
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	cfg := config.New()
	defer cfg.Close()
	nm := naming.New(nil)
	defer nm.Close()
	ch := cache.New()
	defer ch.Close()

	f := New(store, cfg, nm, ch, func(err error) { fatalErr = err })
	res := f.Apply(mustCommand(t, "NotARealOp", struct{}{}))
	require.Error(t, res.(error))
	require.Error(t, fatalErr)
}

// TestApplyIsDeterministic feeds the same command sequence into two
// independent state machines and asserts their snapshots serialize
// identically, as required of a replicated applier.
func TestApplyIsDeterministic(t *testing.T) {
	buildAndSnapshot := func(t *testing.T) []byte {
		f := newTestMachine(t)

		cfgKey := types.ConfigKey{DataID: "app.yaml", Group: "DEFAULT_GROUP"}
		f.Apply(mustCommand(t, OpConfigSet, ConfigSetPayload{Key: cfgKey, Content: "x: 1", ContentType: "yaml"}))

		nsKey := types.InstanceKey{
			Service: types.ServiceKey{Name: "svc", Group: "DEFAULT_GROUP", Namespace: "public"},
			Cluster: "DEFAULT", IP: "10.0.0.1", Port: 9000,
		}
		f.Apply(mustCommand(t, OpNamingSet, NamingSetPayload{Instance: &types.Instance{Key: nsKey, Healthy: true, Enabled: true}}))

		f.Apply(mustCommand(t, OpNamespaceOp, NamespaceOpPayload{Namespace: &types.Namespace{ID: "public", Name: "public"}}))

		snap, err := f.Snapshot()
		require.NoError(t, err)
		ms := snap.(*Snapshot)

		data, err := json.Marshal(ms)
		require.NoError(t, err)
		return data
	}

	a := buildAndSnapshot(t)
	b := buildAndSnapshot(t)
	require.JSONEq(t, string(a), string(b))
}
