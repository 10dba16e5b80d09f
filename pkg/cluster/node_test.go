package cluster

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-io/meridian/pkg/cache"
	"github.com/meridian-io/meridian/pkg/config"
	"github.com/meridian-io/meridian/pkg/fsm"
	"github.com/meridian-io/meridian/pkg/naming"
	"github.com/meridian-io/meridian/pkg/storage"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func newTestNode(t *testing.T, addr string) *Node {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.New()
	t.Cleanup(cfg.Close)
	nm := naming.New(nil)
	t.Cleanup(nm.Close)
	ch := cache.New()
	t.Cleanup(ch.Close)

	machine := fsm.New(store, cfg, nm, ch, nil)
	node := New(&Config{NodeID: addr, BindAddr: addr, DataDir: t.TempDir()}, store, machine)
	return node
}

func TestBootstrapBecomesLeader(t *testing.T) {
	node := newTestNode(t, freeAddr(t))
	require.NoError(t, node.Bootstrap())
	defer node.Shutdown()

	require.Eventually(t, node.IsLeader, 5*time.Second, 10*time.Millisecond)
}

func TestApplyCommitsSequenceAlloc(t *testing.T) {
	node := newTestNode(t, freeAddr(t))
	require.NoError(t, node.Bootstrap())
	defer node.Shutdown()

	require.Eventually(t, node.IsLeader, 5*time.Second, 10*time.Millisecond)

	cmd := fsm.Command{Op: fsm.OpSequenceAlloc, Data: []byte(`{"name":"order-id"}`)}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := node.Apply(ctx, cmd)
	require.NoError(t, err)
	result, ok := resp.(*fsm.ApplyResult)
	require.True(t, ok)
	require.Equal(t, uint64(1), result.SequenceValue)
}

func TestHaltInvokesOnHaltOnce(t *testing.T) {
	node := newTestNode(t, freeAddr(t))
	require.NoError(t, node.Bootstrap())
	defer node.Shutdown()

	var calls int
	node.OnHalt(func(error) { calls++ })

	node.Halt(errors.New("simulated invariant violation"))
	node.Halt(errors.New("simulated invariant violation"))

	require.Equal(t, 1, calls)
}
