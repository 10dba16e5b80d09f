package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-io/meridian/pkg/cache"
	"github.com/meridian-io/meridian/pkg/cluster"
	"github.com/meridian-io/meridian/pkg/config"
	"github.com/meridian-io/meridian/pkg/fsm"
	"github.com/meridian-io/meridian/pkg/naming"
	"github.com/meridian-io/meridian/pkg/storage"
	"github.com/meridian-io/meridian/pkg/types"
)

type staticResolver struct{}

func (staticResolver) InternalAddr(string) (string, bool) { return "", false }

func TestDoAppliesLocallyWhenLeader(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	cfg := config.New()
	defer cfg.Close()
	nm := naming.New(nil)
	defer nm.Close()
	ch := cache.New()
	defer ch.Close()
	machine := fsm.New(store, cfg, nm, ch, nil)

	node := cluster.New(&cluster.Config{NodeID: "127.0.0.1:19001", BindAddr: "127.0.0.1:19001", DataDir: t.TempDir()}, store, machine)
	require.NoError(t, node.Bootstrap())
	defer node.Shutdown()
	require.Eventually(t, node.IsLeader, 5*time.Second, 10*time.Millisecond)

	r := New(node, staticResolver{})
	resp, err := r.Do(context.Background(), fsm.Command{Op: fsm.OpSequenceAlloc, Data: []byte(`{"name":"seq"}`)})
	require.NoError(t, err)
	result, ok := resp.(*fsm.ApplyResult)
	require.True(t, ok)
	assert.Equal(t, uint64(1), result.SequenceValue)
}

func TestDoReturnsNoLeaderAfterRetriesWhenNoneElected(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	cfg := config.New()
	defer cfg.Close()
	nm := naming.New(nil)
	defer nm.Close()
	ch := cache.New()
	defer ch.Close()
	machine := fsm.New(store, cfg, nm, ch, nil)

	node := cluster.New(&cluster.Config{NodeID: "127.0.0.1:19002", BindAddr: "127.0.0.1:19002", DataDir: t.TempDir()}, store, machine)
	// Never bootstrapped/joined: no raft instance, so IsLeader is false
	// and LeaderAddr is "" — exercises the no-leader-elected path.
	r := New(node, staticResolver{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = r.Do(ctx, fsm.Command{Op: fsm.OpSequenceAlloc, Data: []byte(`{"name":"seq"}`)})
	require.Error(t, err)
	var merr *types.Error
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, types.ErrNoLeader, merr.Kind)
}
