package serverconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meridiand.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `
node_id: node-1
data_dir: /var/lib/meridian
raft_bind_addr: 10.0.0.1:8300
internal_grpc_addr: 10.0.0.1:8301
public_grpc_addr: 10.0.0.1:8848
http_addr: 10.0.0.1:8849
bootstrap: false
join_addr: 10.0.0.2:8301
peers:
  - node_id: node-2
    raft_addr: 10.0.0.2:8300
    internal_addr: 10.0.0.2:8301
log_level: debug
log_json: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.False(t, cfg.Bootstrap)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "node-2", cfg.Peers[0].NodeID)
}

func TestLoadRejectsMissingJoinAddrWhenNotBootstrap(t *testing.T) {
	path := writeConfig(t, `
node_id: node-1
data_dir: /var/lib/meridian
raft_bind_addr: 10.0.0.1:8300
internal_grpc_addr: 10.0.0.1:8301
bootstrap: false
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestPeerMapResolvesSelfAndPeers(t *testing.T) {
	cfg := Default()
	cfg.RaftBindAddr = "10.0.0.1:8300"
	cfg.InternalGRPCAddr = "10.0.0.1:8301"
	cfg.Peers = []Peer{{NodeID: "node-2", RaftAddr: "10.0.0.2:8300", InternalAddr: "10.0.0.2:8301"}}

	m := NewPeerMap(cfg)

	addr, ok := m.InternalAddr("10.0.0.1:8300")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:8301", addr)

	addr, ok = m.InternalAddr("10.0.0.2:8300")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.2:8301", addr)

	_, ok = m.InternalAddr("unknown:9999")
	require.False(t, ok)
}
