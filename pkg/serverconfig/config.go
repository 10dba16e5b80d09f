// Package serverconfig loads meridiand's YAML configuration file: node
// identity, listener addresses, the static peer table used to resolve
// a Raft leader address to its internal control-plane gRPC address,
// and logging options.
package serverconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meridian-io/meridian/pkg/log"
)

// Peer is one other node in the cluster, known ahead of time rather
// than discovered: Raft's own transport address can't double as a
// framed gRPC endpoint, so each peer's internal control address is
// configured statically alongside its Raft bind address.
type Peer struct {
	NodeID      string `yaml:"node_id"`
	RaftAddr    string `yaml:"raft_addr"`
	InternalAddr string `yaml:"internal_addr"`
}

// Config is meridiand's full startup configuration.
type Config struct {
	NodeID string `yaml:"node_id"`
	DataDir string `yaml:"data_dir"`

	RaftBindAddr     string `yaml:"raft_bind_addr"`
	InternalGRPCAddr string `yaml:"internal_grpc_addr"`
	PublicGRPCAddr   string `yaml:"public_grpc_addr"`
	HTTPAddr         string `yaml:"http_addr"`
	MetricsAddr      string `yaml:"metrics_addr"`

	Bootstrap bool   `yaml:"bootstrap"`
	JoinAddr  string `yaml:"join_addr"` // another node's internal_grpc_addr to join through

	Peers []Peer `yaml:"peers"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
}

// Default returns a single-node, bootstrap-ready configuration
// suitable for local development.
func Default() *Config {
	return &Config{
		NodeID:           "node-1",
		DataDir:          "./data",
		RaftBindAddr:     "127.0.0.1:8300",
		InternalGRPCAddr: "127.0.0.1:8301",
		PublicGRPCAddr:   "127.0.0.1:8848",
		HTTPAddr:         "127.0.0.1:8849",
		MetricsAddr:      "127.0.0.1:8850",
		Bootstrap:        true,
		LogLevel:         "info",
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required fields are populated and internally
// consistent.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.RaftBindAddr == "" {
		return fmt.Errorf("raft_bind_addr is required")
	}
	if c.InternalGRPCAddr == "" {
		return fmt.Errorf("internal_grpc_addr is required")
	}
	if !c.Bootstrap && c.JoinAddr == "" {
		return fmt.Errorf("join_addr is required when bootstrap is false")
	}
	return nil
}

// LogConfig translates the YAML log options to pkg/log.Config.
func (c *Config) LogConfig() log.Config {
	return log.Config{Level: log.Level(c.LogLevel), JSONOutput: c.LogJSON}
}

// PeerMap implements router.PeerResolver over Config.Peers: a static
// lookup from a peer's Raft address (as reported by
// cluster.Node.LeaderAddr) to that peer's internal gRPC control
// address.
type PeerMap struct {
	byRaftAddr map[string]string
}

// NewPeerMap builds a PeerMap from the configured peer list, including
// this node itself so a leader can resolve its own address too.
func NewPeerMap(self *Config) *PeerMap {
	m := &PeerMap{byRaftAddr: make(map[string]string, len(self.Peers)+1)}
	m.byRaftAddr[self.RaftBindAddr] = self.InternalGRPCAddr
	for _, p := range self.Peers {
		m.byRaftAddr[p.RaftAddr] = p.InternalAddr
	}
	return m
}

// InternalAddr implements router.PeerResolver.
func (m *PeerMap) InternalAddr(raftAddr string) (string, bool) {
	addr, ok := m.byRaftAddr[raftAddr]
	return addr, ok
}
