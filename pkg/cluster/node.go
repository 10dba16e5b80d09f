// Package cluster owns the Raft consensus group (C1/C2): log
// replication, leader election, snapshotting, and the membership
// operations used to bootstrap or grow a cluster.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/meridian-io/meridian/pkg/fsm"
	_ "github.com/meridian-io/meridian/pkg/grpcwire" // registers the json codec
	"github.com/meridian-io/meridian/pkg/log"
	"github.com/meridian-io/meridian/pkg/metrics"
	"github.com/meridian-io/meridian/pkg/rpcclient"
	"github.com/meridian-io/meridian/pkg/storage"
)

// Config holds the parameters needed to bootstrap or join a Raft node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Node wraps a *raft.Raft instance together with the state machine it
// drives and the durable store the state machine writes through.
type Node struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft      *raft.Raft
	transport *raft.NetworkTransport
	machine   *fsm.StateMachine
	store     storage.Store

	haltOnce sync.Once
	onHalt   func(error)
}

// New creates a Node. The returned Node has no running Raft instance
// yet; call Bootstrap or Join to start one.
func New(cfg *Config, store storage.Store, machine *fsm.StateMachine) *Node {
	n := &Node{
		nodeID:  cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir: cfg.DataDir,
		machine: machine,
		store:   store,
	}
	machine.SetOnFatal(n.Halt)
	return n
}

// OnHalt registers a callback invoked when Halt is triggered by a
// fatal FSM error, after the Raft transport has been shut down. Typical
// use is to terminate the process from cmd/meridiand.
func (n *Node) OnHalt(fn func(error)) {
	n.onHalt = fn
}

func raftConfig(nodeID string) *raft.Config {
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(nodeID)

	// Tuned for LAN deployments targeting sub-second failure detection:
	// the leader heartbeats at a fraction of HeartbeatTimeout, and a
	// follower starts an election after a randomized 150-300ms without
	// leader contact.
	cfg.HeartbeatTimeout = 150 * time.Millisecond
	cfg.ElectionTimeout = 150 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 75 * time.Millisecond

	return cfg
}

func (n *Node) buildRaft() (*raft.Raft, error) {
	addr, err := net.ResolveTCPAddr("tcp", n.bindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(n.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}
	n.transport = transport

	snapshotStore, err := raft.NewFileSnapshotStore(filepath.Join(n.dataDir, "snapshots"), 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(n.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig(n.nodeID), n.machine, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("create raft: %w", err)
	}

	n.raft = r
	return r, nil
}

// Bootstrap initializes a brand-new single-node cluster with this node
// as its only member.
func (n *Node) Bootstrap() error {
	if err := os.MkdirAll(filepath.Join(n.dataDir, "snapshots"), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	r, err := n.buildRaft()
	if err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{ID: raft.ServerID(n.nodeID), Address: n.transport.LocalAddr()},
		},
	}

	future := r.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}

	log.Info(fmt.Sprintf("bootstrapped single-node cluster, node_id=%s", n.nodeID))
	return nil
}

// Join starts this node's Raft instance with no peers, then asks the
// cluster leader at leaderAddr to add it as a voter. Raft itself
// streams the log and installs a snapshot once the leader accepts the
// new voter; Join does not transfer any state directly.
func (n *Node) Join(ctx context.Context, leaderAddr string) error {
	if err := os.MkdirAll(filepath.Join(n.dataDir, "snapshots"), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if _, err := n.buildRaft(); err != nil {
		return err
	}

	rc, err := rpcclient.Dial(leaderAddr)
	if err != nil {
		return fmt.Errorf("connect to leader: %w", err)
	}
	defer rc.Close()

	if err := rc.JoinCluster(ctx, n.nodeID, n.bindAddr); err != nil {
		return fmt.Errorf("join cluster via leader: %w", err)
	}

	log.Info(fmt.Sprintf("joined cluster via leader %s, node_id=%s", leaderAddr, n.nodeID))
	return nil
}

// AddVoter adds a node to the Raft configuration as a full voting
// member. Must be called on the current leader.
func (n *Node) AddVoter(nodeID, addr string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if n.raft.State() != raft.Leader {
		return fmt.Errorf("not the leader, current leader: %s", n.raft.Leader())
	}

	future := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("add voter: %w", err)
	}
	return nil
}

// RemoveServer removes a node from the Raft configuration.
func (n *Node) RemoveServer(nodeID string) error {
	if n.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if n.raft.State() != raft.Leader {
		return fmt.Errorf("not the leader")
	}

	future := n.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("remove server: %w", err)
	}
	return nil
}

// GetClusterServers returns the current Raft configuration's servers.
func (n *Node) GetClusterServers() ([]raft.Server, error) {
	if n.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}
	future := n.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("get configuration: %w", err)
	}
	return future.Configuration().Servers, nil
}

// IsLeader reports whether this node currently holds Raft leadership.
func (n *Node) IsLeader() bool {
	return n.raft != nil && n.raft.State() == raft.Leader
}

// LeaderAddr returns the current leader's Raft bind address, or "" if
// unknown (no leader elected).
func (n *Node) LeaderAddr() string {
	if n.raft == nil {
		return ""
	}
	return string(n.raft.Leader())
}

// Stats is a point-in-time snapshot of Raft health, as returned by
// GetRaftStats.
type Stats struct {
	State        string
	Leader       string
	LastLogIndex uint64
	AppliedIndex uint64
	PeerCount    int
}

// GetRaftStats returns a point-in-time view of Raft's internal state.
func (n *Node) GetRaftStats() Stats {
	if n.raft == nil {
		return Stats{}
	}
	stats := Stats{
		State:        n.raft.State().String(),
		Leader:       string(n.raft.Leader()),
		LastLogIndex: n.raft.LastIndex(),
		AppliedIndex: n.raft.AppliedIndex(),
	}
	if future := n.raft.GetConfiguration(); future.Error() == nil {
		stats.PeerCount = len(future.Configuration().Servers)
	}
	return stats
}

// Apply submits a command to Raft and blocks until it commits,
// returning the FSM's ApplyResult (or error, for a well-formed entry
// that was nonetheless rejected — e.g. a conflict check encoded into
// the command's own semantics rather than treated as fatal).
func (n *Node) Apply(ctx context.Context, cmd fsm.Command) (interface{}, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftCommitDuration)

	if n.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("apply command: %w", err)
	}

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return nil, err
		}
		return resp, nil
	}
	return nil, nil
}

// HandleApply implements cluster.InternalServer for leader-forwarded commands.
func (n *Node) HandleApply(ctx context.Context, req *ApplyRequest) (*ApplyReply, error) {
	resp, err := n.Apply(ctx, req.Command)
	if err != nil {
		return &ApplyReply{Error: err.Error()}, nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return &ApplyReply{Error: err.Error()}, nil
	}
	return &ApplyReply{Result: data}, nil
}

// HandleJoin implements cluster.InternalServer for new-node join
// requests received over the internal gRPC surface.
func (n *Node) HandleJoin(ctx context.Context, req *JoinRequest) (*JoinReply, error) {
	if err := n.AddVoter(req.NodeID, req.Addr); err != nil {
		return nil, err
	}
	return &JoinReply{}, nil
}

// NodeID returns this node's Raft server ID.
func (n *Node) NodeID() string { return n.nodeID }

// Shutdown gracefully stops Raft and closes the durable store.
func (n *Node) Shutdown() error {
	if n.raft != nil {
		if err := n.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			return fmt.Errorf("close store: %w", err)
		}
	}
	return nil
}

// Halt is invoked when the state machine encounters a fatal,
// non-recoverable error applying a replicated log entry — an
// invariant violation that would otherwise let this node's state
// silently diverge from the rest of the cluster. It shuts Raft down
// and invokes the process-level callback registered via OnHalt exactly
// once.
func (n *Node) Halt(err error) {
	n.haltOnce.Do(func() {
		log.Logger.Error().Err(err).Msg("halting node due to fatal state machine error")
		if n.raft != nil {
			_ = n.raft.Shutdown().Error()
		}
		if n.onHalt != nil {
			n.onHalt(err)
		}
	})
}
