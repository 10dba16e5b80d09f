// Package rpcclient is a thin gRPC client for the internal
// node-to-node control surface registered by pkg/cluster: leader
// command forwarding and cluster join requests. It carries no TLS or
// join-token handshake — internal traffic is expected to run on a
// private cluster network.
package rpcclient

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/meridian-io/meridian/pkg/fsm"
	_ "github.com/meridian-io/meridian/pkg/grpcwire" // registers the json codec
)

// Client wraps a gRPC connection to a peer node's internal surface.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to a peer node's internal gRPC surface at addr.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

type applyRequest struct {
	Command fsm.Command `json:"command"`
}

type applyReply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ApplyRemote forwards cmd to the peer's leader for Raft application,
// used by pkg/router when this node is not the leader.
func (c *Client) ApplyRemote(ctx context.Context, cmd fsm.Command) (json.RawMessage, error) {
	var reply applyReply
	if err := c.conn.Invoke(ctx, "/meridian.internal.Internal/Apply", &applyRequest{Command: cmd}, &reply); err != nil {
		return nil, fmt.Errorf("apply rpc: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("remote apply failed: %s", reply.Error)
	}
	return reply.Result, nil
}

type joinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

type joinReply struct{}

// JoinCluster asks the peer (expected to be the current leader) to
// add this node as a Raft voter.
func (c *Client) JoinCluster(ctx context.Context, nodeID, addr string) error {
	var reply joinReply
	if err := c.conn.Invoke(ctx, "/meridian.internal.Internal/Join", &joinRequest{NodeID: nodeID, Addr: addr}, &reply); err != nil {
		return fmt.Errorf("join rpc: %w", err)
	}
	return nil
}
