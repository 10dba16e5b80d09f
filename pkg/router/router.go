// Package router implements the write router (C7): every mutating
// request funnels through Router.Do, which applies locally when this
// node is the Raft leader or forwards to the leader otherwise. It is
// the only path that writes to Raft — no other package calls
// cluster.Node.Apply directly — so there is exactly one place that can
// violate linearizability by accident.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridian-io/meridian/pkg/cluster"
	"github.com/meridian-io/meridian/pkg/fsm"
	"github.com/meridian-io/meridian/pkg/log"
	"github.com/meridian-io/meridian/pkg/metrics"
	"github.com/meridian-io/meridian/pkg/rpcclient"
	"github.com/meridian-io/meridian/pkg/types"
)

const (
	maxAttempts  = 3
	initialDelay = 50 * time.Millisecond
	maxDelay     = 500 * time.Millisecond
)

// PeerResolver maps a Raft leader address (as reported by
// cluster.Node.LeaderAddr) to that peer's internal gRPC control
// address. Raft's own transport address can't double as a framed gRPC
// endpoint, so the two are configured and resolved separately.
type PeerResolver interface {
	InternalAddr(raftAddr string) (string, bool)
}

// Router is the single entry point for replicated writes.
type Router struct {
	node     *cluster.Node
	resolver PeerResolver
}

// New creates a Router bound to this node's Raft instance and a
// resolver used to reach the current leader when it isn't us.
func New(node *cluster.Node, resolver PeerResolver) *Router {
	return &Router{node: node, resolver: resolver}
}

// Do routes cmd to the current Raft leader, applying it locally when
// possible, and returns the leader's ApplyResult. It retries up to
// maxAttempts times with exponential backoff on ErrUnavailable and
// ErrNoLeader errors (leader not yet elected, or a stale forward to a
// node that just lost leadership) and on errors that are not a
// *types.Error (such as a failed local Raft apply), and fails fast on
// every other error kind.
func (r *Router) Do(ctx context.Context, cmd fsm.Command) (interface{}, error) {
	var lastErr error
	delay := initialDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := r.attempt(ctx, cmd)
		if err == nil {
			metrics.RouterForwardsTotal.WithLabelValues("ok").Inc()
			return resp, nil
		}

		lastErr = err
		if merr, ok := err.(*types.Error); ok && merr.Kind != types.ErrUnavailable && merr.Kind != types.ErrNoLeader {
			metrics.RouterForwardsTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		if attempt == maxAttempts {
			break
		}

		log.Logger.Warn().Err(err).Int("attempt", attempt).Msg("router: retrying command")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			metrics.RouterForwardsTotal.WithLabelValues("error").Inc()
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}

	metrics.RouterForwardsTotal.WithLabelValues("error").Inc()
	return nil, lastErr
}

func (r *Router) attempt(ctx context.Context, cmd fsm.Command) (interface{}, error) {
	if r.node.IsLeader() {
		return r.node.Apply(ctx, cmd)
	}

	leaderAddr := r.node.LeaderAddr()
	if leaderAddr == "" {
		return nil, types.NewError(types.ErrNoLeader, "no raft leader elected")
	}

	internalAddr, ok := r.resolver.InternalAddr(leaderAddr)
	if !ok {
		return nil, types.NewError(types.ErrUnavailable, fmt.Sprintf("no internal address known for leader %s", leaderAddr))
	}

	client, err := rpcclient.Dial(internalAddr)
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "dial leader: "+err.Error())
	}
	defer client.Close()

	raw, err := client.ApplyRemote(ctx, cmd)
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "forward to leader: "+err.Error())
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var result fsm.ApplyResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, types.NewError(types.ErrUnavailable, "decode leader response: "+err.Error())
	}
	return &result, nil
}
