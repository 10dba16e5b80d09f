package cluster

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"

	"github.com/meridian-io/meridian/pkg/fsm"
)

// internalServiceName is the gRPC service path for the node-to-node
// control surface: leader-forwarded applies and cluster join requests.
// It is not part of the Nacos-compatible external API and is never
// exposed on the public listener.
const internalServiceName = "meridian.internal.Internal"

// ApplyRequest carries a command for the leader to apply to Raft.
type ApplyRequest struct {
	Command fsm.Command `json:"command"`
}

// ApplyReply carries back the command's ApplyResult, JSON-encoded as
// produced by fsm.StateMachine.Apply.
type ApplyReply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// JoinRequest asks the leader to add the sending node as a voter.
type JoinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// JoinReply is empty on success; transport-level error otherwise.
type JoinReply struct{}

// InternalServer is implemented by Node and registered against a
// grpc.Server to expose the control surface above.
type InternalServer interface {
	HandleApply(ctx context.Context, req *ApplyRequest) (*ApplyReply, error)
	HandleJoin(ctx context.Context, req *JoinRequest) (*JoinReply, error)
}

func applyHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(ApplyRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(InternalServer).HandleApply(ctx, req)
}

func joinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(JoinRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(InternalServer).HandleJoin(ctx, req)
}

// internalServiceDesc is the hand-written grpc.ServiceDesc for the
// control surface; there is no .proto source to generate it from.
var internalServiceDesc = grpc.ServiceDesc{
	ServiceName: internalServiceName,
	HandlerType: (*InternalServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Apply", Handler: applyHandler},
		{MethodName: "Join", Handler: joinHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal.proto",
}

// RegisterInternalServer registers n's control surface on s.
func RegisterInternalServer(s *grpc.Server, n *Node) {
	s.RegisterService(&internalServiceDesc, n)
}
