// Package grpcapi implements the Nacos-compatible gRPC surface: a
// single bidirectional stream (BiRequestStream) carrying a tagged
// Payload envelope, dispatched across the ten named request variants.
// There is no .proto source for this wire format — the generic
// request/response envelope is itself the "protocol", matching how
// Nacos's own gRPC module works (one stream, many logical request
// types multiplexed by a type tag).
package grpcapi

import (
	"encoding/json"

	"google.golang.org/grpc"

	_ "github.com/meridian-io/meridian/pkg/grpcwire" // registers the json codec
)

// Payload is the envelope carried over BiRequestStream in both
// directions: requests tagged by Type from the client, responses and
// server-initiated pushes tagged by Type back.
type Payload struct {
	Type    string            `json:"type"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
}

// Request/response type tags, matching Nacos's own naming.
const (
	TypeConfigPublishRequest     = "ConfigPublishRequest"
	TypeConfigQueryRequest       = "ConfigQueryRequest"
	TypeConfigRemoveRequest      = "ConfigRemoveRequest"
	TypeConfigBatchListenRequest = "ConfigBatchListenRequest"
	TypeInstanceRequest          = "InstanceRequest"
	TypeBatchInstanceRequest     = "BatchInstanceRequest"
	TypeSubscribeServiceRequest  = "SubscribeServiceRequest"
	TypeServiceQueryRequest      = "ServiceQueryRequest"
	TypeServiceListRequest       = "ServiceListRequest"
	TypeHealthCheckRequest       = "HealthCheckRequest"

	// Server-initiated push types.
	TypeConfigChangeNotifyRequest = "ConfigChangeNotifyRequest"
	TypeNotifySubscriberRequest   = "NotifySubscriberRequest"

	TypeGenericResponse = "Response"
	TypeErrorResponse   = "ErrorResponse"
)

// CommonResponse is embedded in every response body.
type CommonResponse struct {
	ResultCode int    `json:"result_code"`
	ErrorCode  int    `json:"error_code,omitempty"`
	Message    string `json:"message,omitempty"`
	Success    bool   `json:"success"`
}

func ok() CommonResponse    { return CommonResponse{ResultCode: 200, Success: true} }
func fail(errCode int, msg string) CommonResponse {
	return CommonResponse{ResultCode: 500, ErrorCode: errCode, Message: msg, Success: false}
}

func encodeBody(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(CommonResponse{ResultCode: 500, Message: "internal encode error"})
	}
	return data
}

// serviceName is the gRPC service path for the bidi stream.
const serviceName = "Request"

func biRequestStreamHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(*Server).handleStream(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*streamServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "biRequestStream",
			Handler:       biRequestStreamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "request.proto",
}

type streamServer interface {
	handleStream(stream grpc.ServerStream) error
}

// RegisterServer registers srv's bidi stream handler on s.
func RegisterServer(s *grpc.Server, srv *Server) {
	s.RegisterService(&serviceDesc, srv)
}
