// Package grpcwire provides the JSON wire codec shared by every gRPC
// surface Meridian exposes — the Nacos-compatible bidi payload stream
// and the internal leader-forwarding service. Neither surface is
// generated from .proto files; messages are plain Go structs encoded
// as JSON over gRPC's length-prefixed framing, registered under the
// "json" content-subtype.
package grpcwire

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// Name is the content-subtype this codec registers under.
const Name = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return Name }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("grpcwire: unmarshal: %w", err)
	}
	return nil
}
