// Package rpc is the gRPC transport between orchestrator replicas and node
// daemons (NodeService) and between orchestrator replicas themselves
// (PeerService).
//
// The teacher dials and serves with plain grpc-go against protoc-generated
// message types; that generated code is not available here (no .proto/.pb.go
// in the retrieved pack and protoc cannot be run as part of this exercise).
// Messages are instead plain Go structs carried over grpc-go's public codec
// extension point: a small JSON codec registered under the subtype "json"
// stands in for the generated protobuf marshalling, while dial/serve,
// interceptors, and deadlines are exactly grpc-go's normal API.
package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
