// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package transport exposes the coordinator and admin surfaces over gRPC.
// No .proto compiler runs in this environment, so a JSON codec stands in
// for generated protobuf stubs. The envelopes in messages.go carry the RPC
// schema's fields under their own JSON names (federation.NamedTensor has
// no JSON tags and keeps its Go field names), and google.golang.org/grpc's own
// message framing, flow control, and interceptor chain still apply.
package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec implements encoding.Codec by marshaling every request and
// response as JSON instead of protobuf wire bytes.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
