// Copyright 2025 Raamsri Kumar <raam@tinkershack.in>
// Copyright 2025 The StrataSTOR Authors and Contributors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "encoding/json"

// jsonCodec replaces grpc's default protobuf codec with plain JSON, so the
// RPC surface needs no generated protobuf types — every message is a plain
// Go struct (CommandRequest/CommandResponse) round-tripped through
// encoding/json. This is deliberate: the real disk-arbitration proto
// definitions live in a sibling module this repository cannot reach, so the
// wire format here is specified directly instead of code-generated. gRPC's
// `encoding.Codec` interface makes this substitution a couple of methods.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string { return "json" }
