// Package transport is the wire-level adapter the core uses to reach
// bridges. The bridge control protocol has no fixed wire schema at this
// layer, so rather than hand-write generated-looking stubs, requests are
// carried as JSON payloads over a plain gRPC invoke; the codec below is
// what lets google.golang.org/grpc carry them without a generated stub.
package transport

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const jsonCodecName = "cascadefocus-json"

// jsonCodec implements grpc/encoding.Codec by marshaling through
// encoding/json instead of protobuf wire format.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transport: unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
