package agent

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// The tutor runtime speaks JSON-framed gRPC (content-subtype "json"), so the
// client registers a codec instead of carrying generated protobuf stubs.
const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
