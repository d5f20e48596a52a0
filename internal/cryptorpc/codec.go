package cryptorpc

import (
	"encoding/json"
	"fmt"
)

// jsonCodec marshals request and response messages as JSON. It is passed per
// call via grpc.ForceCodec so the default proto codec stays untouched for any
// other client sharing the process.
type jsonCodec struct{}

// Name identifies the codec in the gRPC content-subtype ("application/grpc+json").
func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec: marshal %T: %w", v, err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec: unmarshal into %T: %w", v, err)
	}
	return nil
}
