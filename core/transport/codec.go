// Package transport exposes a node's tier policy store and data mover to
// clients over gRPC, and provides the client side used by the read
// coordinator.
package transport

import (
	"encoding/json"
	"fmt"
)

// codecName is registered nowhere; both ends force the codec explicitly.
const codecName = "hvac-json"

// Codec carries the plain Go request and response structs as JSON.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return b, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %T: %w", v, err)
	}
	return nil
}

func (Codec) Name() string { return codecName }
