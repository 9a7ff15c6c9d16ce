package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/unidel2035/agentbus/contracts"
)

// Codec encodes envelopes into transport frames and back
type Codec interface {
	// Name returns the registry name of the codec
	Name() string

	// Encode serializes an envelope into a single frame
	Encode(env *contracts.Envelope) ([]byte, error)

	// Decode parses a frame into an envelope
	Decode(data []byte) (*contracts.Envelope, error)
}

// JSONCodec implements Codec using JSON
type JSONCodec struct{}

// NewJSONCodec creates a JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Name implements Codec
func (c *JSONCodec) Name() string {
	return "json"
}

// Encode implements Codec
func (c *JSONCodec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", contracts.ErrInvalidEnvelope)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: json encode: %v", contracts.ErrInvalidEnvelope, err)
	}
	return data, nil
}

// Decode implements Codec
func (c *JSONCodec) Decode(data []byte) (*contracts.Envelope, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: json decode: %v", contracts.ErrInvalidEnvelope, err)
	}
	return &env, nil
}
