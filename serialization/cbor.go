package serialization

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/unidel2035/agentbus/contracts"
)

// CBORCodec implements Codec using CBOR (RFC 8949).
// Struct fields are keyed by their json tags so both codecs share one schema.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORCodec creates a CBOR codec
func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.EncOptions{
		Time: cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encode mode: %w", err)
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decode mode: %w", err)
	}

	return &CBORCodec{enc: enc, dec: dec}, nil
}

// Name implements Codec
func (c *CBORCodec) Name() string {
	return "cbor"
}

// Encode implements Codec
func (c *CBORCodec) Encode(env *contracts.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", contracts.ErrInvalidEnvelope)
	}
	data, err := c.enc.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: cbor encode: %v", contracts.ErrInvalidEnvelope, err)
	}
	return data, nil
}

// Decode implements Codec
func (c *CBORCodec) Decode(data []byte) (*contracts.Envelope, error) {
	var env contracts.Envelope
	if err := c.dec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: cbor decode: %v", contracts.ErrInvalidEnvelope, err)
	}
	return &env, nil
}
