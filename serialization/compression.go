package serialization

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/unidel2035/agentbus/contracts"
)

// DefaultMaxDecodedSize bounds a decompressed frame for the built-in
// compressed codecs
const DefaultMaxDecodedSize = 4 << 20

// CompressedCodec wraps another codec and zstd-compresses its frames.
// EncodeAll and DecodeAll are safe for concurrent use, so one instance
// serves every connection.
type CompressedCodec struct {
	inner      Codec
	enc        *zstd.Encoder
	dec        *zstd.Decoder
	maxDecoded uint64
}

// NewCompressedCodec wraps inner with zstd at the given level. Frames that
// decompress to more than maxDecodedSize bytes are rejected with
// contracts.ErrInvalidEnvelope.
func NewCompressedCodec(inner Codec, level zstd.EncoderLevel, maxDecodedSize uint64) (*CompressedCodec, error) {
	if inner == nil {
		return nil, fmt.Errorf("inner codec cannot be nil")
	}
	if maxDecodedSize == 0 {
		return nil, fmt.Errorf("max decoded size must be positive")
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &CompressedCodec{inner: inner, enc: enc, dec: dec, maxDecoded: maxDecodedSize}, nil
}

// Name implements Codec
func (c *CompressedCodec) Name() string {
	return c.inner.Name() + "+zstd"
}

// Encode implements Codec
func (c *CompressedCodec) Encode(env *contracts.Envelope) ([]byte, error) {
	data, err := c.inner.Encode(env)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// Decode implements Codec
func (c *CompressedCodec) Decode(data []byte) (*contracts.Envelope, error) {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", contracts.ErrInvalidEnvelope, err)
	}
	if uint64(len(raw)) > c.maxDecoded {
		return nil, fmt.Errorf("%w: zstd: decoded frame exceeds %d bytes", contracts.ErrInvalidEnvelope, c.maxDecoded)
	}
	return c.inner.Decode(raw)
}

// Close releases the encoder and decoder resources
func (c *CompressedCodec) Close() {
	c.enc.Close()
	c.dec.Close()
}
