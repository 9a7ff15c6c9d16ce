// Package serialization converts envelopes to and from the frames written on
// agent transports.
//
// Codecs:
//   - JSON: the default, readable by any agent runtime
//   - CBOR: compact binary encoding for high-volume agents
//   - Compressed: wraps another codec with zstd for large payloads
//
// Codecs are looked up by name through a Registry so that the wire format can
// be chosen from configuration ("json", "cbor", "json+zstd", "cbor+zstd").
package serialization
