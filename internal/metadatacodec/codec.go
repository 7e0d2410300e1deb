// Package metadatacodec compresses per-record metadata so it fits inside
// the cloud store's size limits, and decompresses it back losslessly for
// keys that participate in correctness.
package metadatacodec

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/memoryd/engine/internal/memoryrecord"
)

// zeroTime forces gzip to omit the wall-clock mtime so identical logical
// content always compresses to identical bytes.
var zeroTime = time.Unix(0, 0).UTC()

// MaxEncodedBytes is the pre-sync size limit. A write whose encoded
// metadata reaches this size is refused by Validate before being enqueued,
// leaving headroom under the cloud's 10 KB per-record limit.
const MaxEncodedBytes = 9500

// ErrTooLarge is returned by Validate when encoded metadata is at or above
// MaxEncodedBytes.
var ErrTooLarge = errors.New("metadatacodec: encoded metadata exceeds pre-sync limit")

// debugOnlyKeys are stripped before encoding; they carry no correctness
// meaning and are regenerated locally if needed.
var debugOnlyKeys = map[string]bool{
	"quality_components": true,
	"debug_trace":        true,
}

// providerCodes maps quality_provider values to short tokens on the wire,
// and back on decode.
var providerCodes = map[string]string{
	"openai":    "ox",
	"anthropic": "gq",
	"gemini":    "gm",
	"internal":  "impl",
}

var providerCodesReverse = func() map[string]string {
	out := make(map[string]string, len(providerCodes))
	for k, v := range providerCodes {
		out[v] = k
	}
	return out
}()

// Encode compresses metadata into an opaque byte payload for the wire.
// encoding/json sorts map keys during marshal, and the gzip mtime field is
// pinned to zero, so encoding the same logical metadata twice always
// produces byte-identical output — this is what lets the drift scanner
// detect divergence by comparing encoded digests instead of full decodes.
func Encode(meta memoryrecord.Metadata) ([]byte, error) {
	stripped := make(memoryrecord.Metadata, len(meta))
	for k, v := range meta {
		if debugOnlyKeys[k] {
			continue
		}
		stripped[k] = v
	}

	if code, ok := stripped[memoryrecord.MetaQualityProvider].(string); ok {
		if short, ok := providerCodes[code]; ok {
			stripped[memoryrecord.MetaQualityProvider] = short
		}
	}

	raw, err := marshalDeterministic(stripped)
	if err != nil {
		return nil, fmt.Errorf("metadatacodec: marshal: %w", err)
	}

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("metadatacodec: gzip writer: %w", err)
	}
	// Disable the OS/mtime fields so identical input always produces
	// identical compressed output.
	gw.ModTime = zeroTime
	if _, err := gw.Write(raw); err != nil {
		return nil, fmt.Errorf("metadatacodec: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("metadatacodec: gzip close: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reverses Encode, restoring provider codes to their canonical
// values. Keys stripped by Encode (debug-only) are absent from the
// result; Decode(Encode(m)) == m holds only for non-stripped keys, per
// contract.
func Decode(data []byte) (memoryrecord.Metadata, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("metadatacodec: gzip reader: %w", err)
	}
	defer gr.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(gr); err != nil {
		return nil, fmt.Errorf("metadatacodec: gzip read: %w", err)
	}

	var meta memoryrecord.Metadata
	if err := json.Unmarshal(buf.Bytes(), &meta); err != nil {
		return nil, fmt.Errorf("metadatacodec: unmarshal: %w", err)
	}

	if code, ok := meta[memoryrecord.MetaQualityProvider].(string); ok {
		if full, ok := providerCodesReverse[code]; ok {
			meta[memoryrecord.MetaQualityProvider] = full
		}
	}

	return meta, nil
}

// Validate fails the write (the caller must not enqueue it) when encoded
// metadata reaches MaxEncodedBytes.
func Validate(meta memoryrecord.Metadata) error {
	encoded, err := Encode(meta)
	if err != nil {
		return err
	}
	if len(encoded) >= MaxEncodedBytes {
		return fmt.Errorf("%w: %d bytes >= %d", ErrTooLarge, len(encoded), MaxEncodedBytes)
	}
	return nil
}

// marshalDeterministic marshals a metadata map with sorted keys so that
// encoding the same logical content twice produces byte-identical JSON
// (Go's encoding/json already sorts map keys, but this is asserted via a
// dedicated helper so the guarantee is explicit and tested).
func marshalDeterministic(meta memoryrecord.Metadata) ([]byte, error) {
	return json.Marshal(meta)
}
