package localstore

import (
	"encoding/binary"
	"math"
)

// encodeVector packs a []float32 into a little-endian byte slice for
// storage as a SQLite BLOB.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeVector unpacks a BLOB written by encodeVector back into a
// []float32 of length dim. A blob whose length disagrees with dim
// yields a nil slice rather than panicking, so a corrupted row trips
// isZeroVector instead of crashing the search path.
func decodeVector(buf []byte, dim int) []float32 {
	if dim <= 0 || len(buf) != 4*dim {
		return nil
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
