package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// bytesPerComponent is the encoded size of one float32 vector component.
const bytesPerComponent = 4

// EncodeVector packs a vector as little-endian float32 values.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*bytesPerComponent)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*bytesPerComponent:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks a little-endian float32 vector.
// The blob length must be a multiple of four bytes.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%bytesPerComponent != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of %d", len(b), bytesPerComponent)
	}
	v := make([]float32, len(b)/bytesPerComponent)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*bytesPerComponent:]))
	}
	return v, nil
}
