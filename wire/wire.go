// Package wire defines the on-the-wire encoding shared by the coordinator
// and the workers: step counters as signed 64-bit integers and layer
// payloads as contiguous little-endian float64 arrays. Shapes are never on
// the wire; both sides derive them from the layer index.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

const StepSize = 8

func EncodeStep(step int64) []byte {
	buf := make([]byte, StepSize)
	binary.LittleEndian.PutUint64(buf, uint64(step))
	return buf
}

func DecodeStep(buf []byte) (int64, error) {
	if len(buf) != StepSize {
		return 0, fmt.Errorf("step message must be %d bytes, got %d", StepSize, len(buf))
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

func EncodeFloats(values []float64) []byte {
	buf := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func DecodeFloats(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("float payload length %d is not a multiple of 8", len(buf))
	}
	values := make([]float64, len(buf)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return values, nil
}

// Interleave flattens complex values as re,im pairs so that coded layer
// payloads travel through the same float64 framing as plain gradients.
func Interleave(values []complex128) []float64 {
	out := make([]float64, 2*len(values))
	for i, v := range values {
		out[2*i] = real(v)
		out[2*i+1] = imag(v)
	}
	return out
}

func Deinterleave(values []float64) ([]complex128, error) {
	if len(values)%2 != 0 {
		return nil, fmt.Errorf("interleaved payload length %d is odd", len(values))
	}
	out := make([]complex128, len(values)/2)
	for i := range out {
		out[i] = complex(values[2*i], values[2*i+1])
	}
	return out, nil
}
