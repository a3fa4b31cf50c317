package wire

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// Codec converts a layer's float64 values to wire bytes and back. The same
// codec must be configured on every rank; the receiver always knows the
// expected element count from the layer index.
type Codec interface {
	Encode(values []float64) ([]byte, error)
	Decode(payload []byte) ([]float64, error)
	Name() string
}

// Raw sends the little-endian float64 array unchanged.
type Raw struct{}

func (Raw) Encode(values []float64) ([]byte, error) {
	return EncodeFloats(values), nil
}

func (Raw) Decode(payload []byte) ([]float64, error) {
	return DecodeFloats(payload)
}

func (Raw) Name() string { return "raw" }

// Deflate wraps the raw encoding in a DEFLATE stream. Gradients are dense
// and high-entropy, so this mostly pays off for sparse or coded layers.
type Deflate struct{}

func (Deflate) Encode(values []float64) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(EncodeFloats(values)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Deflate) Decode(payload []byte) ([]float64, error) {
	r := flate.NewReader(bytes.NewReader(payload))
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("inflate gradient payload: %w", err)
	}
	return DecodeFloats(raw)
}

func (Deflate) Name() string { return "deflate" }
