package aggregate

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Mean sums gradients as they arrive and divides by the expected
// contributor count. Not robust: one corrupted gradient moves the result
// arbitrarily.
type Mean struct {
	lens     []int
	expected float64
	sums     [][]float64
}

// NewMean aggregates into one running sum per layer. expected is the
// divisor E, normally the worker count.
func NewMean(lens []int, expected int) *Mean {
	sums := make([][]float64, len(lens))
	for l, n := range lens {
		sums[l] = make([]float64, n)
	}
	return &Mean{lens: append([]int{}, lens...), expected: float64(expected), sums: sums}
}

func (m *Mean) Ingest(layer, worker int, payload []float64) error {
	if len(payload) != m.lens[layer] {
		return fmt.Errorf("layer %d payload has %d elements, want %d", layer, len(payload), m.lens[layer])
	}
	floats.Add(m.sums[layer], payload)
	return nil
}

func (m *Mean) Reduce() ([][]float64, error) {
	out := make([][]float64, len(m.sums))
	for l, sum := range m.sums {
		avg := append([]float64{}, sum...)
		floats.Scale(1/m.expected, avg)
		out[l] = avg
	}
	return out, nil
}

func (m *Mean) Reset() {
	for _, sum := range m.sums {
		for i := range sum {
			sum[i] = 0
		}
	}
}
