package engine

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"github.com/muchq/gradhub/tensor"
)

// Linear is the reference gradient engine: least-squares regression with
// a single weight layer. Gradients are exact and deterministic, which is
// what the protocol tests need, and the synthetic constructor gives the
// binary something real to descend on.
type Linear struct {
	features int
	xs       [][]float64
	ys       []float64
	init     []float64
}

// NewLinear builds an engine over an explicit dataset. Each xs row must
// have the same width; init is the starting weight vector (zeros when
// nil).
func NewLinear(xs [][]float64, ys []float64, init []float64) (*Linear, error) {
	if len(xs) == 0 || len(xs) != len(ys) {
		return nil, fmt.Errorf("dataset has %d rows and %d targets", len(xs), len(ys))
	}
	features := len(xs[0])
	for i, row := range xs {
		if len(row) != features {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), features)
		}
	}
	if init == nil {
		init = make([]float64, features)
	}
	if len(init) != features {
		return nil, fmt.Errorf("init has %d weights, want %d", len(init), features)
	}
	return &Linear{features: features, xs: xs, ys: ys, init: append([]float64{}, init...)}, nil
}

// NewSyntheticLinear generates a reproducible regression problem: random
// inputs, a hidden weight vector, and noiseless targets.
func NewSyntheticLinear(samples, features int, seed int64) *Linear {
	rng := rand.New(rand.NewSource(seed))
	hidden := make([]float64, features)
	for i := range hidden {
		hidden[i] = rng.NormFloat64()
	}
	xs := make([][]float64, samples)
	ys := make([]float64, samples)
	for i := range xs {
		row := make([]float64, features)
		for j := range row {
			row[j] = rng.NormFloat64()
		}
		xs[i] = row
		ys[i] = floats.Dot(row, hidden)
	}
	eng, _ := NewLinear(xs, ys, nil)
	return eng
}

func (l *Linear) Samples() int { return len(l.xs) }

func (l *Linear) Shapes() [][]int { return [][]int{{l.features}} }

func (l *Linear) Frozen() []bool { return []bool{false} }

func (l *Linear) InitParams() []*tensor.Tensor {
	return []*tensor.Tensor{tensor.FromData(l.init, l.features)}
}

// Compute returns the gradient of half the mean squared error over rows
// [Lo, Hi), i.e. the mean of residual·x, indices taken modulo the
// dataset size.
func (l *Linear) Compute(params []*tensor.Tensor, b Batch) ([]*tensor.Tensor, error) {
	if len(params) != 1 || params[0].Size() != l.features {
		return nil, fmt.Errorf("expected one weight layer of %d features", l.features)
	}
	if b.Hi <= b.Lo {
		return nil, fmt.Errorf("empty batch [%d, %d)", b.Lo, b.Hi)
	}
	w := params[0].Data
	grad := make([]float64, l.features)
	count := 0
	for i := b.Lo; i < b.Hi; i++ {
		row := l.xs[((i%len(l.xs))+len(l.xs))%len(l.xs)]
		residual := floats.Dot(row, w) - l.ys[((i%len(l.ys))+len(l.ys))%len(l.ys)]
		floats.AddScaled(grad, residual, row)
		count++
	}
	floats.Scale(1/float64(count), grad)
	return []*tensor.Tensor{tensor.FromData(grad, l.features)}, nil
}

// Evaluate reports the mean squared error over the whole dataset.
func (l *Linear) Evaluate(params []*tensor.Tensor) (float64, error) {
	if len(params) != 1 || params[0].Size() != l.features {
		return 0, fmt.Errorf("expected one weight layer of %d features", l.features)
	}
	w := params[0].Data
	total := 0.0
	for i, row := range l.xs {
		r := floats.Dot(row, w) - l.ys[i]
		total += r * r
	}
	return total / float64(len(l.xs)), nil
}
