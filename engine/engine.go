// Package engine abstracts the gradient provider the workers call into.
// The training protocol treats it as a black box: given the current
// parameters and a batch descriptor it emits one gradient tensor per
// trainable layer.
package engine

import "github.com/muchq/gradhub/tensor"

// Batch identifies the sample range [Lo, Hi) a gradient is computed on.
// Seed carries the shuffling seed for flavours that re-shuffle per epoch;
// engines that do not shuffle ignore it.
type Batch struct {
	Lo   int
	Hi   int
	Seed int64
}

type Engine interface {
	// Shapes lists every layer of the parameter vector, frozen included.
	Shapes() [][]int

	// Frozen marks layers excluded from gradient exchange.
	Frozen() []bool

	// InitParams returns the initial parameter vector, one tensor per
	// layer. Every rank must produce the same values.
	InitParams() []*tensor.Tensor

	// Compute returns one gradient per trainable layer, in layer order.
	// params holds the trainable layers only.
	Compute(params []*tensor.Tensor, b Batch) ([]*tensor.Tensor, error)
}

// Evaluator is an optional capability: engines that can score the current
// parameters report a loss at checkpoint cadence.
type Evaluator interface {
	Evaluate(params []*tensor.Tensor) (float64, error)
}

// TrainableShapes filters an engine's layer shapes down to the ones that
// travel on the wire.
func TrainableShapes(e Engine) [][]int {
	shapes := e.Shapes()
	frozen := e.Frozen()
	var out [][]int
	for i, s := range shapes {
		if !frozen[i] {
			out = append(out, s)
		}
	}
	return out
}
