package engine

import "github.com/muchq/gradhub/tensor"

// Static is an engine for tests: shapes and initial parameters are fixed
// and gradients come from a caller-supplied function. The protocol suite
// uses it the way the clock package uses its test clock.
type Static struct {
	shapes [][]int
	frozen []bool
	init   []*tensor.Tensor
	fn     func(params []*tensor.Tensor, b Batch) []*tensor.Tensor
}

func NewStatic(init []*tensor.Tensor, frozen []bool, fn func(params []*tensor.Tensor, b Batch) []*tensor.Tensor) *Static {
	shapes := make([][]int, len(init))
	for i, p := range init {
		shapes[i] = append([]int{}, p.Shape...)
	}
	if frozen == nil {
		frozen = make([]bool, len(init))
	}
	return &Static{shapes: shapes, frozen: frozen, init: init, fn: fn}
}

// NewConstant returns a Static engine that always emits the same
// gradients regardless of parameters or batch.
func NewConstant(init []*tensor.Tensor, grads []*tensor.Tensor) *Static {
	return NewStatic(init, nil, func([]*tensor.Tensor, Batch) []*tensor.Tensor {
		out := make([]*tensor.Tensor, len(grads))
		for i, g := range grads {
			out[i] = g.Copy()
		}
		return out
	})
}

func (s *Static) Shapes() [][]int { return s.shapes }

func (s *Static) Frozen() []bool { return s.frozen }

func (s *Static) InitParams() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(s.init))
	for i, p := range s.init {
		out[i] = p.Copy()
	}
	return out
}

func (s *Static) Compute(params []*tensor.Tensor, b Batch) ([]*tensor.Tensor, error) {
	return s.fn(params, b), nil
}
