package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense float64 tensor stored in row-major order.
type Tensor struct {
	Data  []float64
	Shape []int
}

func New(shape ...int) *Tensor {
	return &Tensor{
		Data:  make([]float64, SizeOf(shape)),
		Shape: append([]int{}, shape...),
	}
}

func FromData(data []float64, shape ...int) *Tensor {
	t := New(shape...)
	copy(t.Data, data)
	return t
}

// SizeOf returns the element count of a shape.
func SizeOf(shape []int) int {
	size := 1
	for _, s := range shape {
		size *= s
	}
	return size
}

func (t *Tensor) Size() int {
	return len(t.Data)
}

func (t *Tensor) Copy() *Tensor {
	newData := make([]float64, len(t.Data))
	copy(newData, t.Data)
	return &Tensor{
		Data:  newData,
		Shape: append([]int{}, t.Shape...),
	}
}

// Zero resets every element in place.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

func (t *Tensor) Add(other *Tensor) *Tensor {
	if !ShapeEqual(t.Shape, other.Shape) {
		panic(fmt.Sprintf("shapes must match for addition: %v and %v", t.Shape, other.Shape))
	}
	result := t.Copy()
	floats.Add(result.Data, other.Data)
	return result
}

func (t *Tensor) Sub(other *Tensor) *Tensor {
	if !ShapeEqual(t.Shape, other.Shape) {
		panic(fmt.Sprintf("shapes must match for subtraction: %v and %v", t.Shape, other.Shape))
	}
	result := t.Copy()
	floats.Sub(result.Data, other.Data)
	return result
}

func (t *Tensor) Scale(scalar float64) *Tensor {
	result := t.Copy()
	floats.Scale(scalar, result.Data)
	return result
}

func (t *Tensor) Reshape(shape ...int) *Tensor {
	if SizeOf(shape) != len(t.Data) {
		panic(fmt.Sprintf("cannot reshape tensor of size %d to shape %v", len(t.Data), shape))
	}
	return FromData(t.Data, shape...)
}

// Equal reports exact elementwise equality. Aggregation relies on
// bit-identical replicas, so there is no tolerance here.
func (t *Tensor) Equal(other *Tensor) bool {
	return ShapeEqual(t.Shape, other.Shape) && floats.Equal(t.Data, other.Data)
}

func (t *Tensor) Norm() float64 {
	return floats.Norm(t.Data, 2)
}

func ShapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Zeros allocates a zeroed tensor per shape, one per entry.
func Zeros(shapes [][]int) []*Tensor {
	out := make([]*Tensor, len(shapes))
	for i, s := range shapes {
		out[i] = New(s...)
	}
	return out
}
