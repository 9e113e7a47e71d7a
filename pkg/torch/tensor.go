package torch

import (
	"errors"
	"fmt"
)

// ErrShape is returned when data and dimensions disagree.
var ErrShape = errors.New("torch: shape mismatch")

// Tensor is a wrapper around a slice of float32 values and a list of dimensions.
//
// Data is stored row-major; the last dimension is the feature dimension every layer
// in this module operates on.
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a zero-filled tensor with the given dimensions.
func NewTensor(dims ...int) *Tensor {
	s := numel(dims)
	return &Tensor{
		Data:  make([]float32, s),
		Shape: append([]int(nil), dims...),
	}
}

// FromData wraps data with the given dimensions without copying.
func FromData(data []float32, dims ...int) (*Tensor, error) {
	s := numel(dims)
	if s != len(data) {
		return nil, fmt.Errorf("%w: %d values for dims %v", ErrShape, len(data), dims)
	}
	return &Tensor{
		Data:  data,
		Shape: append([]int(nil), dims...),
	}, nil
}

// Cols is the size of the last dimension.
func (t *Tensor) Cols() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[len(t.Shape)-1]
}

// Rows is the product of every dimension except the last one.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return numel(t.Shape[:len(t.Shape)-1])
}

// Row returns the i-th row of the flattened (Rows, Cols) view.
func (t *Tensor) Row(i int) []float32 {
	c := t.Cols()
	return t.Data[i*c : i*c+c]
}

// Reshape returns a tensor sharing the same data with new dimensions.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	return FromData(t.Data, dims...)
}

// WithCols returns a zero tensor with the same leading dimensions and a new last dimension.
func (t *Tensor) WithCols(cols int) *Tensor {
	dims := append([]int(nil), t.Shape...)
	if len(dims) == 0 {
		dims = []int{1}
	}
	dims[len(dims)-1] = cols
	return NewTensor(dims...)
}

func numel(dims []int) int {
	s := 1
	for _, d := range dims {
		if d < 0 {
			panic(fmt.Sprintf("torch: negative dimension in %v", dims))
		}
		s *= d
	}
	return s
}
