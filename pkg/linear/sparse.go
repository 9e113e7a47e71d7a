package linear

import (
	"fmt"

	"github.com/conneroisu/flop/pkg/torch"
)

// ColumnSparseLinear is a Linear that only stores the output columns listed in Indices.
// The remaining outputs are zero before the bias is added, so the output width is
// unchanged.
type ColumnSparseLinear struct {
	In, Out int
	// Indices are the kept output columns in ascending order.
	Indices []int
	// Weight is (len(Indices), In).
	Weight []float32
	// Bias is (Out) or nil.
	Bias []float32
}

// NewColumnSparse validates and wraps a compressed weight.
func NewColumnSparse(in, out int, indices []int, weight, bias []float32) (*ColumnSparseLinear, error) {
	if len(weight) != len(indices)*in {
		return nil, fmt.Errorf("%w: weight has %d values for %d columns of width %d",
			ErrShapeMismatch, len(weight), len(indices), in)
	}
	if bias != nil && len(bias) != out {
		return nil, fmt.Errorf("%w: bias has %d values, want %d", ErrShapeMismatch, len(bias), out)
	}
	prev := -1
	for _, idx := range indices {
		if idx <= prev || idx >= out {
			return nil, fmt.Errorf("%w: column index %d out of order or range", ErrShapeMismatch, idx)
		}
		prev = idx
	}
	return &ColumnSparseLinear{
		In:      in,
		Out:     out,
		Indices: indices,
		Weight:  weight,
		Bias:    bias,
	}, nil
}

// InFeatures implements Layer.
func (c *ColumnSparseLinear) InFeatures() int { return c.In }

// OutFeatures implements Layer.
func (c *ColumnSparseLinear) OutFeatures() int { return c.Out }

// NumParameters implements Layer.
func (c *ColumnSparseLinear) NumParameters() int { return len(c.Weight) + len(c.Bias) }

// Forward implements Layer.
func (c *ColumnSparseLinear) Forward(x *torch.Tensor, _ bool) (*torch.Tensor, error) {
	if err := checkInput(x, c.In); err != nil {
		return nil, err
	}
	n, k := x.Rows(), len(c.Indices)
	kept := make([]float32, n*k)
	torch.MatmulForward(kept, x.Data, c.Weight, nil, n, c.In, k)
	y := x.WithCols(c.Out)
	for row := 0; row < n; row++ {
		out := y.Row(row)
		if c.Bias != nil {
			copy(out, c.Bias)
		}
		for j, col := range c.Indices {
			out[col] += kept[row*k+j]
		}
	}
	return y, nil
}
