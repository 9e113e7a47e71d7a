// Package linear provides linear layers with prunable structure: a plain affine map, a
// low-rank projected variant, a column-sparse compressed form and hard concrete gated
// versions of the first two.
package linear

import (
	"errors"
	"fmt"

	"github.com/conneroisu/flop/pkg/hardconcrete"
	"github.com/conneroisu/flop/pkg/torch"
	"golang.org/x/exp/rand"
)

var (
	// ErrShapeMismatch is returned when an input's last dimension does not match the layer.
	ErrShapeMismatch = errors.New("linear: shape mismatch")
	// ErrRank is returned for a projection rank outside [1, min(in, out)].
	ErrRank = errors.New("linear: invalid rank")
	// ErrUnsupported is returned when a layer type cannot be converted.
	ErrUnsupported = errors.New("linear: unsupported layer")
)

// Layer is a linear transform over the last dimension of its input.
type Layer interface {
	// Forward applies the layer. train selects stochastic gates on gated layers and is
	// ignored otherwise.
	Forward(x *torch.Tensor, train bool) (*torch.Tensor, error)
	// InFeatures is the expected size of the input's last dimension.
	InFeatures() int
	// OutFeatures is the size of the output's last dimension.
	OutFeatures() int
	// NumParameters counts weights and biases, excluding gate parameters.
	NumParameters() int
}

// Gated is a Layer whose structure is controlled by a hard concrete gate.
type Gated interface {
	Layer
	// Mask returns the gate's distribution.
	Mask() *hardconcrete.HardConcrete
	// L0Norm is the expected number of open gates.
	L0Norm() float32
	// NumPrunable is the number of parameters the gates can remove.
	NumPrunable() int
	// Compress removes every deterministically closed unit and returns the smaller,
	// ungated layer. The result is not connected to the receiver's gate.
	Compress() (Layer, error)
}

var (
	_ Layer = (*Linear)(nil)
	_ Layer = (*ProjectedLinear)(nil)
	_ Layer = (*ColumnSparseLinear)(nil)
	_ Gated = (*HardConcreteLinear)(nil)
	_ Gated = (*HardConcreteProjectedLinear)(nil)
)

// Linear computes x @ Weight^T + Bias.
type Linear struct {
	In, Out int
	// Weight is (Out, In), one row per output channel.
	Weight []float32
	// Bias is (Out) or nil.
	Bias []float32

	WeightGrad []float32
	BiasGrad   []float32
}

// New creates a Linear with weights drawn from Normal(0, std).
func New(in, out int, bias bool, std float32, seed uint64) *Linear {
	l := newLinear(in, out, make([]float32, out*in), nil)
	torch.NormalInit(l.Weight, std, rand.NewSource(seed))
	if bias {
		l.Bias = make([]float32, out)
		l.BiasGrad = make([]float32, out)
	}
	return l
}

// FromWeights wraps existing weights. bias may be nil.
func FromWeights(in, out int, weight, bias []float32) (*Linear, error) {
	if len(weight) != in*out {
		return nil, fmt.Errorf("%w: weight has %d values, want %d", ErrShapeMismatch, len(weight), in*out)
	}
	if bias != nil && len(bias) != out {
		return nil, fmt.Errorf("%w: bias has %d values, want %d", ErrShapeMismatch, len(bias), out)
	}
	return newLinear(in, out, weight, bias), nil
}

func newLinear(in, out int, weight, bias []float32) *Linear {
	l := &Linear{
		In:         in,
		Out:        out,
		Weight:     weight,
		Bias:       bias,
		WeightGrad: make([]float32, len(weight)),
	}
	if bias != nil {
		l.BiasGrad = make([]float32, len(bias))
	}
	return l
}

// InFeatures implements Layer.
func (l *Linear) InFeatures() int { return l.In }

// OutFeatures implements Layer.
func (l *Linear) OutFeatures() int { return l.Out }

// NumParameters implements Layer.
func (l *Linear) NumParameters() int { return len(l.Weight) + len(l.Bias) }

// Forward implements Layer.
func (l *Linear) Forward(x *torch.Tensor, _ bool) (*torch.Tensor, error) {
	if err := checkInput(x, l.In); err != nil {
		return nil, err
	}
	return matmul(x, l.Weight, l.Bias, l.Out), nil
}

// Backward accumulates weight and bias gradients for the forward call on x and returns
// the gradient with respect to x.
func (l *Linear) Backward(x, dout *torch.Tensor) *torch.Tensor {
	dinp := x.WithCols(l.In)
	torch.MatmulBackward(dinp.Data, l.WeightGrad, l.BiasGrad, dout.Data, x.Data, l.Weight, x.Rows(), l.In, l.Out)
	return dinp
}

// ZeroGrad resets the accumulated gradients.
func (l *Linear) ZeroGrad() {
	clear(l.WeightGrad)
	clear(l.BiasGrad)
}

func checkInput(x *torch.Tensor, in int) error {
	if x.Cols() != in {
		return fmt.Errorf("%w: input has %d features, layer expects %d", ErrShapeMismatch, x.Cols(), in)
	}
	return nil
}

func matmul(x *torch.Tensor, weight, bias []float32, out int) *torch.Tensor {
	y := x.WithCols(out)
	torch.MatmulForward(y.Data, x.Data, weight, bias, x.Rows(), x.Cols(), out)
	return y
}
