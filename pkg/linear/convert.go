package linear

import (
	"fmt"
	"math"

	"github.com/conneroisu/flop/pkg/hardconcrete"
	"gonum.org/v1/gonum/mat"
)

// Factorize replaces l by its best rank-r approximation, written as a ProjectedLinear.
//
// With W = U S V^T the projection is sqrt(S_r) V_r^T and the expansion is U_r sqrt(S_r),
// so both halves carry the same scale. The bias moves to the expansion.
func Factorize(l *Linear, rank int) (*ProjectedLinear, error) {
	if rank <= 0 || rank > min(l.In, l.Out) {
		return nil, fmt.Errorf("%w: %d for a %dx%d weight", ErrRank, rank, l.Out, l.In)
	}
	w := mat.NewDense(l.Out, l.In, nil)
	for o := 0; o < l.Out; o++ {
		for i := 0; i < l.In; i++ {
			w.Set(o, i, float64(l.Weight[o*l.In+i]))
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(w, mat.SVDThin); !ok {
		return nil, fmt.Errorf("linear: svd of %dx%d weight did not converge", l.Out, l.In)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	proj := make([]float32, rank*l.In)
	expand := make([]float32, l.Out*rank)
	for r := 0; r < rank; r++ {
		scale := math.Sqrt(values[r])
		for i := 0; i < l.In; i++ {
			proj[r*l.In+i] = float32(scale * v.At(i, r))
		}
		for o := 0; o < l.Out; o++ {
			expand[o*rank+r] = float32(scale * u.At(o, r))
		}
	}
	var bias []float32
	if l.Bias != nil {
		bias = append([]float32(nil), l.Bias...)
	}
	return &ProjectedLinear{
		Proj:   newLinear(l.In, rank, proj, nil),
		Expand: newLinear(rank, l.Out, expand, bias),
	}, nil
}

// MakeHardConcrete wraps a Linear (column gates) or a ProjectedLinear (bottleneck gates)
// with a hard concrete gate. Already gated layers are returned unchanged.
func MakeHardConcrete(layer Layer, cfg hardconcrete.Config) (Gated, error) {
	switch l := layer.(type) {
	case Gated:
		return l, nil
	case *Linear:
		return NewHardConcrete(l, ScopeColumns, cfg)
	case *ProjectedLinear:
		return NewHardConcreteProjected(l, cfg)
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupported, layer)
}

// Compress compresses gated layers and returns any other layer unchanged.
func Compress(layer Layer) (Layer, error) {
	if g, ok := layer.(Gated); ok {
		return g.Compress()
	}
	return layer, nil
}
