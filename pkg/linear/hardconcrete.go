package linear

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/conneroisu/flop/pkg/hardconcrete"
	"github.com/conneroisu/flop/pkg/torch"
)

// Scope selects what a HardConcreteLinear gates.
type Scope int

const (
	// ScopeColumns uses one gate per output column (neuron pruning).
	ScopeColumns Scope = iota
	// ScopeElements uses one gate per weight (element pruning).
	ScopeElements
)

func (s Scope) String() string {
	switch s {
	case ScopeColumns:
		return "columns"
	case ScopeElements:
		return "elements"
	}
	return fmt.Sprintf("Scope(%d)", int(s))
}

// Trace keeps what a gated forward pass needs for its backward pass.
type Trace struct {
	input  *torch.Tensor
	hidden *torch.Tensor
	gated  *torch.Tensor
	weight []float32
	gate   *hardconcrete.Gate
}

// Gate returns the gate values used by the traced forward call.
func (t *Trace) Gate() []float32 { return t.gate.Z }

// HardConcreteLinear multiplies the weight of a Linear by hard concrete gates before
// applying the bias.
type HardConcreteLinear struct {
	Linear *Linear
	Scope  Scope

	mask *hardconcrete.HardConcrete
}

// NewHardConcrete gates l. The gate has l.Out units for ScopeColumns and l.Out*l.In
// units for ScopeElements.
func NewHardConcrete(l *Linear, scope Scope, cfg hardconcrete.Config) (*HardConcreteLinear, error) {
	n := l.Out
	if scope == ScopeElements {
		n *= l.In
	}
	mask, err := hardconcrete.New(n, cfg)
	if err != nil {
		return nil, err
	}
	return &HardConcreteLinear{Linear: l, Scope: scope, mask: mask}, nil
}

// Mask implements Gated.
func (h *HardConcreteLinear) Mask() *hardconcrete.HardConcrete { return h.mask }

// L0Norm implements Gated.
func (h *HardConcreteLinear) L0Norm() float32 { return h.mask.L0Norm() }

// NumPrunable implements Gated.
func (h *HardConcreteLinear) NumPrunable() int { return len(h.Linear.Weight) }

// InFeatures implements Layer.
func (h *HardConcreteLinear) InFeatures() int { return h.Linear.In }

// OutFeatures implements Layer.
func (h *HardConcreteLinear) OutFeatures() int { return h.Linear.Out }

// NumParameters implements Layer.
func (h *HardConcreteLinear) NumParameters() int { return h.Linear.NumParameters() }

// Forward implements Layer.
func (h *HardConcreteLinear) Forward(x *torch.Tensor, train bool) (*torch.Tensor, error) {
	y, _, err := h.ForwardTrace(x, train)
	return y, err
}

// ForwardTrace is Forward that also returns the state needed by Backward.
func (h *HardConcreteLinear) ForwardTrace(x *torch.Tensor, train bool) (*torch.Tensor, *Trace, error) {
	if err := checkInput(x, h.Linear.In); err != nil {
		return nil, nil, err
	}
	gate := h.mask.Sample(train)
	weight := h.gatedWeight(gate.Z)
	tr := &Trace{input: x, weight: weight, gate: gate}
	return matmul(x, weight, h.Linear.Bias, h.Linear.Out), tr, nil
}

// Backward accumulates gradients for the weight, bias and log-alpha and returns the
// gradient with respect to the traced input.
func (h *HardConcreteLinear) Backward(tr *Trace, dout *torch.Tensor) *torch.Tensor {
	l := h.Linear
	x := tr.input
	dinp := x.WithCols(l.In)
	dweight := make([]float32, len(l.Weight))
	torch.MatmulBackward(dinp.Data, dweight, l.BiasGrad, dout.Data, x.Data, tr.weight, x.Rows(), l.In, l.Out)

	z := tr.gate.Z
	dz := make([]float32, len(z))
	for o := 0; o < l.Out; o++ {
		for i := 0; i < l.In; i++ {
			k := o*l.In + i
			g := z[o]
			if h.Scope == ScopeElements {
				g = z[k]
				dz[k] = dweight[k] * l.Weight[k]
			} else {
				dz[o] += dweight[k] * l.Weight[k]
			}
			l.WeightGrad[k] += dweight[k] * g
		}
	}
	tr.gate.Backward(dz, h.mask.Grad)
	return dinp
}

// Compress keeps the columns whose deterministic gate is positive, folds the gate values
// into their weights and returns a ColumnSparseLinear. With ScopeElements a column is
// kept if any of its gated weights is non-zero.
//
// Compressing before the gates have settled near 0 or 1 discards partially used columns.
func (h *HardConcreteLinear) Compress() (Layer, error) {
	l := h.Linear
	weight := h.gatedWeight(h.mask.Sample(false).Z)
	var indices []int
	var kept []float32
	for o := 0; o < l.Out; o++ {
		row := weight[o*l.In : (o+1)*l.In]
		for _, w := range row {
			if w != 0 {
				indices = append(indices, o)
				kept = append(kept, row...)
				break
			}
		}
	}
	var bias []float32
	if l.Bias != nil {
		bias = append([]float32(nil), l.Bias...)
	}
	log.Debug("compressed hard concrete linear",
		"scope", h.Scope,
		"kept", len(indices),
		"out", l.Out,
	)
	return NewColumnSparse(l.In, l.Out, indices, kept, bias)
}

// ZeroGrad resets weight, bias and log-alpha gradients.
func (h *HardConcreteLinear) ZeroGrad() {
	h.Linear.ZeroGrad()
	h.mask.ZeroGrad()
}

func (h *HardConcreteLinear) gatedWeight(z []float32) []float32 {
	l := h.Linear
	weight := make([]float32, len(l.Weight))
	for k, w := range l.Weight {
		if h.Scope == ScopeElements {
			weight[k] = w * z[k]
		} else {
			weight[k] = w * z[k/l.In]
		}
	}
	return weight
}

// HardConcreteProjectedLinear gates the bottleneck dimensions of a ProjectedLinear:
// out = Expand((x @ Proj^T) * z).
type HardConcreteProjectedLinear struct {
	Proj   *Linear
	Expand *Linear

	mask *hardconcrete.HardConcrete
}

// NewHardConcreteProjected gates the Rank dimensions of p.
func NewHardConcreteProjected(p *ProjectedLinear, cfg hardconcrete.Config) (*HardConcreteProjectedLinear, error) {
	mask, err := hardconcrete.New(p.Rank(), cfg)
	if err != nil {
		return nil, err
	}
	return &HardConcreteProjectedLinear{Proj: p.Proj, Expand: p.Expand, mask: mask}, nil
}

// Mask implements Gated.
func (h *HardConcreteProjectedLinear) Mask() *hardconcrete.HardConcrete { return h.mask }

// L0Norm implements Gated.
func (h *HardConcreteProjectedLinear) L0Norm() float32 { return h.mask.L0Norm() }

// NumPrunable implements Gated.
func (h *HardConcreteProjectedLinear) NumPrunable() int {
	return h.Proj.Out * (h.Proj.In + h.Expand.Out)
}

// InFeatures implements Layer.
func (h *HardConcreteProjectedLinear) InFeatures() int { return h.Proj.In }

// OutFeatures implements Layer.
func (h *HardConcreteProjectedLinear) OutFeatures() int { return h.Expand.Out }

// NumParameters implements Layer.
func (h *HardConcreteProjectedLinear) NumParameters() int {
	return h.Proj.NumParameters() + h.Expand.NumParameters()
}

// Forward implements Layer.
func (h *HardConcreteProjectedLinear) Forward(x *torch.Tensor, train bool) (*torch.Tensor, error) {
	y, _, err := h.ForwardTrace(x, train)
	return y, err
}

// ForwardTrace is Forward that also returns the state needed by Backward.
func (h *HardConcreteProjectedLinear) ForwardTrace(x *torch.Tensor, train bool) (*torch.Tensor, *Trace, error) {
	hidden, err := h.Proj.Forward(x, train)
	if err != nil {
		return nil, nil, err
	}
	gate := h.mask.Sample(train)
	rank := h.Proj.Out
	gated := hidden.WithCols(rank)
	for k, v := range hidden.Data {
		gated.Data[k] = v * gate.Z[k%rank]
	}
	y, err := h.Expand.Forward(gated, train)
	if err != nil {
		return nil, nil, err
	}
	return y, &Trace{input: x, hidden: hidden, gated: gated, gate: gate}, nil
}

// Backward accumulates gradients for both projections and the log-alpha and returns the
// gradient with respect to the traced input.
func (h *HardConcreteProjectedLinear) Backward(tr *Trace, dout *torch.Tensor) *torch.Tensor {
	rank := h.Proj.Out
	dgated := h.Expand.Backward(tr.gated, dout)
	z := tr.gate.Z
	dz := make([]float32, rank)
	dhidden := dgated.WithCols(rank)
	for k, d := range dgated.Data {
		r := k % rank
		dz[r] += d * tr.hidden.Data[k]
		dhidden.Data[k] = d * z[r]
	}
	tr.gate.Backward(dz, h.mask.Grad)
	return h.Proj.Backward(tr.input, dhidden)
}

// Compress drops the bottleneck dimensions whose deterministic gate is zero, folds the
// remaining gate values into Proj and returns a ProjectedLinear. If every dimension is
// closed the result is a ColumnSparseLinear that only emits the bias.
func (h *HardConcreteProjectedLinear) Compress() (Layer, error) {
	z := h.mask.Sample(false).Z
	in, out, rank := h.Proj.In, h.Expand.Out, h.Proj.Out
	var keep []int
	for r, g := range z {
		if g > 0 {
			keep = append(keep, r)
		}
	}
	var bias []float32
	if h.Expand.Bias != nil {
		bias = append([]float32(nil), h.Expand.Bias...)
	}
	log.Debug("compressed hard concrete projection",
		"kept", len(keep),
		"rank", rank,
	)
	if len(keep) == 0 {
		return NewColumnSparse(in, out, nil, nil, bias)
	}
	proj := make([]float32, 0, len(keep)*in)
	for _, r := range keep {
		for _, w := range h.Proj.Weight[r*in : (r+1)*in] {
			proj = append(proj, w*z[r])
		}
	}
	expand := make([]float32, 0, out*len(keep))
	for o := 0; o < out; o++ {
		for _, r := range keep {
			expand = append(expand, h.Expand.Weight[o*rank+r])
		}
	}
	return &ProjectedLinear{
		Proj:   newLinear(in, len(keep), proj, nil),
		Expand: newLinear(len(keep), out, expand, bias),
	}, nil
}

// ZeroGrad resets projection and log-alpha gradients.
func (h *HardConcreteProjectedLinear) ZeroGrad() {
	h.Proj.ZeroGrad()
	h.Expand.ZeroGrad()
	h.mask.ZeroGrad()
}
