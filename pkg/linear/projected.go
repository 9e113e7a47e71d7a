package linear

import (
	"fmt"

	"github.com/conneroisu/flop/pkg/torch"
)

// ProjectedLinear factors a linear map through a rank-r bottleneck:
// x -> Proj (In -> Rank, no bias) -> Expand (Rank -> Out).
type ProjectedLinear struct {
	Proj   *Linear
	Expand *Linear
}

// NewProjected creates a ProjectedLinear with weights drawn from Normal(0, std).
func NewProjected(in, rank, out int, bias bool, std float32, seed uint64) (*ProjectedLinear, error) {
	if rank <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrRank, rank)
	}
	return &ProjectedLinear{
		Proj:   New(in, rank, false, std, seed),
		Expand: New(rank, out, bias, std, seed+1),
	}, nil
}

// Rank is the width of the bottleneck.
func (p *ProjectedLinear) Rank() int { return p.Proj.Out }

// InFeatures implements Layer.
func (p *ProjectedLinear) InFeatures() int { return p.Proj.In }

// OutFeatures implements Layer.
func (p *ProjectedLinear) OutFeatures() int { return p.Expand.Out }

// NumParameters implements Layer.
func (p *ProjectedLinear) NumParameters() int {
	return p.Proj.NumParameters() + p.Expand.NumParameters()
}

// Forward implements Layer.
func (p *ProjectedLinear) Forward(x *torch.Tensor, train bool) (*torch.Tensor, error) {
	h, err := p.Proj.Forward(x, train)
	if err != nil {
		return nil, err
	}
	return p.Expand.Forward(h, train)
}
