package adaptive

import (
	"fmt"

	"github.com/conneroisu/flop/pkg/torch"
	"golang.org/x/exp/rand"
)

// EmbeddingCluster owns the lookup table and projection of one vocabulary cluster.
type EmbeddingCluster struct {
	// Start and End bound the cluster's ids: [Start, End).
	Start, End int
	// Dim is the cluster's embedding width.
	Dim int
	// Table is (End-Start, Dim).
	Table []float32
	// Proj is (DProj, Dim) and maps an embedding to DProj.
	Proj []float32
}

// Embedding is the adaptive input embedding.
type Embedding struct {
	Clusters []EmbeddingCluster

	cfg   Config
	ends  []int
	scale float32
}

// NewEmbedding creates an Embedding with tables drawn from Normal(0, InitStd) and
// projections from Normal(0, ProjInitStd).
func NewEmbedding(cfg Config) (*Embedding, error) {
	ends, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	src := rand.NewSource(cfg.Seed)
	e := &Embedding{
		Clusters: make([]EmbeddingCluster, len(ends)-1),
		cfg:      cfg,
		ends:     ends,
		scale:    torch.Sqrt(float32(cfg.DProj)),
	}
	for i := range e.Clusters {
		c := EmbeddingCluster{
			Start: ends[i],
			End:   ends[i+1],
			Dim:   cfg.Dim(i),
		}
		c.Table = make([]float32, (c.End-c.Start)*c.Dim)
		c.Proj = make([]float32, cfg.DProj*c.Dim)
		torch.NormalInit(c.Table, cfg.InitStd, src)
		torch.NormalInit(c.Proj, cfg.ProjInitStd, src)
		e.Clusters[i] = c
	}
	return e, nil
}

// Config returns the configuration the embedding was built with.
func (e *Embedding) Config() Config { return e.cfg }

// NumParameters counts table and projection weights.
func (e *Embedding) NumParameters() int {
	var n int
	for _, c := range e.Clusters {
		n += len(c.Table) + len(c.Proj)
	}
	return n
}

// Forward embeds ids laid out with the given dimensions (a flat list when dims is empty)
// and returns a tensor of shape dims + [DProj] scaled by sqrt(DProj).
//
// Ids outside [0, NToken) are not checked; their rows are zero. Use Config.ValidateIDs
// when that matters.
func (e *Embedding) Forward(ids []int32, dims ...int) (*torch.Tensor, error) {
	if len(dims) == 0 {
		dims = []int{len(ids)}
	}
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != len(ids) {
		return nil, fmt.Errorf("%w: %d ids for dims %v", ErrSizeMismatch, len(ids), dims)
	}
	dProj := e.cfg.DProj
	out := torch.NewTensor(append(append([]int(nil), dims...), dProj)...)
	for _, c := range e.Clusters {
		indices, shifted := selectCluster(ids, c.Start, c.End)
		if len(indices) == 0 {
			continue
		}
		m := len(indices)
		emb := make([]float32, m*c.Dim)
		torch.EmbeddingForward(emb, shifted, c.Table, m, c.Dim)
		proj := make([]float32, m*dProj)
		torch.MatmulForward(proj, emb, c.Proj, nil, m, c.Dim, dProj)
		for j, idx := range indices {
			copy(out.Row(idx), proj[j*dProj:(j+1)*dProj])
		}
	}
	for i := range out.Data {
		out.Data[i] *= e.scale
	}
	return out, nil
}
