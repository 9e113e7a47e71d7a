// Package adaptive implements the adaptive input embedding and the adaptive log-softmax
// used for language models with very large vocabularies.
//
// Both split the vocabulary [0, NToken) into a head cluster (the shortlist of frequent
// ids) and tail clusters whose embedding width shrinks by DivVal per cluster. Every
// cluster is projected to the shared width DProj.
//
// Paper: https://arxiv.org/abs/1809.10853
package adaptive

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrConfig is returned for an invalid module configuration.
	ErrConfig = errors.New("adaptive: invalid config")
	// ErrInvalidCutoffs is returned when cutoffs do not partition the vocabulary.
	ErrInvalidCutoffs = errors.New("adaptive: invalid cutoffs")
	// ErrSizeMismatch is returned when inputs disagree on their batch dimension.
	ErrSizeMismatch = errors.New("adaptive: size mismatch")
	// ErrIDOutOfRange is returned by ValidateIDs for ids outside [0, NToken).
	ErrIDOutOfRange = errors.New("adaptive: id out of range")
)

// Config holds the construction-time configuration shared by Embedding and LogSoftmax.
type Config struct {
	// NToken is the vocabulary size.
	NToken int
	// DEmbed is the embedding width of the head cluster.
	DEmbed int
	// DProj is the width every cluster is projected to.
	DProj int
	// Cutoffs are the strictly increasing cluster boundaries, excluding 0 and NToken.
	Cutoffs []int
	// DivVal divides the embedding width for every successive cluster.
	DivVal int
	// KeepOrder makes LogSoftmax return losses in input order.
	KeepOrder bool
	// InitStd is the standard deviation of embedding and output weights.
	InitStd float32
	// ProjInitStd is the standard deviation of the projections.
	ProjInitStd float32
	// Seed seeds parameter initialisation.
	Seed uint64
}

// DefaultConfig returns a configuration for a vocabulary of nToken ids with the given
// cutoffs and the initialisation used by Transformer-XL.
func DefaultConfig(nToken, dEmbed, dProj int, cutoffs ...int) Config {
	return Config{
		NToken:      nToken,
		DEmbed:      dEmbed,
		DProj:       dProj,
		Cutoffs:     cutoffs,
		DivVal:      1,
		InitStd:     0.02,
		ProjInitStd: 0.01,
		Seed:        1,
	}
}

// Validate checks the configuration and returns the cluster boundaries.
func (c Config) Validate() ([]int, error) {
	switch {
	case c.DEmbed <= 0:
		return nil, fmt.Errorf("%w: d_embed %d", ErrConfig, c.DEmbed)
	case c.DProj <= 0:
		return nil, fmt.Errorf("%w: d_proj %d", ErrConfig, c.DProj)
	case c.DivVal <= 0:
		return nil, fmt.Errorf("%w: div_val %d", ErrConfig, c.DivVal)
	case c.InitStd < 0 || c.ProjInitStd < 0:
		return nil, fmt.Errorf("%w: negative init std", ErrConfig)
	}
	ends, err := CutoffEnds(c.NToken, c.Cutoffs)
	if err != nil {
		return nil, err
	}
	for i := range c.Cutoffs {
		if c.Dim(i+1) <= 0 {
			return nil, fmt.Errorf("%w: cluster %d has zero width with d_embed %d and div_val %d",
				ErrConfig, i+1, c.DEmbed, c.DivVal)
		}
	}
	return ends, nil
}

// Dim is the embedding width of cluster i: DEmbed / DivVal^i, rounded down.
func (c Config) Dim(i int) int {
	d := c.DEmbed
	for ; i > 0; i-- {
		d /= c.DivVal
	}
	return d
}

// ValidateIDs reports the first id outside [0, NToken).
//
// Embedding and LogSoftmax do not check ids themselves: an out-of-range id matches no
// cluster, so its embedding stays zero and its loss is left unset.
func (c Config) ValidateIDs(ids []int32) error {
	for i, id := range ids {
		if id < 0 || int(id) >= c.NToken {
			return fmt.Errorf("%w: ids[%d] = %d, vocabulary size %d", ErrIDOutOfRange, i, id, c.NToken)
		}
	}
	return nil
}

// CutoffEnds returns [0, cutoffs..., nToken] after checking that it partitions
// [0, nToken) into non-empty contiguous clusters.
func CutoffEnds(nToken int, cutoffs []int) ([]int, error) {
	if nToken <= 0 {
		return nil, fmt.Errorf("%w: vocabulary size %d", ErrInvalidCutoffs, nToken)
	}
	ends := make([]int, 0, len(cutoffs)+2)
	ends = append(ends, 0)
	for _, c := range cutoffs {
		if c <= ends[len(ends)-1] || c >= nToken {
			return nil, fmt.Errorf("%w: %v must be strictly increasing within (0, %d)",
				ErrInvalidCutoffs, cutoffs, nToken)
		}
		ends = append(ends, c)
	}
	return append(ends, nToken), nil
}

// ClusterOf returns the cluster that contains id, or -1 when id is out of range.
func ClusterOf(ends []int, id int32) int {
	if id < 0 || int(id) >= ends[len(ends)-1] {
		return -1
	}
	return sort.SearchInts(ends, int(id)+1) - 1
}

// selectCluster gathers the positions of ids in [lo, hi) and the ids shifted by -lo.
func selectCluster(ids []int32, lo, hi int) (indices []int, shifted []int32) {
	for i, id := range ids {
		if int(id) >= lo && int(id) < hi {
			indices = append(indices, i)
			shifted = append(shifted, id-int32(lo))
		}
	}
	return indices, shifted
}
