package adaptive

import (
	"fmt"

	"github.com/conneroisu/flop/pkg/torch"
	"golang.org/x/exp/rand"
)

// OutputCluster owns the projection and output layer of one vocabulary cluster.
type OutputCluster struct {
	// Start and End bound the cluster's ids: [Start, End).
	Start, End int
	// Dim is the width the hidden state is projected to.
	Dim int
	// Size is the number of output classes. The head has End-Start plus one class per
	// tail cluster.
	Size int
	// Proj is (Dim, DProj).
	Proj []float32
	// Weight is (Size, Dim).
	Weight []float32
	// Bias is (Size).
	Bias []float32
}

// LogSoftmax is the adaptive log-softmax: a head softmax over the shortlist plus one
// "go to tail cluster i" class per tail cluster, and a softmax inside every tail cluster.
//
// The class for tail cluster i sits at head column HeadSize()-i, so the last head column
// belongs to cluster 1.
type LogSoftmax struct {
	Clusters []OutputCluster

	cfg       Config
	ends      []int
	nClusters int
	headSize  int
}

// NewLogSoftmax creates a LogSoftmax with output weights drawn from Normal(0, InitStd),
// projections from Normal(0, ProjInitStd) and zero biases.
func NewLogSoftmax(cfg Config) (*LogSoftmax, error) {
	ends, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	nClusters := len(ends) - 2
	s := &LogSoftmax{
		Clusters:  make([]OutputCluster, len(ends)-1),
		cfg:       cfg,
		ends:      ends,
		nClusters: nClusters,
		headSize:  ends[1] + nClusters,
	}
	src := rand.NewSource(cfg.Seed)
	for i := range s.Clusters {
		c := OutputCluster{
			Start: ends[i],
			End:   ends[i+1],
			Dim:   cfg.Dim(i),
			Size:  ends[i+1] - ends[i],
		}
		if i == 0 {
			c.Size += nClusters
		}
		c.Proj = make([]float32, c.Dim*cfg.DProj)
		c.Weight = make([]float32, c.Size*c.Dim)
		c.Bias = make([]float32, c.Size)
		torch.NormalInit(c.Proj, cfg.ProjInitStd, src)
		torch.NormalInit(c.Weight, cfg.InitStd, src)
		s.Clusters[i] = c
	}
	return s, nil
}

// Config returns the configuration the module was built with.
func (s *LogSoftmax) Config() Config { return s.cfg }

// ShortlistSize is the number of ids modelled directly by the head.
func (s *LogSoftmax) ShortlistSize() int { return s.ends[1] }

// NumClusters is the number of tail clusters.
func (s *LogSoftmax) NumClusters() int { return s.nClusters }

// HeadSize is ShortlistSize plus NumClusters.
func (s *LogSoftmax) HeadSize() int { return s.headSize }

// NumParameters counts projection, weight and bias values.
func (s *LogSoftmax) NumParameters() int {
	var n int
	for _, c := range s.Clusters {
		n += len(c.Proj) + len(c.Weight) + len(c.Bias)
	}
	return n
}

// Forward is NLL with the configured KeepOrder.
func (s *LogSoftmax) Forward(hidden *torch.Tensor, targets []int32) ([]float32, error) {
	return s.NLL(hidden, targets, false)
}

// NLL returns the negative log-likelihood of every target given hidden, which must be
// (N, DProj) with N == len(targets).
//
// Unless keepOrder or Config.KeepOrder is set, losses are written cluster by cluster:
// position j holds the j-th loss in cluster processing order, not the loss of targets[j].
// Set keepOrder whenever losses are matched back to their targets, e.g. for per-token
// weighting. Targets outside [0, NToken) are not checked and get no loss.
func (s *LogSoftmax) NLL(hidden *torch.Tensor, targets []int32, keepOrder bool) ([]float32, error) {
	n := hidden.Rows()
	if n != len(targets) {
		return nil, fmt.Errorf("%w: %d hidden rows and %d targets", ErrSizeMismatch, n, len(targets))
	}
	if hidden.Cols() != s.cfg.DProj {
		return nil, fmt.Errorf("%w: hidden width %d, want %d", ErrSizeMismatch, hidden.Cols(), s.cfg.DProj)
	}
	keepOrder = keepOrder || s.cfg.KeepOrder

	head := s.Clusters[0]
	headLogprob := s.logprob(head, hidden.Data, n)
	nll := make([]float32, n)

	if s.nClusters == 0 {
		for row, t := range targets {
			if t >= 0 && int(t) < head.Size {
				nll[row] = -headLogprob[row*head.Size+int(t)]
			}
		}
		return nll, nil
	}

	var offset int
	for i, c := range s.Clusters {
		indices, shifted := selectCluster(targets, c.Start, c.End)
		if len(indices) == 0 {
			continue
		}
		m := len(indices)
		losses := make([]float32, m)
		if i == 0 {
			for j, row := range indices {
				losses[j] = -headLogprob[row*head.Size+int(shifted[j])]
			}
		} else {
			rows := make([]float32, 0, m*s.cfg.DProj)
			for _, row := range indices {
				rows = append(rows, hidden.Row(row)...)
			}
			tailLogprob := s.logprob(c, rows, m)
			torch.NLLForward(losses, tailLogprob, shifted, m, c.Size)
			for j, row := range indices {
				losses[j] -= headLogprob[row*head.Size+s.headSize-i]
			}
		}
		if keepOrder {
			for j, row := range indices {
				nll[row] = losses[j]
			}
		} else {
			copy(nll[offset:offset+m], losses)
		}
		offset += m
	}
	return nll, nil
}

// logprob projects n rows of width DProj through c and returns their (n, c.Size)
// log-softmax.
func (s *LogSoftmax) logprob(c OutputCluster, hidden []float32, n int) []float32 {
	proj := make([]float32, n*c.Dim)
	torch.MatmulForward(proj, hidden, c.Proj, nil, n, s.cfg.DProj, c.Dim)
	logits := make([]float32, n*c.Size)
	torch.MatmulForward(logits, proj, c.Weight, c.Bias, n, c.Dim, c.Size)
	logprobs := make([]float32, n*c.Size)
	torch.LogSoftmaxForward(logprobs, logits, n, c.Size)
	return logprobs
}
