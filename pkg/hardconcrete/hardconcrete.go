// Package hardconcrete implements the hard concrete distribution, a stretched and
// clipped relaxation of a Bernoulli gate used to learn L0-sparse masks.
//
// Paper: https://arxiv.org/abs/1712.01312
package hardconcrete

import (
	"errors"
	"fmt"
	"sync"

	"github.com/conneroisu/flop/pkg/torch"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrConfig is returned for hyperparameters outside their valid range.
var ErrConfig = errors.New("hardconcrete: invalid config")

// Config holds the construction-time hyperparameters of a gate.
type Config struct {
	// InitMean is the initial probability that a gate is closed.
	InitMean float32
	// InitStd is the standard deviation of the initial log-alpha values.
	InitStd float32
	// Beta is the temperature of the relaxation.
	Beta float32
	// Stretch widens the sigmoid support to [-Stretch, 1+Stretch] before clipping.
	Stretch float32
	// Eps keeps the uniform noise away from 0 and 1.
	Eps float32
	// Seed seeds both log-alpha initialisation and the noise source.
	Seed uint64
}

// DefaultConfig returns the hyperparameters used throughout the pruning experiments.
func DefaultConfig() Config {
	return Config{
		InitMean: 0.5,
		InitStd:  0.01,
		Beta:     1.0,
		Stretch:  0.1,
		Eps:      1e-6,
		Seed:     1,
	}
}

// Validate checks the ranges the distribution depends on.
func (c Config) Validate() error {
	switch {
	case c.InitMean <= 0 || c.InitMean >= 1:
		return fmt.Errorf("%w: init mean %v not in (0, 1)", ErrConfig, c.InitMean)
	case c.InitStd < 0:
		return fmt.Errorf("%w: init std %v is negative", ErrConfig, c.InitStd)
	case c.Beta <= 0:
		return fmt.Errorf("%w: beta %v must be positive", ErrConfig, c.Beta)
	case c.Stretch <= 0:
		return fmt.Errorf("%w: stretch %v must be positive", ErrConfig, c.Stretch)
	case c.Eps < 0 || c.Eps >= 0.5:
		return fmt.Errorf("%w: eps %v not in [0, 0.5)", ErrConfig, c.Eps)
	}
	return nil
}

// Gamma is the left end of the stretched interval.
func (c Config) Gamma() float32 { return -c.Stretch }

// Zeta is the right end of the stretched interval.
func (c Config) Zeta() float32 { return 1.0 + c.Stretch }

// HardConcrete holds one learnable log-alpha per gated unit.
//
// LogAlpha and Grad may be read and written by an optimizer between calls. Sample is safe
// for concurrent use; every call draws fresh noise.
type HardConcrete struct {
	LogAlpha []float32
	Grad     []float32

	cfg Config
	// l0Bias is -beta * log(-gamma / zeta).
	l0Bias float32

	mu    sync.Mutex
	noise distuv.Uniform
}

// New creates a gate over n units with log-alpha drawn from
// Normal(log(1 - InitMean) - log(InitMean), InitStd).
func New(n int, cfg Config) (*HardConcrete, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, fmt.Errorf("%w: %d gated units", ErrConfig, n)
	}
	src := rand.NewSource(cfg.Seed)
	prior := distuv.Normal{
		Mu:    float64(torch.Log(1.0-cfg.InitMean) - torch.Log(cfg.InitMean)),
		Sigma: float64(cfg.InitStd),
		Src:   src,
	}
	h := &HardConcrete{
		LogAlpha: make([]float32, n),
		Grad:     make([]float32, n),
		cfg:      cfg,
		l0Bias:   -cfg.Beta * torch.Log(-cfg.Gamma()/cfg.Zeta()),
		noise: distuv.Uniform{
			Min: float64(cfg.Eps),
			Max: float64(1.0 - cfg.Eps),
			Src: src,
		},
	}
	for i := range h.LogAlpha {
		h.LogAlpha[i] = float32(prior.Rand())
	}
	return h, nil
}

// Len is the number of gated units.
func (h *HardConcrete) Len() int { return len(h.LogAlpha) }

// Config returns the hyperparameters the gate was built with.
func (h *HardConcrete) Config() Config { return h.cfg }

// Sample evaluates the gate.
//
// With train set, u ~ Uniform(eps, 1-eps) is drawn per unit and
// s = sigmoid((logit(u) + log_alpha) / beta). Otherwise s = sigmoid(log_alpha) and the
// result is a pure function of LogAlpha. In both modes z = clip(s*(zeta-gamma)+gamma, 0, 1).
func (h *HardConcrete) Sample(train bool) *Gate {
	if !train {
		g := h.newGate(h.cfg.Zeta() - h.cfg.Gamma())
		for i, la := range h.LogAlpha {
			g.s[i] = torch.Sigmoid(la)
		}
		return g.stretch()
	}
	u := make([]float32, len(h.LogAlpha))
	h.mu.Lock()
	for i := range u {
		u[i] = float32(h.noise.Rand())
	}
	h.mu.Unlock()
	return h.relax(u)
}

// relax applies the reparameterised sample for fixed uniform noise u.
func (h *HardConcrete) relax(u []float32) *Gate {
	g := h.newGate((h.cfg.Zeta() - h.cfg.Gamma()) / h.cfg.Beta)
	for i, la := range h.LogAlpha {
		g.s[i] = torch.Sigmoid((torch.Logit(u[i]) + la) / h.cfg.Beta)
	}
	return g.stretch()
}

func (h *HardConcrete) newGate(slope float32) *Gate {
	n := len(h.LogAlpha)
	return &Gate{
		Z:     make([]float32, n),
		s:     make([]float32, n),
		gamma: h.cfg.Gamma(),
		zeta:  h.cfg.Zeta(),
		slope: slope,
	}
}

// L0Norm is the expected number of open gates: sum of sigmoid(log_alpha - beta*log(-gamma/zeta)).
func (h *HardConcrete) L0Norm() float32 {
	var sum float32
	for _, la := range h.LogAlpha {
		sum += torch.Sigmoid(la + h.l0Bias)
	}
	return sum
}

// L0Backward accumulates scale * d(L0Norm)/d(log_alpha) into Grad.
func (h *HardConcrete) L0Backward(scale float32) {
	for i, la := range h.LogAlpha {
		p := torch.Sigmoid(la + h.l0Bias)
		h.Grad[i] += scale * p * (1.0 - p)
	}
}

// ExpectedNumZeros is the expected number of closed gates.
func (h *HardConcrete) ExpectedNumZeros() float32 {
	return float32(len(h.LogAlpha)) - h.L0Norm()
}

// NumZeros counts the units whose deterministic gate is exactly zero.
func (h *HardConcrete) NumZeros() int {
	var zeros int
	for _, z := range h.Sample(false).Z {
		if z <= 0 {
			zeros++
		}
	}
	return zeros
}

// ZeroGrad resets the accumulated log-alpha gradient.
func (h *HardConcrete) ZeroGrad() {
	for i := range h.Grad {
		h.Grad[i] = 0
	}
}

// Gate is one evaluation of a HardConcrete distribution.
type Gate struct {
	// Z holds the gate value of every unit, in [0, 1].
	Z []float32

	s     []float32
	gamma float32
	zeta  float32
	slope float32
}

func (g *Gate) stretch() *Gate {
	for i, s := range g.s {
		g.Z[i] = torch.Clamp(s*(g.zeta-g.gamma)+g.gamma, 0, 1)
	}
	return g
}

// Backward accumulates dL/d(log_alpha) given dL/dz.
//
// The gradient is zero for units whose stretched value was clipped.
func (g *Gate) Backward(dz, dlogAlpha []float32) {
	for i, s := range g.s {
		stretched := s*(g.zeta-g.gamma) + g.gamma
		if stretched <= 0 || stretched >= 1 {
			continue
		}
		dlogAlpha[i] += dz[i] * g.slope * s * (1.0 - s)
	}
}
