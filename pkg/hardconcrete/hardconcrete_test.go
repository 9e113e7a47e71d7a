package hardconcrete

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGate(t *testing.T, logAlpha ...float32) *HardConcrete {
	t.Helper()
	h, err := New(len(logAlpha), DefaultConfig())
	require.NoError(t, err)
	copy(h.LogAlpha, logAlpha)
	return h
}

func TestNewInitialisesLogAlphaAroundInitMean(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitMean = 0.2
	cfg.InitStd = 0
	h, err := New(5, cfg)
	require.NoError(t, err)
	for _, la := range h.LogAlpha {
		// log(0.8 / 0.2)
		assert.InDelta(t, 1.3862944, la, 1e-5)
	}
	assert.Equal(t, 5, h.Len())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"init mean zero", func(c *Config) { c.InitMean = 0 }},
		{"init mean one", func(c *Config) { c.InitMean = 1 }},
		{"negative std", func(c *Config) { c.InitStd = -1 }},
		{"zero beta", func(c *Config) { c.Beta = 0 }},
		{"no stretch", func(c *Config) { c.Stretch = 0 }},
		{"eps too large", func(c *Config) { c.Eps = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(3, cfg)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
	_, err := New(0, DefaultConfig())
	assert.ErrorIs(t, err, ErrConfig)
}

func TestDeterministicSampleIsPure(t *testing.T) {
	h := newGate(t, -3, -0.5, 0, 0.5, 3)
	first := h.Sample(false).Z
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, h.Sample(false).Z)
	}
	// sigmoid(0) * 1.2 - 0.1
	assert.InDelta(t, 0.5, first[2], 1e-6)
	// saturated units clip to the ends of [0, 1]
	assert.Equal(t, float32(0), first[0])
	assert.Equal(t, float32(1), first[4])
}

func TestTrainingSampleIsStochasticAndBounded(t *testing.T) {
	h, err := New(64, DefaultConfig())
	require.NoError(t, err)
	a := h.Sample(true).Z
	b := h.Sample(true).Z
	assert.NotEqual(t, a, b)
	for i := range a {
		assert.GreaterOrEqual(t, a[i], float32(0))
		assert.LessOrEqual(t, a[i], float32(1))
	}
}

func TestSampleConcurrentUse(t *testing.T) {
	h, err := New(32, DefaultConfig())
	require.NoError(t, err)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.Len(t, h.Sample(true).Z, 32)
			}
		}()
	}
	wg.Wait()
}

func TestL0NormIncreasesWithLogAlpha(t *testing.T) {
	prev := float32(-1)
	for la := float32(-6); la <= 6; la += 0.5 {
		h := newGate(t, la)
		l0 := h.L0Norm()
		assert.Greater(t, l0, prev)
		assert.InDelta(t, 1-l0, h.ExpectedNumZeros(), 1e-6)
		prev = l0
	}
}

func TestNumZeros(t *testing.T) {
	h := newGate(t, -10, -10, 0, 10)
	assert.Equal(t, 2, h.NumZeros())
}

// loss = sum_i w_i * z_i, so dL/dz = w.
func weightedSum(z, w []float32) float32 {
	var sum float32
	for i := range z {
		sum += z[i] * w[i]
	}
	return sum
}

func TestGateBackwardMatchesFiniteDifference(t *testing.T) {
	w := []float32{0.7, -1.3, 2.1, 0.4}
	u := []float32{0.3, 0.55, 0.8, 0.45}
	const eps = 1e-2
	for _, mode := range []string{"eval", "train"} {
		t.Run(mode, func(t *testing.T) {
			h := newGate(t, -0.8, -0.1, 0.3, 0.9)
			sample := func() *Gate {
				if mode == "train" {
					return h.relax(u)
				}
				return h.Sample(false)
			}
			dla := make([]float32, h.Len())
			sample().Backward(w, dla)
			for i := range h.LogAlpha {
				orig := h.LogAlpha[i]
				h.LogAlpha[i] = orig + eps
				lp := weightedSum(sample().Z, w)
				h.LogAlpha[i] = orig - eps
				lm := weightedSum(sample().Z, w)
				h.LogAlpha[i] = orig
				num := (lp - lm) / (2 * eps)
				assert.InDelta(t, num, dla[i], 2e-3, "log_alpha[%d]", i)
			}
		})
	}
}

func TestGateBackwardIsZeroWhenClipped(t *testing.T) {
	h := newGate(t, -12, 12)
	dla := make([]float32, 2)
	h.Sample(false).Backward([]float32{1, 1}, dla)
	assert.Equal(t, []float32{0, 0}, dla)

	dla = make([]float32, 2)
	h.relax([]float32{0.5, 0.5}).Backward([]float32{1, 1}, dla)
	assert.Equal(t, []float32{0, 0}, dla)
}

func TestL0BackwardMatchesFiniteDifference(t *testing.T) {
	h := newGate(t, -2, 0, 1.5)
	h.L0Backward(0.5)
	const eps = 1e-2
	for i := range h.LogAlpha {
		orig := h.LogAlpha[i]
		h.LogAlpha[i] = orig + eps
		lp := h.L0Norm()
		h.LogAlpha[i] = orig - eps
		lm := h.L0Norm()
		h.LogAlpha[i] = orig
		assert.InDelta(t, 0.5*(lp-lm)/(2*eps), h.Grad[i], 1e-3)
	}
	h.ZeroGrad()
	assert.Equal(t, []float32{0, 0, 0}, h.Grad)
}
