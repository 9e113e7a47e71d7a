package torch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func TestSigmoidSaturates(t *testing.T) {
	assert.InDelta(t, 0.5, Sigmoid(0), 1e-7)
	assert.Equal(t, float32(1), Sigmoid(200))
	assert.Equal(t, float32(0), Sigmoid(-200))
	assert.False(t, math.IsNaN(float64(Sigmoid(-1e30))))
	assert.InDelta(t, 0.3, Sigmoid(Logit(0.3)), 1e-6)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, float32(0), Clamp(-0.5, 0, 1))
	assert.Equal(t, float32(1), Clamp(1.5, 0, 1))
	assert.Equal(t, float32(0.25), Clamp(0.25, 0, 1))
}

func TestLogSoftmaxForwardIsStable(t *testing.T) {
	logits := []float32{1000, 1000, 1000, 1000, -3, 0, 3, 6}
	logprobs := make([]float32, len(logits))
	LogSoftmaxForward(logprobs, logits, 2, 4)
	for n := 0; n < 2; n++ {
		var sum float32
		for _, lp := range logprobs[n*4 : n*4+4] {
			require.False(t, math.IsNaN(float64(lp)) || math.IsInf(float64(lp), 0))
			sum += Exp(lp)
		}
		assert.InDelta(t, 1.0, sum, 1e-5)
	}
	assert.InDelta(t, -Log(4), logprobs[0], 1e-6)

	for _, m := range []float32{1e5, 1e6, 1e7} {
		equal := []float32{m, m, m, m}
		out := make([]float32, 4)
		LogSoftmaxForward(out, equal, 1, 4)
		assert.InDelta(t, -math.Log(4), out[0], 1e-6, "max %g", m)
	}

	losses := make([]float32, 2)
	NLLForward(losses, logprobs, []int32{2, 3}, 2, 4)
	assert.InDelta(t, Log(4), losses[0], 1e-6)
	assert.InDelta(t, -logprobs[7], losses[1], 1e-7)
}

func TestEmbeddingForward(t *testing.T) {
	table := []float32{0, 1, 10, 11, 20, 21}
	out := make([]float32, 6)
	EmbeddingForward(out, []int32{2, 0, 1}, table, 3, 2)
	assert.Equal(t, []float32{20, 21, 0, 1, 10, 11}, out)
}

func TestMatmulForwardWithoutBias(t *testing.T) {
	inp := []float32{1, 2, 3, 4}
	weight := []float32{1, 0, 0, 1, 1, 1}
	out := make([]float32, 6)
	MatmulForward(out, inp, weight, nil, 2, 2, 3)
	assert.Equal(t, []float32{1, 2, 3, 3, 4, 7}, out)
}

func TestMatmulBackwardMatchesFiniteDifference(t *testing.T) {
	const N, C, OC = 3, 4, 5
	src := rand.NewSource(7)
	inp := make([]float32, N*C)
	weight := make([]float32, OC*C)
	bias := make([]float32, OC)
	dout := make([]float32, N*OC)
	NormalInit(inp, 1, src)
	NormalInit(weight, 1, src)
	NormalInit(bias, 1, src)
	NormalInit(dout, 1, src)

	// loss = sum(out * dout)
	loss := func() float32 {
		out := make([]float32, N*OC)
		MatmulForward(out, inp, weight, bias, N, C, OC)
		var l float32
		for i := range out {
			l += out[i] * dout[i]
		}
		return l
	}
	dinp := make([]float32, N*C)
	dweight := make([]float32, OC*C)
	dbias := make([]float32, OC)
	MatmulBackward(dinp, dweight, dbias, dout, inp, weight, N, C, OC)

	const eps = 1e-2
	check := func(name string, params, grads []float32) {
		for i := range params {
			orig := params[i]
			params[i] = orig + eps
			lp := loss()
			params[i] = orig - eps
			lm := loss()
			params[i] = orig
			assert.InDelta(t, (lp-lm)/(2*eps), grads[i], 1e-2, "%s[%d]", name, i)
		}
	}
	check("inp", inp, dinp)
	check("weight", weight, dweight)
	check("bias", bias, dbias)
}

func TestMatmulBackwardSkipsNilGradients(t *testing.T) {
	inp := []float32{1, 2}
	weight := []float32{3, 4}
	dbias := make([]float32, 1)
	assert.NotPanics(t, func() {
		MatmulBackward(nil, nil, dbias, []float32{2}, inp, weight, 1, 2, 1)
	})
	assert.Equal(t, []float32{2}, dbias)
}
