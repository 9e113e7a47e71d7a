package torch

import (
	"math"
	"sync"
)

// Exp returns e**x aka the exponential function of x.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// Inf returns positive infinity if sign >= 0, negative infinity if sign < 0.
func Inf(sign int) float32 {
	return float32(math.Inf(sign))
}

// Log returns the natural logarithm of x aka the logarithm function of x.
func Log(x float32) float32 {
	return float32(math.Log(float64(x)))
}

// Sqrt returns the square root of x aka the square root function of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// Sigmoid returns 1 / (1 + e**-x).
//
// The two branches keep the exponent non-positive so large |x| saturates to 0 or 1
// instead of overflowing.
func Sigmoid(x float32) float32 {
	if x >= 0 {
		return 1.0 / (1.0 + Exp(-x))
	}
	e := Exp(x)
	return e / (1.0 + e)
}

// Logit is the inverse of Sigmoid: log(p / (1 - p)).
func Logit(p float32) float32 {
	return Log(p) - Log(1.0-p)
}

// Clamp limits x to the closed interval [lo, hi].
func Clamp(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// EmbeddingForward gathers one row of the table per id.
//
// Parameters:
//   - out: output rows (N, C)
//   - ids: row indices into table (N)
//   - table: lookup table (V, C)
//   - N: number of ids
//   - C: row width (embedding dimension)
func EmbeddingForward(out []float32, ids []int32, table []float32, N, C int) {
	for n := 0; n < N; n++ {
		start := int(ids[n]) * C
		copy(out[n*C:n*C+C], table[start:start+C])
	}
}

// MatmulForward performs matrix multiplication and adds bias.
//
// out = inp @ weight^T + bias
//
// Parameters:
//   - out: output matrix (N, OC)
//   - inp: input matrix (N, C)
//   - weight: weight matrix (OC, C), one row per output channel
//   - bias: bias vector (OC), may be nil
//   - N: number of rows
//   - C: input dimension (number of features)
//   - OC: number of output channels
func MatmulForward(out, inp, weight, bias []float32, N, C, OC int) {
	var wg sync.WaitGroup
	for n := 0; n < N; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			inpN := inp[n*C:]
			outN := out[n*OC:]
			for o := 0; o < OC; o++ {
				var val float32
				if bias != nil {
					val = bias[o]
				}
				wrow := weight[o*C:]
				for i := 0; i < C; i++ {
					val += inpN[i] * wrow[i]
				}
				outN[o] = val
			}
		}(n)
	}
	wg.Wait()
}

// MatmulBackward accumulates the gradients of MatmulForward.
//
// dinp, dweight and dbias may each be nil when that gradient is not needed.
func MatmulBackward(dinp, dweight, dbias, dout, inp, weight []float32, N, C, OC int) {
	var wg sync.WaitGroup
	if dinp != nil {
		for n := 0; n < N; n++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				doutN := dout[n*OC:]
				dinpN := dinp[n*C:]
				for o := 0; o < OC; o++ {
					wrow := weight[o*C:]
					d := doutN[o]
					for i := 0; i < C; i++ {
						dinpN[i] += wrow[i] * d
					}
				}
			}(n)
		}
		wg.Wait()
	}
	if dweight == nil && dbias == nil {
		return
	}
	for o := 0; o < OC; o++ {
		wg.Add(1)
		go func(o int) {
			defer wg.Done()
			for n := 0; n < N; n++ {
				d := dout[n*OC+o]
				if dbias != nil {
					dbias[o] += d
				}
				if dweight == nil {
					continue
				}
				inpN := inp[n*C:]
				dwrow := dweight[o*C:]
				for i := 0; i < C; i++ {
					dwrow[i] += inpN[i] * d
				}
			}
		}(o)
	}
	wg.Wait()
}

// LogSoftmaxForward computes a numerically stable log-softmax over every row.
//
// logprobs[i] = (logits[i] - max) - log(sum(exp(logits - max)))
//
// max is never added back, so a large max cannot swamp the log-sum in float32.
func LogSoftmaxForward(logprobs, logits []float32, N, V int) {
	var wg sync.WaitGroup
	for n := 0; n < N; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logitsN := logits[n*V : n*V+V]
			logprobsN := logprobs[n*V : n*V+V]
			maxval := Inf(-1)
			for i := 0; i < V; i++ {
				if logitsN[i] > maxval {
					maxval = logitsN[i]
				}
			}
			var sum float32
			for i := 0; i < V; i++ {
				sum += Exp(logitsN[i] - maxval)
			}
			logsum := Log(sum)
			for i := 0; i < V; i++ {
				logprobsN[i] = (logitsN[i] - maxval) - logsum
			}
		}(n)
	}
	wg.Wait()
}

// NLLForward picks the negative log-probability of the target class of every row.
//
// Parameters:
//   - losses: output (N)
//   - logprobs: log-probabilities (N, V)
//   - targets: target class per row (N)
//   - N: number of rows
//   - V: number of classes
func NLLForward(losses, logprobs []float32, targets []int32, N, V int) {
	for n := 0; n < N; n++ {
		losses[n] = -logprobs[n*V+int(targets[n])]
	}
}
