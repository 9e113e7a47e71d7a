package torch

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// NormalInit fills data with samples from Normal(0, std) drawn from src.
func NormalInit(data []float32, std float32, src rand.Source) {
	dist := distuv.Normal{Mu: 0, Sigma: float64(std), Src: src}
	for i := range data {
		data[i] = float32(dist.Rand())
	}
}
