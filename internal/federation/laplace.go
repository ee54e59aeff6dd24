package federation

import (
	"math"
	"math/rand"
)

// NoiseScale is the Laplace scale for one division's mean: it shrinks as
// the sample count grows, so well-sampled divisions pay less utility for
// the same privacy budget. The sample-count divisor is deliberate; noise
// proportional to epsilon alone would be wrong here.
func NoiseScale(sensitivity, epsilon float64, sampleCount int) float64 {
	if epsilon <= 0 || sampleCount <= 0 {
		return 0
	}
	return sensitivity / (epsilon * float64(sampleCount))
}

// Laplace draws one sample from Laplace(0, scale) via inverse CDF.
func Laplace(rng *rand.Rand, scale float64) float64 {
	if scale <= 0 {
		return 0
	}
	u := rng.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}
