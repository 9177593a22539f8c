package detector

import (
	"math"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// meanStd returns the population mean and standard deviation of values.
func meanStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// topFactors sorts factors by weight, heaviest first, and keeps at most n.
// Ties keep their original order.
func topFactors(factors []domain.AnomalyFactor, n int) []domain.AnomalyFactor {
	sort.SliceStable(factors, func(i, j int) bool {
		return factors[i].Weight > factors[j].Weight
	})
	if len(factors) > n {
		factors = factors[:n]
	}
	return factors
}
