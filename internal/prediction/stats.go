package prediction

import "math"

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stddev is the population standard deviation, 0 for a single value
func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		sum += (v - m) * (v - m)
	}
	return math.Sqrt(sum / float64(len(values)))
}

// clampOrder repairs an inverted percentile range. It reports whether anything moved.
func clampOrder(p *predictionRange) bool {
	clamped := false
	if p.h10 > p.h50 {
		p.h10 = p.h50
		clamped = true
	}
	if p.h90 < p.h50 {
		p.h90 = p.h50
		clamped = true
	}
	if p.low > p.low50 {
		p.low = p.low50
		clamped = true
	}
	return clamped
}

type predictionRange struct {
	h10, h50, h90 float64
	low50, low    float64
}
