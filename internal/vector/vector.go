// Package vector provides similarity metrics and centroid math over
// fixed-dimension float32 vectors. Scores are computed in float64 so that
// result ordering is stable regardless of the stored precision.
package vector

import (
	"fmt"
	"math"
)

// Metric selects the scoring function of a store. Higher score always means
// more similar, so euclidean distances are negated.
type Metric string

const (
	MetricCosine    Metric = "cosine"
	MetricDot       Metric = "dot"
	MetricEuclidean Metric = "euclidean"
)

// ParseMetric validates a metric name. The empty string selects cosine.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "":
		return MetricCosine, nil
	case MetricCosine, MetricDot, MetricEuclidean:
		return Metric(s), nil
	}
	return "", fmt.Errorf("metric '%s' is not allowed", s)
}

// Score computes the similarity of a and b under m. Both vectors must have
// the same length; callers are expected to have validated dimensions.
func (m Metric) Score(a, b []float32) float64 {
	switch m {
	case MetricDot:
		return Dot(a, b)
	case MetricEuclidean:
		return -math.Sqrt(squaredDistance(a, b))
	default:
		return Cosine(a, b)
	}
}

// Dot returns the inner product of a and b.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. A zero-magnitude
// operand yields 0.0 by convention, since the angle is undefined.
func Cosine(a, b []float32) float64 {
	na, nb := Norm(a), Norm(b)
	if na == 0 || nb == 0 {
		return 0.0
	}
	score := Dot(a, b) / (na * nb)
	// Clamp rounding spill so callers can rely on the documented range.
	if score > 1 {
		return 1
	}
	if score < -1 {
		return -1
	}
	return score
}

func squaredDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// WeightedCentroid accumulates sum(w_i * v_i) / sum(w_i) in float64 and
// rounds once at the end. Returns false when the total weight is zero, which
// callers must treat as "no usable history".
func WeightedCentroid(dim int, vectors [][]float32, weights []float64) ([]float32, bool) {
	acc := make([]float64, dim)
	var total float64
	for i, v := range vectors {
		w := weights[i]
		if w <= 0 {
			continue
		}
		total += w
		for j := range v {
			acc[j] += w * float64(v[j])
		}
	}
	if total == 0 {
		return nil, false
	}
	out := make([]float32, dim)
	for j := range acc {
		out[j] = float32(acc[j] / total)
	}
	return out, true
}
