package pattern

import (
	"math"
	"math/rand"
	"sort"

	"github.com/pai3-ceo/powernode-dim/internal/job"
)

// fanoutVote pairs a numeric partial output with the reputation of the
// node that produced it, the input weighted-mean fusion needs.
type fanoutVote struct {
	nodeID     string
	reputation float64
	values     []float64
}

// Fuse combines FanOut partials per the spec's aggregation kind, applying
// optional Laplace differential-privacy noise post-fusion. len(values)
// must be uniform across votes; callers guarantee this by construction
// (all votes come from the same model).
func Fuse(spec *job.FanOutSpec, votes []fanoutVote, rnd *rand.Rand, defaultSensitivity float64) []float64 {
	if len(votes) == 0 {
		return nil
	}
	dim := len(votes[0].values)
	var out []float64
	switch spec.Aggregation {
	case job.AggMean:
		out = mean(votes, dim)
	case job.AggWeightedMean:
		out = weightedMean(votes, dim)
	case job.AggMedian:
		out = elementwiseMedian(votes, dim)
	default:
		out = mean(votes, dim)
	}
	if spec.DPEpsilon > 0 {
		sensitivity := spec.DPSensitivity
		if sensitivity <= 0 {
			sensitivity = defaultSensitivity
		}
		scale := sensitivity / spec.DPEpsilon
		for i := range out {
			out[i] += laplaceNoise(rnd, scale)
		}
	}
	return out
}

func mean(votes []fanoutVote, dim int) []float64 {
	out := make([]float64, dim)
	for _, v := range votes {
		for i := 0; i < dim; i++ {
			out[i] += v.values[i]
		}
	}
	n := float64(len(votes))
	for i := range out {
		out[i] /= n
	}
	return out
}

func weightedMean(votes []fanoutVote, dim int) []float64 {
	out := make([]float64, dim)
	totalW := 0.0
	for _, v := range votes {
		totalW += v.reputation
	}
	if totalW <= 0 {
		return mean(votes, dim)
	}
	for _, v := range votes {
		w := v.reputation / totalW
		for i := 0; i < dim; i++ {
			out[i] += v.values[i] * w
		}
	}
	return out
}

// elementwiseMedian computes the median per dimension. Ties (even vote
// count) break by averaging the two middle elements in their
// index-stable sorted order, per §4.2's "ties broken by element index".
func elementwiseMedian(votes []fanoutVote, dim int) []float64 {
	out := make([]float64, dim)
	col := make([]float64, len(votes))
	for i := 0; i < dim; i++ {
		for j, v := range votes {
			col[j] = v.values[i]
		}
		sort.SliceStable(col, func(a, b int) bool { return col[a] < col[b] })
		n := len(col)
		if n%2 == 1 {
			out[i] = col[n/2]
		} else {
			out[i] = (col[n/2-1] + col[n/2]) / 2
		}
	}
	return out
}

// laplaceNoise samples zero-mean Laplace(scale) via inverse-CDF, the
// standard construction when no dedicated DP library is available. A nil
// rnd draws from the math/rand package-level source.
func laplaceNoise(rnd *rand.Rand, scale float64) float64 {
	u := rand.Float64() - 0.5
	if rnd != nil {
		u = rnd.Float64() - 0.5
	}
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}
