package assign

import (
	"math/rand/v2"
)

// Randomizer draws a treatment label per cluster for one replicate.
type Randomizer interface {
	// Draw returns one label per cluster; true means treatment.
	Draw(rng *rand.Rand, clusters int) []bool
}

// Bernoulli assigns each cluster to treatment independently with
// probability P. Cluster size plays no part: each cluster is one unit.
type Bernoulli struct {
	P float64
}

// FairCoin is the assignment used by every simulation run.
var FairCoin = Bernoulli{P: 0.5}

func (b Bernoulli) Draw(rng *rand.Rand, clusters int) []bool {
	labels := make([]bool, clusters)
	for i := range labels {
		labels[i] = rng.Float64() < b.P
	}
	return labels
}

// NewStream returns the random stream for one replicate. Streams depend only
// on (seed, replicate), so results do not depend on which worker ran which
// replicate.
func NewStream(seed uint64, replicate int) *rand.Rand {
	return rand.New(rand.NewPCG(seed, uint64(replicate)))
}

// Broadcast expands cluster labels to a 0/1 treatment indicator per
// observation.
func Broadcast(labels []bool, clusterOf []int) []float64 {
	variant := make([]float64, len(clusterOf))
	for i, c := range clusterOf {
		if labels[c] {
			variant[i] = 1
		}
	}
	return variant
}

// Inject returns the synthetic outcome: y for control rows and y*mde for
// treatment rows. outcome is not modified.
func Inject(outcome, variant []float64, mde float64) []float64 {
	sim := make([]float64, len(outcome))
	for i, y := range outcome {
		if variant[i] == 1 {
			sim[i] = y * mde
		} else {
			sim[i] = y
		}
	}
	return sim
}

// SingleArm reports whether every cluster landed in the same arm.
func SingleArm(labels []bool) bool {
	if len(labels) < 2 {
		return true
	}
	for _, l := range labels[1:] {
		if l != labels[0] {
			return false
		}
	}
	return true
}
