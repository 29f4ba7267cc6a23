package assign

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBernoulli_IsFair(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	labels := FairCoin.Draw(rng, 20000)

	treated := 0
	for _, l := range labels {
		if l {
			treated++
		}
	}
	share := float64(treated) / float64(len(labels))
	assert.InDelta(t, 0.5, share, 0.02)
}

func TestNewStream_Reproducible(t *testing.T) {
	a := FairCoin.Draw(NewStream(42, 3), 64)
	b := FairCoin.Draw(NewStream(42, 3), 64)
	c := FairCoin.Draw(NewStream(42, 4), 64)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c, "replicates get independent streams")
}

func TestBroadcast_SameLabelWithinCluster(t *testing.T) {
	clusterOf := []int{0, 0, 1, 2, 1, 0, 2, 2}
	for rep := 0; rep < 50; rep++ {
		labels := FairCoin.Draw(NewStream(9, rep), 3)
		variant := Broadcast(labels, clusterOf)

		require.Len(t, variant, len(clusterOf))
		byCluster := map[int]float64{}
		for i, c := range clusterOf {
			if v, ok := byCluster[c]; ok {
				assert.Equal(t, v, variant[i], "cluster %d split across arms", c)
			}
			byCluster[c] = variant[i]
		}
	}
}

func TestInject(t *testing.T) {
	outcome := []float64{10, 20, 30, 40}
	variant := []float64{0, 1, 0, 1}

	sim := Inject(outcome, variant, 1.5)

	assert.Equal(t, []float64{10, 30, 30, 60}, sim)
	assert.Equal(t, []float64{10, 20, 30, 40}, outcome, "real outcome must stay intact")

	null := Inject(outcome, variant, 1.0)
	assert.Equal(t, outcome, null)
}

func TestSingleArm(t *testing.T) {
	assert.True(t, SingleArm([]bool{true}))
	assert.True(t, SingleArm([]bool{false, false}))
	assert.False(t, SingleArm([]bool{false, true}))
}
