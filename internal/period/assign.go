package period

import (
	"sort"
	"time"

	"github.com/fractal-lba/switchback/internal/dataset"
)

// ClusterKey identifies a region-time cluster: a location during one bucket.
type ClusterKey struct {
	Location string
	Bucket   time.Time
}

func (k ClusterKey) String() string {
	return k.Bucket.Format(time.RFC3339) + "|" + k.Location
}

// Assignment maps every observation to exactly one cluster.
//
// Cluster indexes are dense (0..len(Keys)-1) and ordered by bucket, then by
// location. The assignment is computed once per run and shared read-only by
// every replicate.
type Assignment struct {
	Keys      []ClusterKey
	ClusterOf []int // per observation, index into Keys
	Sizes     []int // observations per cluster
}

// NumClusters returns the number of distinct clusters.
func (a *Assignment) NumClusters() int { return len(a.Keys) }

type bucketKey struct {
	location string
	unixNano int64
}

// Assign computes the cluster of every observation at the given frequency.
func Assign(obs []dataset.Observation, freq Frequency) *Assignment {
	keyOf := make([]bucketKey, len(obs))
	seen := make(map[bucketKey]time.Time)
	for i, o := range obs {
		bucket := freq.Floor(o.Time)
		k := bucketKey{location: o.Location, unixNano: bucket.UnixNano()}
		keyOf[i] = k
		if _, ok := seen[k]; !ok {
			seen[k] = bucket
		}
	}

	distinct := make([]bucketKey, 0, len(seen))
	for k := range seen {
		distinct = append(distinct, k)
	}
	sort.Slice(distinct, func(i, j int) bool {
		if distinct[i].unixNano != distinct[j].unixNano {
			return distinct[i].unixNano < distinct[j].unixNano
		}
		return distinct[i].location < distinct[j].location
	})

	index := make(map[bucketKey]int, len(distinct))
	a := &Assignment{
		Keys:      make([]ClusterKey, len(distinct)),
		ClusterOf: make([]int, len(obs)),
		Sizes:     make([]int, len(distinct)),
	}
	for i, k := range distinct {
		index[k] = i
		a.Keys[i] = ClusterKey{Location: k.location, Bucket: seen[k]}
	}
	for i, k := range keyOf {
		c := index[k]
		a.ClusterOf[i] = c
		a.Sizes[c]++
	}
	return a
}
