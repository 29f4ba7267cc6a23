package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/fractal-lba/switchback/internal/period"
)

// AssignmentCache keeps recently computed cluster assignments so that runs
// over the same dataset and frequency (e.g. every scenario of a grid) share
// one Period-Cluster assignment.
//
// Key features:
//   - Size-bounded (evicts least recently used when full)
//   - Concurrent misses for the same key compute once
//   - Hit/miss counters for observability
type AssignmentCache struct {
	cache  *lru.Cache[string, *period.Assignment]
	group  singleflight.Group
	mu     sync.Mutex
	hits   uint64
	misses uint64
}

// NewAssignmentCache creates a cache holding at most size assignments.
func NewAssignmentCache(size int) (*AssignmentCache, error) {
	c, err := lru.New[string, *period.Assignment](size)
	if err != nil {
		return nil, err
	}
	return &AssignmentCache{cache: c}, nil
}

// GetOrCompute returns the cached assignment for key, computing it with
// compute on a miss. The returned value must be treated as read-only.
func (c *AssignmentCache) GetOrCompute(key string, compute func() *period.Assignment) (*period.Assignment, bool) {
	if a, ok := c.cache.Get(key); ok {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return a, true
	}

	v, _, shared := c.group.Do(key, func() (interface{}, error) {
		a := compute()
		c.cache.Add(key, a)
		return a, nil
	})

	c.mu.Lock()
	if shared {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()
	return v.(*period.Assignment), shared
}

// Len returns the number of cached assignments.
func (c *AssignmentCache) Len() int {
	return c.cache.Len()
}

// Stats returns cache statistics for observability.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current cache statistics.
func (c *AssignmentCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}

	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Size:    c.cache.Len(),
		HitRate: hitRate,
	}
}
