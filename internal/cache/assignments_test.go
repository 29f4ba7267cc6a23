package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fractal-lba/switchback/internal/period"
)

func TestAssignmentCache_HitAndMiss(t *testing.T) {
	c, err := NewAssignmentCache(2)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	calls := 0
	compute := func() *period.Assignment {
		calls++
		return &period.Assignment{ClusterOf: []int{0, 0, 1}, Sizes: []int{2, 1}}
	}

	first, hit := c.GetOrCompute("ds|D", compute)
	if hit {
		t.Error("first lookup should be a miss")
	}
	second, hit := c.GetOrCompute("ds|D", compute)
	if !hit {
		t.Error("second lookup should be a hit")
	}
	if first != second {
		t.Error("cached assignment should be shared")
	}
	if calls != 1 {
		t.Errorf("compute called %d times, want 1", calls)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("Stats = %+v, want 1 hit and 1 miss", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("HitRate = %.2f, want 0.50", stats.HitRate)
	}
}

func TestAssignmentCache_Eviction(t *testing.T) {
	c, err := NewAssignmentCache(2)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	mk := func() *period.Assignment { return &period.Assignment{} }
	c.GetOrCompute("a", mk)
	c.GetOrCompute("b", mk)
	c.GetOrCompute("c", mk) // evicts a

	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	if _, hit := c.GetOrCompute("a", mk); hit {
		t.Error("a should have been evicted")
	}
}

func TestAssignmentCache_ConcurrentMissesComputeOnce(t *testing.T) {
	c, err := NewAssignmentCache(4)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}

	var calls atomic.Int32
	release := make(chan struct{})
	compute := func() *period.Assignment {
		calls.Add(1)
		<-release
		return &period.Assignment{}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.GetOrCompute("shared", compute)
		}()
	}
	close(release)
	wg.Wait()

	if n := calls.Load(); n < 1 || n > 8 {
		t.Fatalf("compute called %d times", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestNewAssignmentCache_InvalidSize(t *testing.T) {
	if _, err := NewAssignmentCache(0); err == nil {
		t.Error("expected error for zero size")
	}
}
