package resultstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fractal-lba/switchback/internal/api"
)

// Store keeps simulation summaries keyed by run fingerprint
// (api.Config.Fingerprint). Only seeded runs are reproducible, so only they
// are stored.
type Store interface {
	// Get retrieves a stored summary. Returns nil if not found.
	Get(ctx context.Context, key string) (*api.Summary, error)

	// Set stores a summary with TTL. First write wins.
	Set(ctx context.Context, key string, summary *api.Summary, ttl time.Duration) error

	// Close releases resources
	Close() error
}

// ErrInvalidSummary is returned by Set for summaries that could not have
// come from a seeded run.
var ErrInvalidSummary = errors.New("invalid summary")

// checkSummary rejects entries a reproducible run cannot produce: rates
// outside [0, 1], no replicates, more degenerate replicates than replicates,
// or a missing seed.
func checkSummary(key string, s *api.Summary) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty key", ErrInvalidSummary)
	case s == nil:
		return fmt.Errorf("%w: nil summary for %s", ErrInvalidSummary, key)
	case s.Seed == 0:
		return fmt.Errorf("%w: %s is not seeded", ErrInvalidSummary, key)
	case s.Sims <= 0:
		return fmt.Errorf("%w: %s has %d replicates", ErrInvalidSummary, key, s.Sims)
	case !isRate(s.TypeIError) || !isRate(s.Power):
		return fmt.Errorf("%w: %s rates (%g, %g) outside [0, 1]", ErrInvalidSummary, key, s.TypeIError, s.Power)
	case s.Degenerate < 0 || s.Degenerate > s.Sims:
		return fmt.Errorf("%w: %s has %d degenerate of %d replicates", ErrInvalidSummary, key, s.Degenerate, s.Sims)
	}
	return nil
}

func isRate(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// MemoryStore is an in-memory store with optional file snapshot
type MemoryStore struct {
	mu       sync.RWMutex
	store    map[string]*entry
	snapshot string // optional file path for persistence
}

type entry struct {
	Summary   *api.Summary `json:"summary"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// NewMemoryStore creates an in-memory store. A non-empty snapshotPath is
// loaded now and rewritten on Close.
func NewMemoryStore(snapshotPath string) (*MemoryStore, error) {
	ms := &MemoryStore{
		store:    make(map[string]*entry),
		snapshot: snapshotPath,
	}

	if snapshotPath != "" {
		if err := ms.loadSnapshot(); err != nil {
			return nil, err
		}
	}

	return ms, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*api.Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.store[key]
	if !ok {
		return nil, nil
	}

	if time.Now().After(e.ExpiresAt) {
		return nil, nil // expired
	}

	return e.Summary, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, summary *api.Summary, ttl time.Duration) error {
	if err := checkSummary(key, summary); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// First write wins
	if e, exists := m.store[key]; exists {
		if time.Now().Before(e.ExpiresAt) {
			return nil
		}
	}

	m.store[key] = &entry{
		Summary:   summary,
		ExpiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) Close() error {
	if m.snapshot != "" {
		return m.saveSnapshot()
	}
	return nil
}

func (m *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(m.snapshot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // no snapshot yet
		}
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var snapshot map[string]*entry
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	// Only load live entries that still pass checkSummary.
	now := time.Now()
	for k, v := range snapshot {
		if v == nil || !now.Before(v.ExpiresAt) || checkSummary(k, v.Summary) != nil {
			continue
		}
		m.store[k] = v
	}

	return nil
}

func (m *MemoryStore) saveSnapshot() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	toSave := make(map[string]*entry)
	for k, v := range m.store {
		if now.Before(v.ExpiresAt) {
			toSave[k] = v
		}
	}

	data, err := json.MarshalIndent(toSave, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(m.snapshot), 0o755); err != nil {
		return err
	}
	return os.WriteFile(m.snapshot, data, 0600)
}
