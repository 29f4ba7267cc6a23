package resultstore

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/switchback/internal/api"
)

func seeded(typeI, power float64) *api.Summary {
	return &api.Summary{Seed: 7, Sims: 100, TypeIError: typeI, Power: power}
}

func TestMemoryStore_FirstWriteWins(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore("")
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Set(ctx, "k", seeded(0.05, 0.6), time.Hour))
	require.NoError(t, store.Set(ctx, "k", seeded(0.5, 0.6), time.Hour))

	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.05, got.TypeIError)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore("")
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "k", seeded(0.05, 1), time.Nanosecond))
	time.Sleep(time.Millisecond)

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)

	// An expired entry can be replaced.
	require.NoError(t, store.Set(ctx, "k", seeded(0.05, 0.7), time.Hour))
	got, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.Power)
}

func TestMemoryStore_RejectsInvalidSummaries(t *testing.T) {
	ctx := context.Background()
	store, err := NewMemoryStore("")
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     string
		summary *api.Summary
	}{
		{"empty key", "", seeded(0.05, 0.5)},
		{"nil summary", "k", nil},
		{"unseeded", "k", &api.Summary{Sims: 100, TypeIError: 0.05}},
		{"no replicates", "k", &api.Summary{Seed: 1, TypeIError: 0.05}},
		{"type I above one", "k", seeded(1.5, 0.5)},
		{"negative power", "k", seeded(0.05, -0.1)},
		{"NaN power", "k", seeded(0.05, math.NaN())},
		{"too many degenerate", "k", &api.Summary{Seed: 1, Sims: 10, Degenerate: 11}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Set(ctx, tt.key, tt.summary, time.Hour)
			assert.ErrorIs(t, err, ErrInvalidSummary)

			got, err := store.Get(ctx, tt.key)
			require.NoError(t, err)
			assert.Nil(t, got, "rejected summaries are not stored")
		})
	}
}

func TestMemoryStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "summaries.json")

	store, err := NewMemoryStore(path)
	require.NoError(t, err)
	s := seeded(0.04, 0.9)
	s.RunID = "run-1"
	require.NoError(t, store.Set(ctx, "k", s, time.Hour))
	require.NoError(t, store.Close())

	reloaded, err := NewMemoryStore(path)
	require.NoError(t, err)
	got, err := reloaded.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 100, got.Sims)
}

func TestMemoryStore_SnapshotSkipsInvalidEntries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "summaries.json")

	expires := time.Now().Add(time.Hour)
	snapshot := map[string]*entry{
		"good":    {Summary: seeded(0.05, 0.8), ExpiresAt: expires},
		"bad":     {Summary: seeded(0.05, 4), ExpiresAt: expires},
		"expired": {Summary: seeded(0.05, 0.8), ExpiresAt: time.Now().Add(-time.Hour)},
		"empty":   nil,
	}
	data, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	store, err := NewMemoryStore(path)
	require.NoError(t, err)

	for key, want := range map[string]bool{"good": true, "bad": false, "expired": false, "empty": false} {
		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, got != nil, key)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("SWITCHBACK_REDIS_ADDR")
	if addr == "" {
		t.Skip("SWITCHBACK_REDIS_ADDR not set")
	}

	ctx := context.Background()
	store, err := NewRedisStore(ctx, addr)
	require.NoError(t, err)
	defer store.Close()

	key := "test-" + time.Now().Format(time.RFC3339Nano)
	require.NoError(t, store.Set(ctx, key, seeded(0.05, 0.8), time.Minute))
	require.NoError(t, store.Set(ctx, key, seeded(0.05, 0.1), time.Minute))
	assert.ErrorIs(t, store.Set(ctx, key+"-bad", seeded(2, 0.1), time.Minute), ErrInvalidSummary)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.8, got.Power)
}
