package grid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractal-lba/switchback/internal/api"
	"github.com/fractal-lba/switchback/internal/dataset"
	"github.com/fractal-lba/switchback/internal/resultstore"
	"github.com/fractal-lba/switchback/internal/simulation"
)

const planYAML = `
base:
  time_var: created_at
  location_var: city
  outcome_var: gmv
  frequency: D
  sims: 40
  seed: 5
tolerance: 0.03
scenarios:
  - name: order-level
    method: ols
  - method: ols
    agg: true
    mde: 1.5
  - name: mixed
    method: mlm
`

func ordersTable(t *testing.T) *dataset.Table {
	t.Helper()
	rng := rand.New(rand.NewPCG(21, 0))
	base := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

	var rows [][]string
	for d := 0; d < 6; d++ {
		for _, city := range []string{"berlin", "munich"} {
			for k := 0; k < 4; k++ {
				ts := base.AddDate(0, 0, d).Add(time.Duration(3*k+8) * time.Hour)
				y := 20 + 4*rng.Float64()
				rows = append(rows, []string{ts.Format(time.RFC3339), city, strconv.FormatFloat(y, 'f', 4, 64)})
			}
		}
	}
	table, err := dataset.NewTable([]string{"created_at", "city", "gmv"}, rows)
	require.NoError(t, err)
	return table
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingRandomizer struct {
	draws atomic.Int64
}

func (c *countingRandomizer) Draw(rng *rand.Rand, clusters int) []bool {
	c.draws.Add(1)
	labels := make([]bool, clusters)
	for i := range labels {
		labels[i] = rng.Float64() < 0.5
	}
	return labels
}

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(planYAML))
	require.NoError(t, err)

	assert.Equal(t, 0.03, plan.Tolerance)
	assert.Equal(t, "created_at", plan.Base.TimeVar)
	assert.Equal(t, 40, plan.Base.Sims)
	assert.Equal(t, 1.01, plan.Base.MDE, "unset base fields keep defaults")
	require.Len(t, plan.Scenarios, 3)
	assert.Equal(t, "ols-agg", plan.Scenarios[1].Name)

	cfg := plan.Config(plan.Scenarios[1])
	assert.Equal(t, 1.5, cfg.MDE)
	assert.True(t, cfg.Agg)
	assert.Equal(t, uint64(5), cfg.Seed)

	assert.Equal(t, 1.01, plan.Config(plan.Scenarios[0]).MDE)
	assert.NoError(t, plan.Validate())
}

func TestParsePlan_Defaults(t *testing.T) {
	plan, err := ParsePlan([]byte("base:\n  time_var: ts\n"))
	require.NoError(t, err)
	assert.Equal(t, DefaultTolerance, plan.Tolerance)
	assert.Equal(t, DefaultScenarios(), plan.Scenarios)
}

func TestParsePlan_Malformed(t *testing.T) {
	_, err := ParsePlan([]byte("scenarios: [\n"))
	assert.ErrorContains(t, err, "parse plan")
}

func TestLoadPlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(planYAML), 0o600))

	plan, err := LoadPlan(path)
	require.NoError(t, err)
	assert.Len(t, plan.Scenarios, 3)

	_, err = LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestPlanValidate_ReportsEveryInvalidScenario(t *testing.T) {
	plan, err := ParsePlan([]byte(planYAML))
	require.NoError(t, err)
	plan.Scenarios = append(plan.Scenarios,
		Scenario{Name: "mixed-agg", Method: api.MethodMLM, Agg: true},
		Scenario{Name: "lasso", Method: "lasso"},
		Scenario{Name: "mixed", Method: api.MethodMLM},
	)

	err = plan.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "scenario mixed-agg")
	assert.ErrorContains(t, err, "scenario lasso")
	assert.ErrorContains(t, err, "duplicate scenario name")

	var cfgErr *api.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestPlanValidate_Tolerance(t *testing.T) {
	plan := &Plan{Base: api.DefaultConfig(), Tolerance: -0.1, Scenarios: DefaultScenarios()}
	var cfgErr *api.ConfigError
	require.ErrorAs(t, plan.Validate(), &cfgErr)
	assert.Equal(t, "tolerance", cfgErr.Field)
}

func TestRunner_InvalidPlanRunsNothing(t *testing.T) {
	plan, err := ParsePlan([]byte(planYAML))
	require.NoError(t, err)
	plan.Scenarios = append(plan.Scenarios, Scenario{Name: "bad", Method: api.MethodMLM, Agg: true})

	randomizer := &countingRandomizer{}
	engine := simulation.NewEngine(simulation.WithRandomizer(randomizer), simulation.WithLogger(quietLogger()))

	report, err := NewRunner(engine, nil, quietLogger()).Run(context.Background(), ordersTable(t), plan)
	assert.Nil(t, report)
	assert.Error(t, err)
	assert.Zero(t, randomizer.draws.Load())
}

func TestRunner_ReusesStoredSummaries(t *testing.T) {
	plan, err := ParsePlan([]byte(planYAML))
	require.NoError(t, err)
	table := ordersTable(t)

	store, err := resultstore.NewMemoryStore("")
	require.NoError(t, err)
	defer store.Close()

	engine := simulation.NewEngine(simulation.WithLogger(quietLogger()))
	runner := NewRunner(engine, store, quietLogger())

	first, err := runner.Run(context.Background(), table, plan)
	require.NoError(t, err)
	require.Len(t, first.Results, 3)
	assert.Equal(t, table.Fingerprint(), first.Dataset)
	for _, r := range first.Results {
		assert.False(t, r.Cached)
		assert.Equal(t, 40, r.Summary.Sims)
		assert.Equal(t, r.Summary.CalibrationGap() <= plan.Tolerance, r.Calibrated)
	}

	second, err := runner.Run(context.Background(), table, plan)
	require.NoError(t, err)
	runIDs := make(map[string]string)
	for _, r := range first.Results {
		runIDs[r.Scenario.Name] = r.Summary.RunID
	}
	for _, r := range second.Results {
		assert.True(t, r.Cached, r.Scenario.Name)
		assert.Equal(t, runIDs[r.Scenario.Name], r.Summary.RunID)
	}
}

func TestRunner_UnseededRunsAreNotStored(t *testing.T) {
	plan, err := ParsePlan([]byte(planYAML))
	require.NoError(t, err)
	plan.Base.Seed = 0
	plan.Scenarios = plan.Scenarios[:1]

	store, err := resultstore.NewMemoryStore("")
	require.NoError(t, err)
	runner := NewRunner(simulation.NewEngine(simulation.WithLogger(quietLogger())), store, quietLogger())

	for i := 0; i < 2; i++ {
		report, err := runner.Run(context.Background(), ordersTable(t), plan)
		require.NoError(t, err)
		assert.False(t, report.Results[0].Cached)
	}
}

func TestRank(t *testing.T) {
	result := func(name string, typeI, power float64, calibrated bool) Result {
		return Result{
			Scenario:   Scenario{Name: name},
			Summary:    &api.Summary{TypeIError: typeI, Power: power},
			Calibrated: calibrated,
		}
	}
	results := []Result{
		result("liberal", 0.12, 0.99, false),
		result("weak", 0.05, 0.40, true),
		result("strong-loose", 0.065, 0.90, true),
		result("strong-tight", 0.051, 0.90, true),
	}

	rank(results)

	var order []string
	for _, r := range results {
		order = append(order, r.Scenario.Name)
	}
	assert.Equal(t, []string{"strong-tight", "strong-loose", "weak", "liberal"}, order)

	report := &Report{Results: results}
	require.NotNil(t, report.Best())
	assert.Equal(t, "strong-tight", report.Best().Scenario.Name)

	uncalibrated := &Report{Results: []Result{result("liberal", 0.2, 1, false)}}
	assert.Nil(t, uncalibrated.Best())
}

func ExampleParsePlan() {
	plan, _ := ParsePlan([]byte("base:\n  sims: 500\nscenarios:\n  - method: ols\n    agg: true\n"))
	fmt.Println(plan.Scenarios[0].Name, plan.Base.Sims, plan.Base.MDE)
	// Output: ols-agg 500 1.01
}
