package grid

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fractal-lba/switchback/internal/api"
	"github.com/fractal-lba/switchback/internal/dataset"
	"github.com/fractal-lba/switchback/internal/resultstore"
	"github.com/fractal-lba/switchback/internal/simulation"
)

// DefaultResultTTL bounds how long stored summaries are reused.
const DefaultResultTTL = 7 * 24 * time.Hour

// Result is the evaluation of one scenario.
type Result struct {
	Scenario   Scenario     `json:"scenario" yaml:"scenario"`
	Summary    *api.Summary `json:"summary" yaml:"summary"`
	Calibrated bool         `json:"calibrated" yaml:"calibrated"`
	// Cached is set when the summary came from the result store.
	Cached bool `json:"cached" yaml:"cached"`
}

// Report ranks scenario results: calibrated scenarios first, then by power,
// then by calibration gap.
type Report struct {
	Dataset   string   `json:"dataset" yaml:"dataset"`
	Tolerance float64  `json:"tolerance" yaml:"tolerance"`
	Results   []Result `json:"results" yaml:"results"`
}

// Best returns the top-ranked calibrated result, or nil when no scenario is
// calibrated.
func (r *Report) Best() *Result {
	if len(r.Results) == 0 || !r.Results[0].Calibrated {
		return nil
	}
	return &r.Results[0]
}

// Runner evaluates plans. Scenarios run one after another; each run is
// parallel internally.
type Runner struct {
	engine *simulation.Engine
	store  resultstore.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewRunner creates a runner. store may be nil.
func NewRunner(engine *simulation.Engine, store resultstore.Store, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{engine: engine, store: store, ttl: DefaultResultTTL, logger: logger}
}

// Run evaluates every scenario of plan on table. The plan is validated as a
// whole before the first simulation starts.
func (r *Runner) Run(ctx context.Context, table *dataset.Table, plan *Plan) (*Report, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	datasetID := table.Fingerprint()
	report := &Report{
		Dataset:   datasetID,
		Tolerance: plan.Tolerance,
		Results:   make([]Result, 0, len(plan.Scenarios)),
	}

	for _, s := range plan.Scenarios {
		cfg := plan.Config(s)
		summary, cached, err := r.runScenario(ctx, table, datasetID, cfg)
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", s.Name, err)
		}
		report.Results = append(report.Results, Result{
			Scenario:   s,
			Summary:    summary,
			Calibrated: summary.CalibrationGap() <= plan.Tolerance,
			Cached:     cached,
		})
		r.logger.Info("scenario evaluated",
			"scenario", s.Name,
			"type_i_error", summary.TypeIError,
			"power", summary.Power,
			"cached", cached,
		)
	}

	rank(report.Results)
	return report, nil
}

func (r *Runner) runScenario(ctx context.Context, table *dataset.Table, datasetID string, cfg api.Config) (*api.Summary, bool, error) {
	key := cfg.Fingerprint(datasetID)
	if r.store != nil && key != "" {
		summary, err := r.store.Get(ctx, key)
		if err != nil {
			r.logger.Warn("result store lookup failed", "error", err)
		} else if summary != nil {
			return summary, true, nil
		}
	}

	summary, err := r.engine.Run(ctx, table, cfg)
	if err != nil {
		return nil, false, err
	}

	if r.store != nil && key != "" {
		if err := r.store.Set(ctx, key, summary, r.ttl); err != nil {
			r.logger.Warn("result store write failed", "error", err)
		}
	}
	return summary, false, nil
}

func rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Calibrated != b.Calibrated {
			return a.Calibrated
		}
		if a.Summary.Power != b.Summary.Power {
			return a.Summary.Power > b.Summary.Power
		}
		return a.Summary.CalibrationGap() < b.Summary.CalibrationGap()
	})
}
