// Package simulation runs the Monte Carlo evaluation of a switchback design:
// for each replicate it randomizes region-time clusters, injects a synthetic
// effect and records whether the null (A/A) and injected (A/B) fits reject.
package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/fractal-lba/switchback/internal/api"
	"github.com/fractal-lba/switchback/internal/assign"
	"github.com/fractal-lba/switchback/internal/cache"
	"github.com/fractal-lba/switchback/internal/dataset"
	"github.com/fractal-lba/switchback/internal/estimator"
	"github.com/fractal-lba/switchback/internal/metrics"
	"github.com/fractal-lba/switchback/internal/period"
	"github.com/fractal-lba/switchback/pkg/otel"
)

const tracerName = "switchback/simulation"

// DefaultProgressInterval is the minimum gap between progress log lines.
const DefaultProgressInterval = 5 * time.Second

// Engine runs simulations. An Engine is safe for concurrent use; the
// assignment cache, if any, is shared by all runs.
type Engine struct {
	randomizer assign.Randomizer
	fitter     estimator.Fitter
	logger     *slog.Logger
	metrics    *metrics.Metrics
	cache      *cache.AssignmentCache
	workers    int
	progress   time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithRandomizer replaces the fair-coin cluster randomizer.
func WithRandomizer(r assign.Randomizer) Option {
	return func(e *Engine) { e.randomizer = r }
}

// WithFitter replaces the estimator.
func WithFitter(f estimator.Fitter) Option {
	return func(e *Engine) { e.fitter = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records run, replicate and fit metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithAssignmentCache reuses cluster assignments across runs over the same
// table, columns and frequency.
func WithAssignmentCache(c *cache.AssignmentCache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithWorkers sets the default replicate parallelism. Config.Workers, when
// set, takes precedence.
func WithWorkers(n int) Option {
	return func(e *Engine) { e.workers = n }
}

// WithProgressInterval sets the minimum gap between progress log lines.
func WithProgressInterval(d time.Duration) Option {
	return func(e *Engine) { e.progress = d }
}

// NewEngine creates an engine with the fair-coin randomizer and the default
// estimators.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		randomizer: assign.FairCoin,
		fitter:     estimator.Default,
		logger:     slog.Default(),
		workers:    runtime.NumCPU(),
		progress:   DefaultProgressInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type replicateResult struct {
	nullRejected     bool
	injectedRejected bool
	degenerate       bool
}

// Run simulates cfg.Sims switchback experiments on table and returns the
// Type I error rate and power of the configured analysis.
//
// Configuration errors are returned before any randomization. A fit error
// aborts the run, as does cancelling ctx; neither returns a partial summary.
func (e *Engine) Run(ctx context.Context, table *dataset.Table, cfg api.Config) (*api.Summary, error) {
	startedAt := time.Now()

	freq, err := Validate(cfg)
	if err != nil {
		return nil, err
	}

	frame, err := table.Select(dataset.ColumnSpec{
		Time:     cfg.TimeVar,
		Location: cfg.LocationVar,
		Outcome:  cfg.OutcomeVar,
		Controls: cfg.ControlVars,
	})
	if err != nil {
		return nil, fmt.Errorf("select columns: %w", err)
	}

	assignment, cacheHit := e.assignment(table, cfg, freq, frame)

	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Uint64()
	}
	runID := uuid.NewString()

	ctx, span := otel.StartSpan(ctx, tracerName, "simulation.run",
		otel.RunAttributes(runID, string(cfg.Method), cfg.Agg, cfg.MDE, cfg.Sims, freq.String(), seed)...)
	defer span.End()
	span.SetAttributes(otel.DesignAttributes(frame.Len(), assignment.NumClusters(), cacheHit)...)

	logger := e.logger.With("run_id", runID)
	logger.Info("simulation started",
		"method", cfg.Method,
		"agg", cfg.Agg,
		"mde", cfg.MDE,
		"sims", cfg.Sims,
		"frequency", freq.String(),
		"seed", seed,
		"rows", frame.Len(),
		"clusters", assignment.NumClusters(),
		"cache_hit", cacheHit,
	)

	d := buildDesign(frame, assignment, cfg)
	results, err := e.replicates(ctx, logger, d, cfg, seed)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ObserveRun(string(cfg.Method), cfg.Agg, 0, 0, err)
		}
		otel.RecordError(span, err, "simulation aborted")
		logger.Error("simulation failed", "error", err)
		return nil, err
	}

	var nullRejected, injectedRejected, degenerate int
	for _, r := range results {
		if r.nullRejected {
			nullRejected++
		}
		if r.injectedRejected {
			injectedRejected++
		}
		if r.degenerate {
			degenerate++
		}
	}

	summary := &api.Summary{
		RunID:      runID,
		Method:     cfg.Method,
		Agg:        cfg.Agg,
		MDE:        cfg.MDE,
		Frequency:  freq.String(),
		Seed:       seed,
		Sims:       cfg.Sims,
		TypeIError: float64(nullRejected) / float64(cfg.Sims),
		Power:      float64(injectedRejected) / float64(cfg.Sims),
		Degenerate: degenerate,
		Rows:       frame.Len(),
		Clusters:   assignment.NumClusters(),
		StartedAt:  startedAt.UTC(),
		Duration:   time.Since(startedAt),
	}

	if e.metrics != nil {
		e.metrics.ObserveRun(string(cfg.Method), cfg.Agg, summary.TypeIError, summary.Power, nil)
	}
	span.SetAttributes(otel.ResultAttributes(summary.TypeIError, summary.Power, degenerate)...)
	logger.Info("simulation finished",
		"type_i_error", summary.TypeIError,
		"power", summary.Power,
		"degenerate", degenerate,
		"duration", summary.Duration,
	)
	return summary, nil
}

func (e *Engine) assignment(table *dataset.Table, cfg api.Config, freq period.Frequency, frame *dataset.Frame) (*period.Assignment, bool) {
	compute := func() *period.Assignment {
		return period.Assign(frame.Observations, freq)
	}
	if e.cache == nil {
		return compute(), false
	}

	key := table.Fingerprint() + "|" + cfg.TimeVar + "|" + cfg.LocationVar + "|" + freq.String()
	a, hit := e.cache.GetOrCompute(key, compute)
	if e.metrics != nil {
		if hit {
			e.metrics.CacheHits.Inc()
		} else {
			e.metrics.CacheMisses.Inc()
		}
	}
	return a, hit
}

// replicates runs every replicate on a bounded pool. Results land in
// index-addressed slots, so the outcome does not depend on scheduling.
func (e *Engine) replicates(ctx context.Context, logger *slog.Logger, d *design, cfg api.Config, seed uint64) ([]replicateResult, error) {
	workers := e.workers
	if cfg.Workers > 0 {
		workers = cfg.Workers
	}
	workers = max(1, min(workers, cfg.Sims))

	results := make([]replicateResult, cfg.Sims)
	span := trace.SpanFromContext(ctx)
	var done atomic.Int64
	progress := rate.Sometimes{Interval: e.progress}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < cfg.Sims; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := e.replicate(d, seed, i, cfg.MDE)
			if err != nil {
				return fmt.Errorf("replicate %d: %w", i, err)
			}
			results[i] = r
			if r.degenerate {
				logger.Warn("degenerate replicate", "replicate", i)
				otel.AddEvent(span, otel.EventDegenerate, otel.AttrReplicate.Int(i))
			}

			n := done.Add(1)
			progress.Do(func() {
				logger.Info("simulation progress", "done", n, "sims", cfg.Sims)
				otel.AddEvent(span, otel.EventProgress, otel.AttrDone.Int64(n))
			})
			return nil
		})
	}

	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.Replicates.Add(float64(cfg.Sims))
	}
	return results, nil
}

// replicate runs one simulated experiment: draw, broadcast, inject, then fit
// the observed and the injected outcome on the same assignment.
func (e *Engine) replicate(d *design, seed uint64, i int, mde float64) (replicateResult, error) {
	rng := assign.NewStream(seed, i)
	labels := e.randomizer.Draw(rng, d.clusters)
	if len(labels) != d.clusters {
		return replicateResult{}, fmt.Errorf("randomizer returned %d labels for %d clusters", len(labels), d.clusters)
	}

	variant := assign.Broadcast(labels, d.clusterOf)
	simulated := assign.Inject(d.outcome, variant, mde)
	data := d.data(variant, simulated)

	null, err := e.fit(d.spec(columnOutcome), data)
	if err != nil {
		return replicateResult{}, fmt.Errorf("null fit: %w", err)
	}
	injected, err := e.fit(d.spec(columnSimulated), data)
	if err != nil {
		return replicateResult{}, fmt.Errorf("injected fit: %w", err)
	}

	r := replicateResult{
		nullRejected:     null.Significant(api.Alpha),
		injectedRejected: injected.Significant(api.Alpha),
		degenerate:       assign.SingleArm(labels) || null.Degenerate || injected.Degenerate,
	}
	if r.degenerate && e.metrics != nil {
		e.metrics.Degenerate.Inc()
	}
	return r, nil
}

func (e *Engine) fit(spec estimator.Spec, data estimator.Data) (estimator.Result, error) {
	start := time.Now()
	res, err := e.fitter.Fit(spec, data)
	if e.metrics != nil {
		e.metrics.ObserveFit(spec.Kind.String(), time.Since(start), err)
	}
	return res, err
}
