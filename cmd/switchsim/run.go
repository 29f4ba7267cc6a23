package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/switchback/internal/api"
	"github.com/fractal-lba/switchback/internal/cache"
	"github.com/fractal-lba/switchback/internal/dataset"
	"github.com/fractal-lba/switchback/internal/grid"
	"github.com/fractal-lba/switchback/internal/resultstore"
	"github.com/fractal-lba/switchback/internal/simulation"
)

// sourceFlags select the input table.
type sourceFlags struct {
	csvPath     string
	postgresDSN string
	query       string
}

func (s *sourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.csvPath, "data", "", "CSV file with a header row")
	cmd.Flags().StringVar(&s.postgresDSN, "postgres-dsn", getEnv("SWITCHBACK_POSTGRES_DSN", ""), "Postgres connection string (used with --query)")
	cmd.Flags().StringVar(&s.query, "query", "", "SQL query returning the order rows")
}

func (s *sourceFlags) load(ctx context.Context) (*dataset.Table, error) {
	switch {
	case s.csvPath != "" && s.query != "":
		return nil, fmt.Errorf("--data and --query are mutually exclusive")
	case s.csvPath != "":
		return dataset.LoadCSVFile(s.csvPath)
	case s.query != "":
		if s.postgresDSN == "" {
			return nil, fmt.Errorf("--query requires --postgres-dsn or SWITCHBACK_POSTGRES_DSN")
		}
		ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		pool, err := dataset.ConnectPostgres(ctx, s.postgresDSN)
		if err != nil {
			return nil, err
		}
		defer pool.Close()
		return dataset.LoadPostgres(ctx, pool, s.query)
	default:
		return nil, fmt.Errorf("one of --data or --query is required")
	}
}

// storeFlags select where seeded summaries are kept.
type storeFlags struct {
	backend   string
	redisAddr string
	snapshot  string
}

func (s *storeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.backend, "store", getEnv("RESULT_BACKEND", "none"), "Result store: none, memory or redis")
	cmd.Flags().StringVar(&s.redisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis address for --store redis")
	cmd.Flags().StringVar(&s.snapshot, "snapshot", getEnv("RESULT_SNAPSHOT", "data/results.json"), "Snapshot file for --store memory")
}

func (s *storeFlags) open(ctx context.Context) (resultstore.Store, error) {
	switch s.backend {
	case "none", "":
		return nil, nil
	case "memory":
		return resultstore.NewMemoryStore(s.snapshot)
	case "redis":
		return resultstore.NewRedisStore(ctx, s.redisAddr)
	default:
		return nil, fmt.Errorf("unknown result store %q", s.backend)
	}
}

// newEngine builds the engine shared by both commands.
func newEngine(env *runtimeEnv, workers int) (*simulation.Engine, error) {
	assignments, err := cache.NewAssignmentCache(getEnvInt("SWITCHBACK_ASSIGNMENT_CACHE", 16))
	if err != nil {
		return nil, fmt.Errorf("failed to create assignment cache: %w", err)
	}
	opts := []simulation.Option{
		simulation.WithMetrics(env.metrics),
		simulation.WithAssignmentCache(assignments),
	}
	if workers > 0 {
		opts = append(opts, simulation.WithWorkers(workers))
	}
	return simulation.NewEngine(opts...), nil
}

func runCmd() *cobra.Command {
	cfg := api.DefaultConfig()
	var (
		source   sourceFlags
		store    storeFlags
		method   string
		controls string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Estimate Type I error and power for one analysis strategy",
		Example: `  switchsim run --data orders.csv --time created_at --location city \
    --outcome gmv --freq D --mde 1.05 --sims 500 --method ols`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Method = api.Method(strings.ToLower(method))
			cfg.ControlVars = splitList(controls)
			// Reject bad configuration before touching any data source.
			if _, err := simulation.Validate(cfg); err != nil {
				return err
			}

			env, err := startRuntime(cmd)
			if err != nil {
				return err
			}
			defer env.close()

			table, err := source.load(env.ctx)
			if err != nil {
				return err
			}
			engine, err := newEngine(env, cfg.Workers)
			if err != nil {
				return err
			}
			results, err := store.open(env.ctx)
			if err != nil {
				return err
			}
			if results != nil {
				defer results.Close()
			}

			// A single scenario plan reuses the grid's store lookup.
			plan := &grid.Plan{
				Base:      cfg,
				Tolerance: grid.DefaultTolerance,
				Scenarios: []grid.Scenario{{Name: "run", Method: cfg.Method, Agg: cfg.Agg}},
			}
			report, err := grid.NewRunner(engine, results, nil).Run(env.ctx, table, plan)
			if err != nil {
				return err
			}
			return writeSummary(os.Stdout, output, report.Results[0].Summary)
		},
	}

	source.register(cmd)
	store.register(cmd)
	cmd.Flags().StringVar(&cfg.TimeVar, "time", "", "Order timestamp column")
	cmd.Flags().StringVar(&cfg.LocationVar, "location", "", "Order location column")
	cmd.Flags().StringVar(&cfg.OutcomeVar, "outcome", "", "Outcome column")
	cmd.Flags().StringVar(&controls, "controls", "", "Comma-separated control columns")
	cmd.Flags().StringVar(&cfg.Frequency, "freq", "D", "Switch frequency, e.g. D, 4H, 30min, W, MS")
	cmd.Flags().Float64Var(&cfg.MDE, "mde", cfg.MDE, "Multiplicative effect injected into treated rows")
	cmd.Flags().IntVar(&cfg.Sims, "sims", cfg.Sims, "Monte Carlo replicates")
	cmd.Flags().StringVar(&method, "method", string(cfg.Method), "Analysis method: ols or mlm")
	cmd.Flags().BoolVar(&cfg.Agg, "agg", false, "Analyse cluster means instead of orders (ols only)")
	cmd.Flags().Uint64Var(&cfg.Seed, "seed", 0, "Random seed; 0 draws a fresh one")
	cmd.Flags().IntVar(&cfg.Workers, "workers", getEnvInt("SWITCHBACK_WORKERS", 0), "Parallel replicates; 0 uses one per CPU")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")

	return cmd
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
