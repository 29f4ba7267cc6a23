package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fractal-lba/switchback/internal/grid"
)

func gridCmd() *cobra.Command {
	var (
		source   sourceFlags
		store    storeFlags
		planPath string
		workers  int
		output   string
	)

	cmd := &cobra.Command{
		Use:   "grid",
		Short: "Compare analysis strategies and rank them by calibration and power",
		Long: `Runs every scenario of a YAML plan on one dataset. Scenarios whose Type I
error is within the plan tolerance of 0.05 are ranked first, by power.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := grid.LoadPlan(planPath)
			if err != nil {
				return err
			}
			if err := plan.Validate(); err != nil {
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
			engine, err := newEngine(env, workers)
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

			report, err := grid.NewRunner(engine, results, nil).Run(env.ctx, table, plan)
			if err != nil {
				return err
			}
			return writeReport(os.Stdout, output, report)
		},
	}

	source.register(cmd)
	store.register(cmd)
	cmd.Flags().StringVar(&planPath, "plan", "", "YAML scenario plan")
	cmd.Flags().IntVar(&workers, "workers", getEnvInt("SWITCHBACK_WORKERS", 0), "Parallel replicates per scenario; 0 uses one per CPU")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "Output format: text, json or yaml")
	_ = cmd.MarkFlagRequired("plan")

	return cmd
}
