package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/fractal-lba/switchback/internal/api"
	"github.com/fractal-lba/switchback/internal/grid"
)

func writeSummary(w io.Writer, format string, s *api.Summary) error {
	switch format {
	case "json", "yaml":
		return encode(w, format, s)
	case "text":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "Run ID:\t%s\n", s.RunID)
		fmt.Fprintf(tw, "Strategy:\t%s\n", strategy(s.Method, s.Agg))
		fmt.Fprintf(tw, "Frequency:\t%s\n", s.Frequency)
		fmt.Fprintf(tw, "MDE:\t%g\n", s.MDE)
		fmt.Fprintf(tw, "Replicates:\t%d (seed %d)\n", s.Sims, s.Seed)
		fmt.Fprintf(tw, "Orders / clusters:\t%d / %d\n", s.Rows, s.Clusters)
		fmt.Fprintf(tw, "Type I error:\t%.4f\n", s.TypeIError)
		fmt.Fprintf(tw, "Power:\t%.4f\n", s.Power)
		if s.Degenerate > 0 {
			fmt.Fprintf(tw, "Degenerate replicates:\t%d\n", s.Degenerate)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeReport(w io.Writer, format string, r *grid.Report) error {
	switch format {
	case "json", "yaml":
		return encode(w, format, r)
	case "text":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RANK\tSCENARIO\tSTRATEGY\tMDE\tTYPE I\tPOWER\tCALIBRATED\tCACHED")
		for i, res := range r.Results {
			s := res.Summary
			fmt.Fprintf(tw, "%d\t%s\t%s\t%g\t%.4f\t%.4f\t%t\t%t\n",
				i+1, res.Scenario.Name, strategy(s.Method, s.Agg), s.MDE, s.TypeIError, s.Power, res.Calibrated, res.Cached)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if best := r.Best(); best != nil {
			fmt.Fprintf(w, "\nRecommended: %s\n", best.Scenario.Name)
		} else {
			fmt.Fprintf(w, "\nNo scenario kept Type I error within %.3f of %.2f\n", r.Tolerance, api.Alpha)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func encode(w io.Writer, format string, v any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func strategy(method api.Method, agg bool) string {
	switch {
	case method == api.MethodMLM:
		return "mixed model (orders)"
	case agg:
		return "ols (cluster means)"
	default:
		return "clustered ols (orders)"
	}
}
