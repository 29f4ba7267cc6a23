package simulation

import (
	"github.com/fractal-lba/switchback/internal/api"
	"github.com/fractal-lba/switchback/internal/dataset"
	"github.com/fractal-lba/switchback/internal/estimator"
	"github.com/fractal-lba/switchback/internal/period"
)

// Model column names.
const (
	columnOutcome   = "outcome"
	columnSimulated = "outcome_sim"
	columnVariant   = "variant"
	columnCluster   = "period_location"
)

// design is the read-only view every replicate of a run fits on. In the
// order-level view there is one row per observation; in the aggregated view
// one row per cluster holding cluster means.
type design struct {
	rows     int
	clusters int

	// clusterOf maps each row to the cluster whose label it takes.
	clusterOf []int
	outcome   []float64
	// group is the model grouping factor; nil in the aggregated view.
	group    []int
	controls map[string][]float64

	kind estimator.Kind
}

// buildDesign selects the view for cfg. cfg must already be validated.
func buildDesign(frame *dataset.Frame, a *period.Assignment, cfg api.Config) *design {
	if cfg.Agg {
		return aggregatedDesign(frame, a)
	}

	d := &design{
		rows:      frame.Len(),
		clusters:  a.NumClusters(),
		clusterOf: a.ClusterOf,
		outcome:   frame.Outcomes(),
		group:     a.ClusterOf,
		controls:  make(map[string][]float64, len(frame.ControlNames)),
		kind:      estimator.KindClusteredOLS,
	}
	if cfg.Method == api.MethodMLM {
		d.kind = estimator.KindMixed
	}
	for c, name := range frame.ControlNames {
		col := make([]float64, frame.Len())
		for i, o := range frame.Observations {
			col[i] = o.Controls[c]
		}
		d.controls[name] = col
	}
	return d
}

// aggregatedDesign reduces the outcome and numeric controls to cluster means.
// Categorical controls have no mean and are dropped.
func aggregatedDesign(frame *dataset.Frame, a *period.Assignment) *design {
	g := a.NumClusters()
	d := &design{
		rows:      g,
		clusters:  g,
		clusterOf: make([]int, g),
		outcome:   make([]float64, g),
		controls:  make(map[string][]float64),
		kind:      estimator.KindOLS,
	}
	for c := range d.clusterOf {
		d.clusterOf[c] = c
	}

	numeric := make([]int, 0, len(frame.ControlNames))
	for c := range frame.ControlNames {
		if frame.ControlLevels[c] == nil {
			numeric = append(numeric, c)
			d.controls[frame.ControlNames[c]] = make([]float64, g)
		}
	}

	for i, o := range frame.Observations {
		c := a.ClusterOf[i]
		d.outcome[c] += o.Outcome
		for _, k := range numeric {
			d.controls[frame.ControlNames[k]][c] += o.Controls[k]
		}
	}
	for c, size := range a.Sizes {
		n := float64(size)
		d.outcome[c] /= n
		for _, k := range numeric {
			d.controls[frame.ControlNames[k]][c] /= n
		}
	}
	return d
}

// spec returns the model of response on the treatment indicator.
func (d *design) spec(response string) estimator.Spec {
	return estimator.Spec{
		Response:  response,
		Predictor: columnVariant,
		Group:     columnCluster,
		Kind:      d.kind,
	}
}

// data assembles the model columns for one replicate. Shared columns are
// not copied and must not be modified by the fitter.
func (d *design) data(variant, simulated []float64) estimator.Data {
	floats := make(map[string][]float64, len(d.controls)+3)
	for name, col := range d.controls {
		floats[name] = col
	}
	floats[columnOutcome] = d.outcome
	floats[columnSimulated] = simulated
	floats[columnVariant] = variant

	data := estimator.Data{Floats: floats}
	if d.group != nil {
		data.Factors = map[string][]int{columnCluster: d.group}
	}
	return data
}
