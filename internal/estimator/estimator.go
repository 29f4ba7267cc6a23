package estimator

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// ErrNoConvergence is returned when a model cannot be fitted.
var ErrNoConvergence = errors.New("estimator did not converge")

// Kind selects the estimator.
type Kind int

const (
	// KindOLS is least squares with the classical covariance.
	KindOLS Kind = iota
	// KindClusteredOLS is least squares with a CR1 cluster-robust covariance
	// keyed by the Spec's group factor.
	KindClusteredOLS
	// KindMixed is a random-intercept linear mixed model fitted by REML,
	// with the Spec's group factor as the grouping variable.
	KindMixed
)

func (k Kind) String() string {
	switch k {
	case KindOLS:
		return "ols"
	case KindClusteredOLS:
		return "clustered_ols"
	case KindMixed:
		return "mixed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Spec is a typed model specification: Response ~ 1 + Predictor, with Group
// naming the clustering or grouping factor where the Kind needs one.
type Spec struct {
	Response  string
	Predictor string
	Group     string
	Kind      Kind
}

// Data holds named model columns. Every column has one entry per row.
type Data struct {
	Floats  map[string][]float64
	Factors map[string][]int
}

// Result describes the fitted predictor coefficient.
type Result struct {
	Coef   float64
	StdErr float64
	Stat   float64 // t or z statistic
	DF     float64 // reference distribution degrees of freedom; +Inf for z
	PValue float64 // two-sided

	// Degenerate is set when the design cannot identify the coefficient,
	// e.g. a predictor with a single distinct value. PValue is NaN then.
	Degenerate bool
}

// Significant reports p < alpha. Degenerate fits are never significant.
func (r Result) Significant(alpha float64) bool {
	return !math.IsNaN(r.PValue) && r.PValue < alpha
}

// Fitter fits a model and reports on the predictor coefficient.
type Fitter interface {
	Fit(spec Spec, data Data) (Result, error)
}

// FitterFunc adapts a function to Fitter.
type FitterFunc func(spec Spec, data Data) (Result, error)

func (f FitterFunc) Fit(spec Spec, data Data) (Result, error) { return f(spec, data) }

// Default is the package Fit function as a Fitter.
var Default Fitter = FitterFunc(Fit)

// Fit fits spec on data.
func Fit(spec Spec, data Data) (Result, error) {
	y, ok := data.Floats[spec.Response]
	if !ok {
		return Result{}, fmt.Errorf("response column %q not found", spec.Response)
	}
	x, ok := data.Floats[spec.Predictor]
	if !ok {
		return Result{}, fmt.Errorf("predictor column %q not found", spec.Predictor)
	}
	if len(x) != len(y) {
		return Result{}, fmt.Errorf("column length mismatch: %s=%d, %s=%d", spec.Response, len(y), spec.Predictor, len(x))
	}

	var groups []int
	if spec.Kind != KindOLS {
		groups, ok = data.Factors[spec.Group]
		if !ok {
			return Result{}, fmt.Errorf("group factor %q not found", spec.Group)
		}
		if len(groups) != len(y) {
			return Result{}, fmt.Errorf("column length mismatch: %s=%d, %s=%d", spec.Response, len(y), spec.Group, len(groups))
		}
	}

	if singleValued(x) {
		return degenerate(), nil
	}

	switch spec.Kind {
	case KindOLS:
		return fitOLS(y, x, nil)
	case KindClusteredOLS:
		return fitOLS(y, x, groups)
	case KindMixed:
		return fitMixed(y, x, groups)
	default:
		return Result{}, fmt.Errorf("unsupported estimator %s", spec.Kind)
	}
}

func degenerate() Result {
	nan := math.NaN()
	return Result{Coef: nan, StdErr: nan, Stat: nan, DF: nan, PValue: nan, Degenerate: true}
}

func singleValued(x []float64) bool {
	for _, v := range x {
		if v != x[0] {
			return false
		}
	}
	return true
}

// denseGroups relabels arbitrary group labels to 0..G-1.
func denseGroups(groups []int) ([]int, int) {
	index := make(map[int]int)
	out := make([]int, len(groups))
	for i, g := range groups {
		d, ok := index[g]
		if !ok {
			d = len(index)
			index[g] = d
		}
		out[i] = d
	}
	return out, len(index)
}

func twoSidedT(stat, df float64) float64 {
	t := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * t.CDF(-math.Abs(stat))
}

func twoSidedZ(stat float64) float64 {
	return 2 * distuv.UnitNormal.CDF(-math.Abs(stat))
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
