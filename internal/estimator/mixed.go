package estimator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Random-intercept model
//
//	y_gi = b0 + b1*x_gi + u_g + e_gi,  u_g ~ N(0, s2*gamma), e_gi ~ N(0, s2)
//
// For a group of size n the marginal covariance is s2*(I + gamma*J), whose
// inverse is (I - c*J)/s2 with c = gamma/(1+n*gamma). Every quantity REML
// needs therefore reduces to per-group sums, and s2 profiles out:
//
//	l(gamma) = -1/2 [ sum_g log(1+n_g*gamma) + log|X'WX| + (N-p) log(r'Wr/(N-p)) ]
//
// gamma is found by a bounded Nelder-Mead search on log(gamma); the
// treatment coefficient is tested with a Wald z statistic.

const (
	logGammaMin  = -14.0 // gamma ~ 8e-7
	logGammaMax  = 14.0  // gamma ~ 1.2e6
	gridPoints   = 57
	searchIters  = 200
	searchStall  = 20
	searchTol    = 1e-12
	fixedEffects = 2
	// Residual quadratic forms below this share of y'Wy are a perfect fit.
	residualTol  = 1e-10
)

type groupSums struct {
	n, sx, sy, sxx, sxy, syy float64
}

type mixedModel struct {
	groups []groupSums
	nobs   float64
}

type remlFit struct {
	loglik float64
	beta   *mat.VecDense
	chol   mat.Cholesky
	rwr    float64
}

func newMixedModel(y, x []float64, groups []int) *mixedModel {
	dense, g := denseGroups(groups)
	sums := make([]groupSums, g)
	for i, c := range dense {
		s := &sums[c]
		s.n++
		s.sx += x[i]
		s.sy += y[i]
		s.sxx += x[i] * x[i]
		s.sxy += x[i] * y[i]
		s.syy += y[i] * y[i]
	}
	return &mixedModel{groups: sums, nobs: float64(len(y))}
}

// evaluate returns the profiled REML log-likelihood at gamma, or false when
// it is not finite.
func (m *mixedModel) evaluate(gamma float64) (*remlFit, bool) {
	var a11, a12, a22, b1, b2, ywy, logdetV float64
	for _, s := range m.groups {
		c := gamma / (1 + s.n*gamma)
		a11 += s.n - c*s.n*s.n
		a12 += s.sx - c*s.n*s.sx
		a22 += s.sxx - c*s.sx*s.sx
		b1 += s.sy - c*s.n*s.sy
		b2 += s.sxy - c*s.sx*s.sy
		ywy += s.syy - c*s.sy*s.sy
		logdetV += math.Log1p(s.n * gamma)
	}

	fit := &remlFit{}
	xtwx := mat.NewSymDense(fixedEffects, []float64{a11, a12, a12, a22})
	if ok := fit.chol.Factorize(xtwx); !ok {
		return nil, false
	}
	xtwy := mat.NewVecDense(fixedEffects, []float64{b1, b2})
	fit.beta = mat.NewVecDense(fixedEffects, nil)
	if err := fit.chol.SolveVecTo(fit.beta, xtwy); err != nil {
		return nil, false
	}

	dof := m.nobs - fixedEffects
	fit.rwr = ywy - mat.Dot(fit.beta, xtwy)
	if dof <= 0 || !finitePositive(fit.rwr) || fit.rwr <= residualTol*ywy {
		return nil, false
	}

	fit.loglik = -0.5 * (logdetV + fit.chol.LogDet() + dof*math.Log(fit.rwr/dof))
	if math.IsNaN(fit.loglik) || math.IsInf(fit.loglik, 0) {
		return nil, false
	}
	return fit, true
}

// maximize finds the REML estimate of gamma: a coarse grid on log(gamma)
// picks the starting point, Nelder-Mead refines it within the bounds.
func (m *mixedModel) maximize() (float64, *remlFit, error) {
	bestGamma := 0.0
	best, ok := m.evaluate(0)
	bestTheta := math.NaN()

	step := (logGammaMax - logGammaMin) / float64(gridPoints-1)
	for i := 0; i < gridPoints; i++ {
		theta := logGammaMin + float64(i)*step
		fit, fok := m.evaluate(math.Exp(theta))
		if !fok {
			continue
		}
		if !ok || fit.loglik > best.loglik {
			best, ok, bestGamma, bestTheta = fit, true, math.Exp(theta), theta
		}
	}
	if !ok {
		return 0, nil, fmt.Errorf("%w: restricted likelihood is not finite", ErrNoConvergence)
	}
	if math.IsNaN(bestTheta) {
		// Boundary solution: no between-cluster variance.
		return 0, best, nil
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			theta := x[0]
			if theta < logGammaMin || theta > logGammaMax {
				return math.Inf(1)
			}
			fit, ok := m.evaluate(math.Exp(theta))
			if !ok {
				return math.Inf(1)
			}
			return -fit.loglik
		},
	}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   searchTol,
			Relative:   searchTol,
			Iterations: searchStall,
		},
		MajorIterations: searchIters,
	}
	res, err := optimize.Minimize(problem, []float64{bestTheta}, settings, &optimize.NelderMead{SimplexSize: step / 2})
	if err != nil || res == nil {
		return bestGamma, best, nil
	}
	gamma := math.Exp(res.X[0])
	if fit, ok := m.evaluate(gamma); ok && fit.loglik >= best.loglik {
		return gamma, fit, nil
	}
	return bestGamma, best, nil
}

func fitMixed(y, x []float64, groups []int) (Result, error) {
	model := newMixedModel(y, x, groups)
	if len(model.groups) < 2 {
		return degenerate(), nil
	}

	_, fit, err := model.maximize()
	if err != nil {
		return Result{}, err
	}

	var inv mat.SymDense
	if err := fit.chol.InverseTo(&inv); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrNoConvergence, err)
	}
	sigma2 := fit.rwr / (model.nobs - fixedEffects)
	variance := sigma2 * inv.At(1, 1)
	if !finitePositive(variance) {
		return Result{}, fmt.Errorf("%w: non-positive coefficient variance", ErrNoConvergence)
	}

	coef := fit.beta.AtVec(1)
	se := math.Sqrt(variance)
	stat := coef / se
	return Result{
		Coef:   coef,
		StdErr: se,
		Stat:   stat,
		DF:     math.Inf(1),
		PValue: twoSidedZ(stat),
	}, nil
}
