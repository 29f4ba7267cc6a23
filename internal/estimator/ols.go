package estimator

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// fitOLS regresses y on an intercept and x. With groups == nil the classical
// covariance and a t(n-2) reference are used; otherwise the CR1 sandwich
//
//	V = G/(G-1) * (N-1)/(N-K) * (X'X)^-1 [sum_g X_g'u_g u_g'X_g] (X'X)^-1
//
// with a t(G-1) reference.
func fitOLS(y, x []float64, groups []int) (Result, error) {
	n := len(y)
	const k = 2
	if n <= k {
		return degenerate(), nil
	}

	design := mat.NewDense(n, k, nil)
	for i := range x {
		design.Set(i, 0, 1)
		design.Set(i, 1, x[i])
	}
	yv := mat.NewVecDense(n, y)

	var xtx mat.Dense
	xtx.Mul(design.T(), design)
	var bread mat.Dense
	if err := bread.Inverse(&xtx); err != nil {
		// Singular or badly conditioned: the coefficient is not identified.
		return degenerate(), nil
	}

	var xty mat.VecDense
	xty.MulVec(design.T(), yv)
	var beta mat.VecDense
	beta.MulVec(&bread, &xty)

	var fitted, resid mat.VecDense
	fitted.MulVec(design, &beta)
	resid.SubVec(yv, &fitted)

	var variance, df float64
	if groups == nil {
		ssr := mat.Dot(&resid, &resid)
		variance = ssr / float64(n-k) * bread.At(1, 1)
		df = float64(n - k)
	} else {
		dense, g := denseGroups(groups)
		if g < 2 {
			return degenerate(), nil
		}

		scores := mat.NewDense(g, k, nil)
		for i, c := range dense {
			u := resid.AtVec(i)
			scores.Set(c, 0, scores.At(c, 0)+u)
			scores.Set(c, 1, scores.At(c, 1)+x[i]*u)
		}
		var meat, left, cov mat.Dense
		meat.Mul(scores.T(), scores)
		left.Mul(&bread, &meat)
		cov.Mul(&left, &bread)

		correction := float64(g) / float64(g-1) * float64(n-1) / float64(n-k)
		variance = correction * cov.At(1, 1)
		df = float64(g - 1)
	}

	if !finitePositive(variance) {
		return degenerate(), nil
	}

	coef := beta.AtVec(1)
	se := math.Sqrt(variance)
	stat := coef / se
	return Result{
		Coef:   coef,
		StdErr: se,
		Stat:   stat,
		DF:     df,
		PValue: twoSidedT(stat, df),
	}, nil
}
