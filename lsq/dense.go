package lsq

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ResidualFunc fills r with the residual vector at parameters p. It must not
// retain either slice.
type ResidualFunc func(p, r []float64)

const jacobianStep = 1.5e-8

// SolveDense minimizes the summed squared residuals of fn starting from
// initial, using a Levenberg-Marquardt iteration with a forward-difference
// Jacobian. Failure to converge within the iteration budget is not an error;
// the best iterate found is returned either way.
func SolveDense(fn ResidualFunc, initial []float64, numResiduals int, settings Settings, logger golog.Logger) (*Result, error) {
	settings = settings.withDefaults()
	n := len(initial)
	if n == 0 {
		return nil, errors.New("no parameters to solve for")
	}
	if numResiduals < n {
		return nil, errors.Errorf("%d residuals cannot determine %d parameters", numResiduals, n)
	}

	p := append([]float64(nil), initial...)
	r := make([]float64, numResiduals)
	fn(p, r)
	cost := sumSquares(r)

	jac := mat.NewDense(numResiduals, n, nil)
	scratch := make([]float64, numResiduals)
	pTrial := make([]float64, n)
	rTrial := make([]float64, numResiduals)

	lambda := settings.InitialDamping
	iterations := 0
	converged := false

	for iterations < settings.MaxIterations {
		iterations++
		numericJacobian(fn, p, r, jac, scratch)

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		rVec := mat.NewVecDense(numResiduals, r)
		var g mat.VecDense
		g.MulVec(jac.T(), rVec)

		if mat.Norm(&g, math.Inf(1)) < gradTolerance {
			converged = true
			break
		}

		accepted := false
		for attempt := 0; attempt < maxStepAttempts; attempt++ {
			sym := dampedNormal(&jtj, lambda)
			var chol mat.Cholesky
			if !chol.Factorize(sym) {
				lambda *= lambdaGrow
				continue
			}
			var delta mat.VecDense
			if err := chol.SolveVecTo(&delta, &g); err != nil {
				lambda *= lambdaGrow
				continue
			}
			for i := range pTrial {
				pTrial[i] = p[i] - delta.AtVec(i)
			}
			fn(pTrial, rTrial)
			trialCost := sumSquares(rTrial)
			if trialCost < cost {
				drop := cost - trialCost
				copy(p, pTrial)
				copy(r, rTrial)
				cost = trialCost
				lambda = math.Max(lambda*lambdaShrink, minDamping)
				accepted = true
				if drop <= settings.Tolerance*math.Max(cost, 1) {
					converged = true
				}
				break
			}
			lambda *= lambdaGrow
			if lambda > maxDamping {
				break
			}
		}
		if !accepted || converged {
			break
		}
	}

	logger.Debugf("dense solve finished after %d iterations, cost %g, converged %t", iterations, cost, converged)
	return &Result{Params: p, Cost: cost, Iterations: iterations, Converged: converged}, nil
}

func numericJacobian(fn ResidualFunc, p, r []float64, jac *mat.Dense, scratch []float64) {
	for j := range p {
		h := jacobianStep * math.Max(math.Abs(p[j]), 1)
		orig := p[j]
		p[j] = orig + h
		fn(p, scratch)
		p[j] = orig
		for i := range scratch {
			jac.Set(i, j, (scratch[i]-r[i])/h)
		}
	}
}

// dampedNormal returns JᵀJ + λ·diag(JᵀJ), with the diagonal floored so unused
// parameters cannot zero out a pivot.
func dampedNormal(jtj *mat.Dense, lambda float64) *mat.SymDense {
	n, _ := jtj.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sym.SetSym(i, j, (jtj.At(i, j)+jtj.At(j, i))/2)
		}
		d := jtj.At(i, i)
		if d < diagFloor {
			d = diagFloor
		}
		sym.SetSym(i, i, jtj.At(i, i)+lambda*d)
	}
	return sym
}
