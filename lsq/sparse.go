package lsq

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// A BlockObservation ties one two-component residual to a camera parameter
// block and a point parameter block.
type BlockObservation struct {
	Camera int
	Point  int
}

// EvalFunc computes the two residual components of observation k given that
// observation's camera parameters (6 scalars) and point parameters (3
// scalars). When jc and jp are non-nil it must also fill the 2x6 and 2x3
// Jacobian blocks in row-major order.
type EvalFunc func(k int, cam, pt, residual, jc, jp []float64)

// SparseProblem is a least-squares problem with bundle-adjustment structure:
// the parameter vector is all camera blocks (6 scalars each) followed by all
// point blocks (3 scalars each), and every residual depends on exactly one
// camera and one point.
type SparseProblem struct {
	Cameras      int
	Points       int
	Observations []BlockObservation
	Eval         EvalFunc
}

// SolveSparse runs the same damped iteration as SolveDense, but assembles the
// normal equations blockwise and eliminates the point blocks through the
// Schur complement, so only a 6C x 6C camera system is ever factored. Failure
// to converge is not an error; the best iterate found is returned either way.
func SolveSparse(problem *SparseProblem, initial []float64, settings Settings, logger golog.Logger) (*Result, error) {
	settings = settings.withDefaults()
	nc, np := problem.Cameras, problem.Points
	nParams := 6*nc + 3*np
	if nc <= 0 {
		return nil, errors.New("problem has no camera blocks")
	}
	if len(initial) != nParams {
		return nil, errors.Errorf("got %d initial parameters, want %d for %d cameras and %d points",
			len(initial), nParams, nc, np)
	}
	for k, o := range problem.Observations {
		if o.Camera < 0 || o.Camera >= nc || o.Point < 0 || o.Point >= np {
			return nil, errors.Errorf("observation %d references camera %d, point %d outside the problem",
				k, o.Camera, o.Point)
		}
	}
	nObs := len(problem.Observations)
	if 2*nObs < nParams {
		logger.Warnf("sparse solve is underdetermined: %d residuals for %d parameters", 2*nObs, nParams)
	}

	// observations grouped per point, in input order, for the Schur assembly
	obsByPoint := make([][]int, np)
	for k, o := range problem.Observations {
		obsByPoint[o.Point] = append(obsByPoint[o.Point], k)
	}

	p := append([]float64(nil), initial...)
	res := make([]float64, 2*nObs)
	resTrial := make([]float64, 2*nObs)
	jc := make([]float64, 12*nObs)
	jp := make([]float64, 6*nObs)

	evalAll := func(params, r []float64, withJac bool) float64 {
		var cost float64
		for k, o := range problem.Observations {
			camParams := params[o.Camera*6 : o.Camera*6+6]
			ptParams := params[6*nc+o.Point*3 : 6*nc+o.Point*3+3]
			rk := r[2*k : 2*k+2]
			if withJac {
				problem.Eval(k, camParams, ptParams, rk, jc[12*k:12*k+12], jp[6*k:6*k+6])
			} else {
				problem.Eval(k, camParams, ptParams, rk, nil, nil)
			}
			cost += rk[0]*rk[0] + rk[1]*rk[1]
		}
		return cost
	}

	cost := evalAll(p, res, false)
	lambda := settings.InitialDamping
	iterations := 0
	converged := false

	uBlocks := make([][36]float64, nc)
	vBlocks := make([][9]float64, np)
	gC := make([]float64, 6*nc)
	gP := make([]float64, 3*np)

	for iterations < settings.MaxIterations {
		iterations++
		evalAll(p, res, true)

		for i := range uBlocks {
			uBlocks[i] = [36]float64{}
		}
		for j := range vBlocks {
			vBlocks[j] = [9]float64{}
		}
		for i := range gC {
			gC[i] = 0
		}
		for j := range gP {
			gP[j] = 0
		}

		for k, o := range problem.Observations {
			rk := res[2*k : 2*k+2]
			jck := jc[12*k : 12*k+12]
			jpk := jp[6*k : 6*k+6]
			u := &uBlocks[o.Camera]
			for a := 0; a < 6; a++ {
				gC[o.Camera*6+a] += jck[a]*rk[0] + jck[6+a]*rk[1]
				for b := 0; b < 6; b++ {
					u[a*6+b] += jck[a]*jck[b] + jck[6+a]*jck[6+b]
				}
			}
			v := &vBlocks[o.Point]
			for a := 0; a < 3; a++ {
				gP[o.Point*3+a] += jpk[a]*rk[0] + jpk[3+a]*rk[1]
				for b := 0; b < 3; b++ {
					v[a*3+b] += jpk[a]*jpk[b] + jpk[3+a]*jpk[3+b]
				}
			}
		}

		if gradientNorm(gC, gP) < gradTolerance {
			converged = true
			break
		}

		// cross blocks W_ij, merged per (point, camera) in first-seen order
		wByPoint := assembleCrossBlocks(problem.Observations, obsByPoint, jc, jp)

		accepted := false
		for attempt := 0; attempt < maxStepAttempts; attempt++ {
			trial, ok := schurStep(p, nc, np, uBlocks, vBlocks, gC, gP, wByPoint, lambda)
			if !ok {
				lambda *= lambdaGrow
				continue
			}
			trialCost := evalAll(trial, resTrial, false)
			if trialCost < cost {
				drop := cost - trialCost
				copy(p, trial)
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

	logger.Debugf("sparse solve finished after %d iterations, cost %g, converged %t", iterations, cost, converged)
	return &Result{Params: p, Cost: cost, Iterations: iterations, Converged: converged}, nil
}

// wBlock is one nonzero 6x3 cross block of the normal matrix.
type wBlock struct {
	camera int
	w      [18]float64
}

func assembleCrossBlocks(obs []BlockObservation, obsByPoint [][]int, jc, jp []float64) [][]wBlock {
	out := make([][]wBlock, len(obsByPoint))
	for j, ks := range obsByPoint {
		blocks := make([]wBlock, 0, len(ks))
		for _, k := range ks {
			cam := obs[k].Camera
			idx := -1
			for bi := range blocks {
				if blocks[bi].camera == cam {
					idx = bi
					break
				}
			}
			if idx < 0 {
				blocks = append(blocks, wBlock{camera: cam})
				idx = len(blocks) - 1
			}
			jck := jc[12*k : 12*k+12]
			jpk := jp[6*k : 6*k+6]
			for a := 0; a < 6; a++ {
				for b := 0; b < 3; b++ {
					blocks[idx].w[a*3+b] += jck[a]*jpk[b] + jck[6+a]*jpk[3+b]
				}
			}
		}
		out[j] = blocks
	}
	return out
}

// schurStep solves (H + λD) δ = -g for one damping value and returns the
// trial parameter vector, or ok=false when the factorization fails.
func schurStep(
	p []float64,
	nc, np int,
	uBlocks [][36]float64,
	vBlocks [][9]float64,
	gC, gP []float64,
	wByPoint [][]wBlock,
	lambda float64,
) ([]float64, bool) {
	vInv := make([][9]float64, np)
	for j := range vBlocks {
		inv, ok := invertDamped3x3(&vBlocks[j], lambda)
		if !ok {
			return nil, false
		}
		vInv[j] = inv
	}

	n6 := 6 * nc
	s := mat.NewDense(n6, n6, nil)
	for i := range uBlocks {
		for a := 0; a < 6; a++ {
			for b := 0; b < 6; b++ {
				s.Set(i*6+a, i*6+b, uBlocks[i][a*6+b])
			}
			d := uBlocks[i][a*6+a]
			if d < diagFloor {
				d = diagFloor
			}
			s.Set(i*6+a, i*6+a, uBlocks[i][a*6+a]+lambda*d)
		}
	}

	rhs := make([]float64, n6)
	copy(rhs, gC)

	for j, blocks := range wByPoint {
		if len(blocks) == 0 {
			continue
		}
		y := mul3x3Vec(&vInv[j], gP[3*j], gP[3*j+1], gP[3*j+2])
		for bi := range blocks {
			wa := &blocks[bi]
			for a := 0; a < 6; a++ {
				rhs[wa.camera*6+a] -= wa.w[a*3]*y[0] + wa.w[a*3+1]*y[1] + wa.w[a*3+2]*y[2]
			}
			// wvi = W_ia · V_j⁻¹
			var wvi [18]float64
			for a := 0; a < 6; a++ {
				for b := 0; b < 3; b++ {
					wvi[a*3+b] = wa.w[a*3]*vInv[j][b] + wa.w[a*3+1]*vInv[j][3+b] + wa.w[a*3+2]*vInv[j][6+b]
				}
			}
			for bj := range blocks {
				wb := &blocks[bj]
				rowOff := wa.camera * 6
				colOff := wb.camera * 6
				for a := 0; a < 6; a++ {
					for b := 0; b < 6; b++ {
						prod := wvi[a*3]*wb.w[b*3] + wvi[a*3+1]*wb.w[b*3+1] + wvi[a*3+2]*wb.w[b*3+2]
						s.Set(rowOff+a, colOff+b, s.At(rowOff+a, colOff+b)-prod)
					}
				}
			}
		}
	}

	sym := mat.NewSymDense(n6, nil)
	for i := 0; i < n6; i++ {
		for j := i; j < n6; j++ {
			sym.SetSym(i, j, s.At(i, j))
		}
	}
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		return nil, false
	}
	negG := mat.NewVecDense(n6, nil)
	for i := range rhs {
		negG.SetVec(i, -rhs[i])
	}
	var deltaC mat.VecDense
	if err := chol.SolveVecTo(&deltaC, negG); err != nil {
		return nil, false
	}

	trial := make([]float64, len(p))
	copy(trial, p)
	for i := 0; i < n6; i++ {
		trial[i] += deltaC.AtVec(i)
	}

	// back-substitute the point blocks
	for j, blocks := range wByPoint {
		t0, t1, t2 := -gP[3*j], -gP[3*j+1], -gP[3*j+2]
		for bi := range blocks {
			wb := &blocks[bi]
			for a := 0; a < 6; a++ {
				dc := deltaC.AtVec(wb.camera*6 + a)
				t0 -= wb.w[a*3] * dc
				t1 -= wb.w[a*3+1] * dc
				t2 -= wb.w[a*3+2] * dc
			}
		}
		dp := mul3x3Vec(&vInv[j], t0, t1, t2)
		trial[n6+3*j] += dp[0]
		trial[n6+3*j+1] += dp[1]
		trial[n6+3*j+2] += dp[2]
	}
	return trial, true
}

func invertDamped3x3(v *[9]float64, lambda float64) ([9]float64, bool) {
	var m [9]float64
	copy(m[:], v[:])
	for a := 0; a < 3; a++ {
		d := m[a*3+a]
		if d < diagFloor {
			d = diagFloor
		}
		m[a*3+a] += lambda * d
	}
	a, b, c := m[0], m[1], m[2]
	d, e, f := m[3], m[4], m[5]
	g, h, i := m[6], m[7], m[8]
	det := a*(e*i-f*h) - b*(d*i-f*g) + c*(d*h-e*g)
	if det <= 0 || math.IsNaN(det) {
		return [9]float64{}, false
	}
	return [9]float64{
		(e*i - f*h) / det, (c*h - b*i) / det, (b*f - c*e) / det,
		(f*g - d*i) / det, (a*i - c*g) / det, (c*d - a*f) / det,
		(d*h - e*g) / det, (b*g - a*h) / det, (a*e - b*d) / det,
	}, true
}

func mul3x3Vec(m *[9]float64, x, y, z float64) [3]float64 {
	return [3]float64{
		m[0]*x + m[1]*y + m[2]*z,
		m[3]*x + m[4]*y + m[5]*z,
		m[6]*x + m[7]*y + m[8]*z,
	}
}

func gradientNorm(gC, gP []float64) float64 {
	var n float64
	for _, v := range gC {
		n = math.Max(n, math.Abs(v))
	}
	for _, v := range gP {
		n = math.Max(n, math.Abs(v))
	}
	return n
}
