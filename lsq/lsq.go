// Package lsq implements damped nonlinear least-squares solvers: a dense
// Levenberg-Marquardt loop for small problems, and a structured variant that
// factors bundle-adjustment normal equations through the Schur complement so
// large point sets stay tractable.
package lsq

// Damping schedule shared by both solvers. The damping term is scaled by the
// diagonal of the normal matrix, so steps shrink along well-determined
// directions first.
const (
	lambdaGrow      = 10.0
	lambdaShrink    = 0.1
	minDamping      = 1e-12
	maxDamping      = 1e12
	diagFloor       = 1e-12
	gradTolerance   = 1e-12
	maxStepAttempts = 25
)

// Settings controls the iteration loop of both solvers. Zero fields fall back
// to defaults.
type Settings struct {
	// MaxIterations caps the number of outer iterations.
	MaxIterations int
	// Tolerance is the cost decrease, relative to the current cost, below
	// which the solve is declared converged.
	Tolerance float64
	// InitialDamping seeds the Levenberg-Marquardt damping factor.
	InitialDamping float64
}

func (s Settings) withDefaults() Settings {
	if s.MaxIterations <= 0 {
		s.MaxIterations = 50
	}
	if s.Tolerance <= 0 {
		s.Tolerance = 1e-10
	}
	if s.InitialDamping <= 0 {
		s.InitialDamping = 1e-3
	}
	return s
}

// Result reports the outcome of a solve. A non-converged solve is not an
// error: Params holds the best iterate found and Cost its summed squared
// residual.
type Result struct {
	Params     []float64
	Cost       float64
	Iterations int
	Converged  bool
}

func sumSquares(r []float64) float64 {
	var sum float64
	for _, v := range r {
		sum += v * v
	}
	return sum
}
