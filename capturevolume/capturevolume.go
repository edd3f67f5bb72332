// Package capturevolume couples a posed camera array with its triangulated
// world points and refines both jointly by sparse bundle adjustment. The
// refined volume can then be filtered, measured for quality, and re-expressed
// in a world frame that suits the capture.
package capturevolume

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/lsq"
	"github.com/mprib/caliscope-sub002/spatialmath"
	"github.com/mprib/caliscope-sub002/triangulate"
)

// zEpsilon is the depth below which a projection counts as behind the
// camera during optimization.
const zEpsilon = 1e-9

// CaptureVolume is the joint state the refiner works on. Cameras holds the
// posed array; Points the triangulated reconstruction with its observation
// bookkeeping. Methods mutate the volume in place; Clone first when the
// previous state matters.
type CaptureVolume struct {
	Cameras *camera.Array
	Points  *triangulate.WorldPoints
}

// New validates that the points' observations all reference posed cameras in
// the array and wraps the two into a volume.
func New(cams *camera.Array, points *triangulate.WorldPoints) (*CaptureVolume, error) {
	if err := points.Validate(); err != nil {
		return nil, err
	}
	portIndex := cams.PosedPortToIndex()
	if len(portIndex) < 2 {
		return nil, errors.Errorf("need at least 2 posed cameras, have %d", len(portIndex))
	}
	for k, port := range points.ObsPort {
		if _, ok := portIndex[port]; !ok {
			return nil, errors.Errorf("observation %d references port %d, which is not a posed camera", k, port)
		}
	}
	return &CaptureVolume{Cameras: cams, Points: points}, nil
}

// Clone returns a deep copy of the volume.
func (v *CaptureVolume) Clone() *CaptureVolume {
	return &CaptureVolume{Cameras: v.Cameras.Clone(), Points: v.Points.Clone()}
}

// OptimizeStats reports what a bundle adjustment run did. Costs are summed
// squared residuals on the ideal plane.
type OptimizeStats struct {
	InitialCost float64
	FinalCost   float64
	Iterations  int
	Converged   bool
}

// Optimize refines every posed camera and every world point jointly,
// minimizing ideal-plane reprojection error. The parameter vector is six
// scalars per posed camera in index order followed by three per point; the
// sparse solver eliminates the point blocks, so the factored system stays
// small. A solve that stops before convergence keeps its best iterate and is
// reported, not failed.
func (v *CaptureVolume) Optimize(settings lsq.Settings, logger golog.Logger) (*OptimizeStats, error) {
	if err := v.Points.Validate(); err != nil {
		return nil, err
	}
	portIndex := v.Cameras.PosedPortToIndex()

	obs := make([]lsq.BlockObservation, v.Points.NumObservations())
	for k := range obs {
		idx, ok := portIndex[v.Points.ObsPort[k]]
		if !ok {
			return nil, errors.Errorf("observation %d references port %d, which is not a posed camera",
				k, v.Points.ObsPort[k])
		}
		obs[k] = lsq.BlockObservation{Camera: idx, Point: v.Points.ObsPoint[k]}
	}

	problem := &lsq.SparseProblem{
		Cameras:      len(portIndex),
		Points:       v.Points.Len(),
		Observations: obs,
		Eval:         v.evalFunc(),
	}
	initial := v.packParams(portIndex)
	initialCost := costAt(problem, initial)

	result, err := lsq.SolveSparse(problem, initial, settings, logger)
	if err != nil {
		return nil, errors.Wrap(err, "bundle adjustment")
	}
	if !result.Converged {
		logger.Warnw("bundle adjustment stopped before convergence, keeping best iterate",
			"iterations", result.Iterations, "cost", result.Cost)
	}
	v.applyParams(portIndex, result.Params)

	logger.Infow("bundle adjustment finished",
		"cameras", problem.Cameras, "points", problem.Points, "observations", len(obs),
		"initial_cost", initialCost, "final_cost", result.Cost,
		"iterations", result.Iterations, "converged", result.Converged)
	return &OptimizeStats{
		InitialCost: initialCost,
		FinalCost:   result.Cost,
		Iterations:  result.Iterations,
		Converged:   result.Converged,
	}, nil
}

// posedOrder inverts the port-to-index map into index order.
func posedOrder(portIndex map[int]int) []int {
	out := make([]int, len(portIndex))
	for port, idx := range portIndex {
		out[idx] = port
	}
	return out
}

func (v *CaptureVolume) packParams(portIndex map[int]int) []float64 {
	params := make([]float64, 0, 6*len(portIndex)+3*v.Points.Len())
	for _, port := range posedOrder(portIndex) {
		pose := v.Cameras.Cameras[port].Pose
		rv := pose.RotationVector()
		t := pose.Translation()
		params = append(params, rv.X, rv.Y, rv.Z, t.X, t.Y, t.Z)
	}
	for _, p := range v.Points.Points {
		params = append(params, p.X, p.Y, p.Z)
	}
	return params
}

func (v *CaptureVolume) applyParams(portIndex map[int]int, params []float64) {
	order := posedOrder(portIndex)
	for i, port := range order {
		v.Cameras.Cameras[port].Pose = spatialmath.NewPoseFromRotationVector(
			r3.Vector{X: params[6*i], Y: params[6*i+1], Z: params[6*i+2]},
			r3.Vector{X: params[6*i+3], Y: params[6*i+4], Z: params[6*i+5]},
		)
	}
	base := 6 * len(order)
	for j := range v.Points.Points {
		v.Points.Points[j] = r3.Vector{
			X: params[base+3*j],
			Y: params[base+3*j+1],
			Z: params[base+3*j+2],
		}
	}
}

// evalFunc returns the residual and analytic Jacobian evaluation for one
// observation: the world point goes through the camera rotation and
// translation, projects onto the ideal plane, and is compared against the
// undistorted detection. Points behind the camera get a large constant
// residual and a zero Jacobian, which makes the solver back away from such
// steps instead of crashing into them.
func (v *CaptureVolume) evalFunc() lsq.EvalFunc {
	ideals := v.Points.ObsIdeal
	return func(k int, cam, pt, residual, jc, jp []float64) {
		rv := r3.Vector{X: cam[0], Y: cam[1], Z: cam[2]}
		rot := spatialmath.MatrixFromRotationVector(rv)
		p := r3.Vector{X: pt[0], Y: pt[1], Z: pt[2]}

		x := rot.At(0, 0)*p.X + rot.At(0, 1)*p.Y + rot.At(0, 2)*p.Z + cam[3]
		y := rot.At(1, 0)*p.X + rot.At(1, 1)*p.Y + rot.At(1, 2)*p.Z + cam[4]
		z := rot.At(2, 0)*p.X + rot.At(2, 1)*p.Y + rot.At(2, 2)*p.Z + cam[5]

		if z < zEpsilon {
			residual[0], residual[1] = 1e6, 1e6
			if jc != nil {
				for i := range jc {
					jc[i] = 0
				}
				for i := range jp {
					jp[i] = 0
				}
			}
			return
		}

		invZ := 1 / z
		residual[0] = x*invZ - ideals[k].X
		residual[1] = y*invZ - ideals[k].Y
		if jc == nil {
			return
		}

		// Projection derivative rows: (1/z, 0, -x/z²) and (0, 1/z, -y/z²).
		d02 := -x * invZ * invZ
		d12 := -y * invZ * invZ

		// Translation enters the camera point directly.
		jc[3], jc[4], jc[5] = invZ, 0, d02
		jc[9], jc[10], jc[11] = 0, invZ, d12

		rotJac := spatialmath.RotationVectorJacobian(rv, p)
		for col := 0; col < 3; col++ {
			jc[col] = invZ*rotJac.At(0, col) + d02*rotJac.At(2, col)
			jc[6+col] = invZ*rotJac.At(1, col) + d12*rotJac.At(2, col)
		}
		for col := 0; col < 3; col++ {
			jp[col] = invZ*rot.At(0, col) + d02*rot.At(2, col)
			jp[3+col] = invZ*rot.At(1, col) + d12*rot.At(2, col)
		}
	}
}

func costAt(problem *lsq.SparseProblem, params []float64) float64 {
	r := make([]float64, 2)
	var cost float64
	for k, o := range problem.Observations {
		camParams := params[o.Camera*6 : o.Camera*6+6]
		ptParams := params[6*problem.Cameras+3*o.Point : 6*problem.Cameras+3*o.Point+3]
		problem.Eval(k, camParams, ptParams, r, nil, nil)
		cost += r[0]*r[0] + r[1]*r[1]
	}
	return cost
}
