package pnp

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope-sub002/lsq"
	"github.com/mprib/caliscope-sub002/spatialmath"
)

// solveIterative refines a 6-parameter camera-from-object pose by nonlinear
// least squares on the ideal plane reprojection error. The initial pose may
// come from a failed homography decomposition; when nil, a camera looking
// straight at the object from two units away seeds the solve.
func solveIterative(object, image []r2.Point, initial *spatialmath.Pose, logger golog.Logger) (*spatialmath.Pose, error) {
	params := make([]float64, 6)
	if initial != nil {
		rv := initial.RotationVector()
		t := initial.Translation()
		params = []float64{rv.X, rv.Y, rv.Z, t.X, t.Y, t.Z}
	} else {
		params[5] = 2
	}

	fn := func(p, r []float64) {
		pose := spatialmath.NewPoseFromRotationVector(
			r3.Vector{X: p[0], Y: p[1], Z: p[2]},
			r3.Vector{X: p[3], Y: p[4], Z: p[5]},
		)
		for i, obj := range object {
			inCamera := pose.Transform(r3.Vector{X: obj.X, Y: obj.Y})
			if inCamera.Z < 1e-9 {
				// behind or grazing the camera plane, push the solver away
				r[2*i] = 1e6
				r[2*i+1] = 1e6
				continue
			}
			r[2*i] = inCamera.X/inCamera.Z - image[i].X
			r[2*i+1] = inCamera.Y/inCamera.Z - image[i].Y
		}
	}

	result, err := lsq.SolveDense(fn, params, 2*len(object), lsq.Settings{MaxIterations: 50}, logger)
	if err != nil {
		return nil, err
	}
	pose := spatialmath.NewPoseFromRotationVector(
		r3.Vector{X: result.Params[0], Y: result.Params[1], Z: result.Params[2]},
		r3.Vector{X: result.Params[3], Y: result.Params[4], Z: result.Params[5]},
	)
	if err := checkSolution(pose, object, image); err != nil {
		return nil, errors.Wrap(err, "iterative refinement did not reach a usable pose")
	}
	return pose, nil
}
