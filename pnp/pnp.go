// Package pnp estimates the pose of a planar calibration object relative to a
// single camera from 2D-3D correspondences. Image points are expected on the
// undistorted ideal plane; object points live in the object's own z=0 plane.
package pnp

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope-sub002/spatialmath"
	"github.com/mprib/caliscope-sub002/utils"
)

// MinPoints is the fewest correspondences a solve will attempt.
const MinPoints = 4

// maxIdealResidual is the sanity bound on a solution's RMSE on the ideal
// plane. Tracker noise lands a few orders of magnitude below this, so a
// solution exceeding it is geometry gone wrong, not noise.
const maxIdealResidual = 0.1

// ErrInsufficientPoints is when a solve is attempted with too few correspondences.
var ErrInsufficientPoints = errors.New("not enough correspondences for a pose solve")

// Method names the strategy that produced a pose, so callers and tests can
// tell which path was taken.
type Method string

// The strategies, in the order they are tried.
const (
	MethodHomography Method = "homography"
	MethodIterative  Method = "iterative"
)

// Solve estimates the camera-from-object pose. The homography decomposition
// is tried first; when it degenerates the slower iterative refinement takes
// over. The method that produced the returned pose is reported alongside it.
func Solve(object, image []r2.Point, logger golog.Logger) (*spatialmath.Pose, Method, error) {
	if len(object) != len(image) {
		return nil, "", errors.Errorf("got %d object points and %d image points", len(object), len(image))
	}
	if len(object) < MinPoints {
		return nil, "", errors.Wrapf(ErrInsufficientPoints, "got %d, want at least %d", len(object), MinPoints)
	}

	pose, homographyErr := solveHomography(object, image)
	if homographyErr == nil {
		return pose, MethodHomography, nil
	}
	logger.Debugw("homography solve failed, falling back to iterative", "error", homographyErr)

	pose, iterativeErr := solveIterative(object, image, pose, logger)
	if iterativeErr == nil {
		return pose, MethodIterative, nil
	}
	return nil, "", errors.Wrapf(iterativeErr, "all solve strategies failed (homography: %v)", homographyErr)
}

func solveHomography(object, image []r2.Point) (*spatialmath.Pose, error) {
	h, err := EstimateHomography(object, image)
	if err != nil {
		return nil, err
	}
	pose, err := PoseFromHomography(h)
	if err != nil {
		return nil, err
	}
	if err := checkSolution(pose, object, image); err != nil {
		// hand the raw pose back anyway so the iterative fallback can
		// start from it
		return pose, err
	}
	return pose, nil
}

// checkSolution rejects poses that place object points behind the camera or
// reproject wildly off the observations.
func checkSolution(pose *spatialmath.Pose, object, image []r2.Point) error {
	var sumSq float64
	for i, obj := range object {
		inCamera := pose.Transform(r3.Vector{X: obj.X, Y: obj.Y})
		if inCamera.Z <= 0 {
			return errors.Errorf("object point %d lands behind the camera", i)
		}
		dx := inCamera.X/inCamera.Z - image[i].X
		dy := inCamera.Y/inCamera.Z - image[i].Y
		sumSq += utils.Square(dx) + utils.Square(dy)
	}
	rmse := math.Sqrt(sumSq / float64(len(object)))
	if math.IsNaN(rmse) || rmse > maxIdealResidual {
		return errors.Errorf("solution reprojects with RMSE %.4f on the ideal plane", rmse)
	}
	return nil
}
