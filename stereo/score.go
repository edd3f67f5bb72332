package stereo

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/observation"
	"github.com/mprib/caliscope-sub002/spatialmath"
	"github.com/mprib/caliscope-sub002/triangulate"
	"github.com/mprib/caliscope-sub002/utils"
)

// scorePair measures how well a candidate relative pose explains the pair's
// shared observations: each matched point is triangulated from the two views
// and reprojected through both cameras, and the RMSE of the pixel residuals
// is returned. Points that triangulate behind either camera contribute
// nothing.
func scorePair(
	camA, camB *camera.Camera,
	frames []observation.SharedFrame,
	pose *spatialmath.Pose,
) (float64, error) {
	views := []*mat.Dense{spatialmath.NewZeroPose().ProjectionMatrix(), pose.ProjectionMatrix()}
	ideals := make([]r2.Point, 2)

	var sum float64
	var count int
	for _, frame := range frames {
		for i := range frame.A {
			ideals[0] = camA.Undistort(frame.A[i].Image)
			ideals[1] = camB.Undistort(frame.B[i].Image)
			pt, err := triangulate.FromViews(views, ideals)
			if err != nil {
				continue
			}
			pixA, okA := projectThrough(camA, spatialmath.NewZeroPose(), pt)
			pixB, okB := projectThrough(camB, pose, pt)
			if !okA || !okB {
				continue
			}
			dA := pixA.Sub(frame.A[i].Image)
			dB := pixB.Sub(frame.B[i].Image)
			sum += utils.Square(dA.X) + utils.Square(dA.Y) + utils.Square(dB.X) + utils.Square(dB.Y)
			count += 2
		}
	}
	if count == 0 {
		return 0, errors.Wrap(ErrInsufficientData, "no shared point triangulates in front of both cameras")
	}
	return math.Sqrt(sum / float64(count)), nil
}

// projectThrough maps a point expressed in the reference frame into the
// camera through the given pose and the camera's full pixel model. The
// camera's own stored pose is not consulted.
func projectThrough(cam *camera.Camera, pose *spatialmath.Pose, pt r3.Vector) (r2.Point, bool) {
	local := pose.Transform(pt)
	if local.Z <= 0 {
		return r2.Point{}, false
	}
	return cam.Distort(r2.Point{X: local.X / local.Z, Y: local.Y / local.Z}), true
}
