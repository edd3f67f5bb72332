package capturevolume

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope-sub002/lsq"
	"github.com/mprib/caliscope-sub002/observation"
	"github.com/mprib/caliscope-sub002/pnp"
	"github.com/mprib/caliscope-sub002/spatialmath"
)

// Transform re-expresses the volume in a new world frame: a point x in the
// old frame lands at R·(s·x) + t. Camera poses follow the frame change, so
// every reprojection, and with it the quality summary, is unchanged.
func (v *CaptureVolume) Transform(pose *spatialmath.Pose, scale float64) error {
	if scale <= 0 {
		return errors.Errorf("scale must be positive, got %g", scale)
	}
	for j, p := range v.Points.Points {
		v.Points.Points[j] = pose.Transform(p.Mul(scale))
	}
	inv := pose.Invert()
	for _, port := range v.Cameras.PosedPorts() {
		cam := v.Cameras.Cameras[port]
		scaled := spatialmath.NewPose(cam.Pose.Rotation(), cam.Pose.Translation().Mul(scale))
		cam.Pose = spatialmath.Compose(scaled, inv)
	}
	return nil
}

// AlignTo moves the volume so the current world coordinates land on their
// targets, in the least-squares sense. Typical inputs are triangulated
// marker positions and their surveyed locations. With withScale the fit also
// solves a global scale, which is how a volume gets real units; the applied
// scale is returned, 1 for rigid alignment.
func (v *CaptureVolume) AlignTo(current, target []r3.Vector, withScale bool, logger golog.Logger) (float64, error) {
	var pose *spatialmath.Pose
	scale := 1.0
	var err error
	if withScale {
		pose, scale, err = spatialmath.SimilarityAlign(current, target)
	} else {
		pose, err = spatialmath.RigidAlign(current, target)
	}
	if err != nil {
		return 0, errors.Wrap(err, "aligning volume")
	}
	logger.Infow("aligning volume", "points", len(current), "with_scale", withScale, "scale", scale)
	return scale, v.Transform(pose, scale)
}

// Rotate90 spins the world frame by quarter turns about a principal axis.
// The rotation entries are exact, so four turns restore the volume exactly.
func (v *CaptureVolume) Rotate90(axis spatialmath.Axis, turns int) error {
	return v.Transform(spatialmath.NewPose(spatialmath.QuarterTurnMatrix(axis, turns), r3.Vector{}), 1)
}

// ReanchorToBoard moves the world origin onto the calibration board as it
// sat on one frame: X and Y span the board plane, Z is its normal. The board
// pose comes from a solve on the posed camera seeing the most board points
// that frame, then a joint polish against the frame's triangulated world
// points when enough are available.
func (v *CaptureVolume) ReanchorToBoard(table *observation.Table, frameID int, logger golog.Logger) error {
	best := -1
	var bestObs []observation.Observation
	for _, port := range v.Cameras.PosedPorts() {
		var withBoard []observation.Observation
		for _, o := range table.ForPort(port) {
			if o.FrameID == frameID && o.Object != nil {
				withBoard = append(withBoard, o)
			}
		}
		if len(withBoard) > len(bestObs) {
			best = port
			bestObs = withBoard
		}
	}
	if best < 0 || len(bestObs) < pnp.MinPoints {
		return errors.Errorf("frame %d gives no posed camera %d board points to anchor on",
			frameID, pnp.MinPoints)
	}

	cam := v.Cameras.Cameras[best]
	object := make([]r2.Point, len(bestObs))
	ideal := make([]r2.Point, len(bestObs))
	for i, o := range bestObs {
		object[i] = *o.Object
		ideal[i] = cam.Undistort(o.Image)
	}
	camFromBoard, _, err := pnp.Solve(object, ideal, logger)
	if err != nil {
		return errors.Wrapf(err, "board pose on frame %d from port %d", frameID, best)
	}

	// World to board, routed through the anchor camera.
	toBoard := spatialmath.Compose(camFromBoard.Invert(), cam.Pose)
	toBoard = v.polishBoardPose(table, frameID, toBoard, logger)

	logger.Infow("moving world origin to board", "frame", frameID, "port", best)
	return v.Transform(toBoard, 1)
}

// polishBoardPose refines a world-to-board transform against the frame's
// triangulated points, whose positions reflect every camera rather than the
// single solve camera. The seed is returned unchanged when too few points
// match or the refinement fails.
func (v *CaptureVolume) polishBoardPose(
	table *observation.Table,
	frameID int,
	seed *spatialmath.Pose,
	logger golog.Logger,
) *spatialmath.Pose {
	boardByPoint := map[int]r2.Point{}
	for _, o := range table.Observations {
		if o.FrameID == frameID && o.Object != nil {
			boardByPoint[o.PointID] = *o.Object
		}
	}

	var world, board []r3.Vector
	for j, fid := range v.Points.FrameIDs {
		if fid != frameID {
			continue
		}
		b, ok := boardByPoint[v.Points.PointIDs[j]]
		if !ok {
			continue
		}
		world = append(world, v.Points.Points[j])
		board = append(board, r3.Vector{X: b.X, Y: b.Y})
	}
	if len(world) < 3 {
		logger.Debugw("too few triangulated board points to polish anchor",
			"frame", frameID, "points", len(world))
		return seed
	}

	rv := seed.RotationVector()
	t := seed.Translation()
	initial := []float64{rv.X, rv.Y, rv.Z, t.X, t.Y, t.Z}
	fn := func(p, r []float64) {
		pose := spatialmath.NewPoseFromRotationVector(
			r3.Vector{X: p[0], Y: p[1], Z: p[2]},
			r3.Vector{X: p[3], Y: p[4], Z: p[5]},
		)
		for i, w := range world {
			got := pose.Transform(w)
			r[3*i] = got.X - board[i].X
			r[3*i+1] = got.Y - board[i].Y
			r[3*i+2] = got.Z - board[i].Z
		}
	}
	result, err := lsq.SolveDense(fn, initial, 3*len(world), lsq.Settings{}, logger)
	if err != nil {
		logger.Warnw("anchor polish failed, keeping camera solve",
			"frame", frameID, "error", err)
		return seed
	}
	return spatialmath.NewPoseFromRotationVector(
		r3.Vector{X: result.Params[0], Y: result.Params[1], Z: result.Params[2]},
		r3.Vector{X: result.Params[3], Y: result.Params[4], Z: result.Params[5]},
	)
}
