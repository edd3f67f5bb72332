package triangulate

import (
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope-sub002/observation"
	"github.com/mprib/caliscope-sub002/spatialmath"
	"github.com/mprib/caliscope-sub002/testutils"
)

func TestTriangulateRecoversRigPoints(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rig := testutils.NewRig(testutils.DefaultRigConfig())

	points, err := Triangulate(rig.Table, rig.Array, logger)
	test.That(t, err, test.ShouldBeNil)

	cfg := rig.Config
	test.That(t, points.Len(), test.ShouldEqual, cfg.Frames*cfg.GridRows*cfg.GridCols)
	test.That(t, points.NumObservations(), test.ShouldEqual, points.Len()*cfg.Cameras)
	test.That(t, points.Validate(), test.ShouldBeNil)

	for j := range points.Points {
		want := rig.WorldPoint(points.FrameIDs[j], points.PointIDs[j])
		diff := points.Points[j].Sub(want).Norm()
		test.That(t, diff, test.ShouldBeLessThan, 1e-6)
	}
}

func TestTriangulateSkipsSingleViewGroups(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rig := testutils.NewRig(testutils.DefaultRigConfig())

	// Leave point 0 visible to just one camera on every frame.
	var obs []observation.Observation
	for _, o := range rig.Table.Observations {
		if o.PointID == 0 && o.Port != 1 {
			continue
		}
		obs = append(obs, o)
	}

	points, err := Triangulate(observation.NewTable(obs), rig.Array, logger)
	test.That(t, err, test.ShouldBeNil)
	for _, id := range points.PointIDs {
		test.That(t, id, test.ShouldNotEqual, 0)
	}
	test.That(t, points.Len(), test.ShouldEqual, rig.Config.Frames*(rig.Config.GridRows*rig.Config.GridCols-1))
}

func TestTriangulateNeedsTwoPosedCameras(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rig := testutils.NewRig(testutils.DefaultRigConfig())

	_, err := Triangulate(rig.Table, rig.UnposedArray(), logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestTriangulateRejectsBadTable(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rig := testutils.NewRig(testutils.DefaultRigConfig())

	obs := append([]observation.Observation(nil), rig.Table.Observations...)
	obs[0].FrameID = -4
	_, err := Triangulate(observation.NewTable(obs), rig.Array, logger)
	test.That(t, errors.Is(err, observation.ErrInvalidSchema), test.ShouldBeTrue)
}

func TestFromViewsTwoCameras(t *testing.T) {
	poseA := spatialmath.NewZeroPose()
	poseB := spatialmath.NewPoseFromRotationVector(
		r3.Vector{X: 0, Y: -0.2, Z: 0},
		r3.Vector{X: -0.6, Y: 0, Z: 0.1},
	)
	want := r3.Vector{X: 0.25, Y: -0.1, Z: 2.2}

	ideal := func(pose *spatialmath.Pose) r2.Point {
		p := pose.Transform(want)
		return r2.Point{X: p.X / p.Z, Y: p.Y / p.Z}
	}
	got, err := FromViews(
		[]*mat.Dense{poseA.ProjectionMatrix(), poseB.ProjectionMatrix()},
		[]r2.Point{ideal(poseA), ideal(poseB)},
	)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, got.Sub(want).Norm(), test.ShouldBeLessThan, 1e-9)
}

func TestFromViewsParallelRays(t *testing.T) {
	// Two translated cameras seeing the same ideal point look along
	// parallel rays, which meet only at infinity.
	poseA := spatialmath.NewZeroPose()
	poseB := spatialmath.NewPoseFromRotationVector(r3.Vector{}, r3.Vector{X: -1})
	_, err := FromViews(
		[]*mat.Dense{poseA.ProjectionMatrix(), poseB.ProjectionMatrix()},
		[]r2.Point{{X: 0.3, Y: 0}, {X: 0.3, Y: 0}},
	)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestWorldPointsValidate(t *testing.T) {
	w := &WorldPoints{
		FrameIDs: []int{0},
		PointIDs: []int{0},
		Points:   []r3.Vector{{Z: 1}},
		ObsPort:  []int{0, 1},
		ObsPoint: []int{0, 0},
		ObsIdeal: []r2.Point{{}, {}},
		ObsPixel: []r2.Point{{}, {}},
	}
	test.That(t, w.Validate(), test.ShouldBeNil)

	w.ObsPoint[1] = 3
	test.That(t, errors.Is(w.Validate(), observation.ErrInvalidSchema), test.ShouldBeTrue)

	w.ObsPoint = w.ObsPoint[:1]
	test.That(t, errors.Is(w.Validate(), observation.ErrInvalidSchema), test.ShouldBeTrue)
}

func TestWorldPointsClone(t *testing.T) {
	w := &WorldPoints{
		FrameIDs: []int{0, 1},
		PointIDs: []int{4, 5},
		Points:   []r3.Vector{{X: 1}, {Y: 2}},
		ObsPort:  []int{0, 1},
		ObsPoint: []int{0, 1},
		ObsIdeal: []r2.Point{{X: 0.1}, {X: 0.2}},
		ObsPixel: []r2.Point{{X: 700}, {X: 800}},
	}
	clone := w.Clone()
	test.That(t, clone, test.ShouldResemble, w)

	clone.Points[0].X = 99
	clone.ObsPort[0] = 7
	test.That(t, w.Points[0].X, test.ShouldEqual, 1)
	test.That(t, w.ObsPort[0], test.ShouldEqual, 0)
}

func TestWorldPointsCSVRoundTrip(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rig := testutils.NewRig(testutils.DefaultRigConfig())
	points, err := Triangulate(rig.Table, rig.Array, logger)
	test.That(t, err, test.ShouldBeNil)

	path := filepath.Join(t.TempDir(), "points.csv")
	test.That(t, points.WriteCSVFile(path), test.ShouldBeNil)

	loaded, err := NewWorldPointsFromCSVFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.FrameIDs, test.ShouldResemble, points.FrameIDs)
	test.That(t, loaded.PointIDs, test.ShouldResemble, points.PointIDs)
	test.That(t, loaded.Points, test.ShouldResemble, points.Points)
	test.That(t, loaded.NumObservations(), test.ShouldEqual, 0)

	_, err = NewWorldPointsFromCSVFile(filepath.Join(t.TempDir(), "missing.csv"))
	test.That(t, err, test.ShouldNotBeNil)
}
