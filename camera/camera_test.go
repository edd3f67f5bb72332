package camera

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/mprib/caliscope-sub002/spatialmath"
)

func testIntrinsics() *Intrinsics {
	return &Intrinsics{
		Width:  1280,
		Height: 720,
		Fx:     900.5,
		Fy:     900.5,
		Ppx:    640.,
		Ppy:    360.,
	}
}

func TestIntrinsicsCheckValid(t *testing.T) {
	params := testIntrinsics()
	test.That(t, params.CheckValid(), test.ShouldBeNil)

	params.Fx = 0
	err := params.CheckValid()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)

	var nilParams *Intrinsics
	err = nilParams.CheckValid()
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
}

func TestPixelToIdealRoundTrip(t *testing.T) {
	params := testIntrinsics()
	x, y := params.PixelToIdeal(795.3, 421.7)
	gotX, gotY := params.IdealToPixel(x, y)
	test.That(t, gotX, test.ShouldAlmostEqual, 795.3)
	test.That(t, gotY, test.ShouldAlmostEqual, 421.7)
}

func TestCameraMatrix(t *testing.T) {
	params := testIntrinsics()
	m := params.CameraMatrix()
	test.That(t, m.At(0, 0), test.ShouldEqual, params.Fx)
	test.That(t, m.At(1, 1), test.ShouldEqual, params.Fy)
	test.That(t, m.At(0, 2), test.ShouldEqual, params.Ppx)
	test.That(t, m.At(1, 2), test.ShouldEqual, params.Ppy)
	test.That(t, m.At(2, 2), test.ShouldEqual, 1.)
	test.That(t, m.At(2, 0), test.ShouldEqual, 0.)
}

func TestCameraProjection(t *testing.T) {
	distortion, err := NewBrownConrady([]float64{-0.12, 0.02, 0, 0.001, -0.0005})
	test.That(t, err, test.ShouldBeNil)
	cam := &Camera{
		Port:       2,
		Intrinsics: testIntrinsics(),
		Distortion: distortion,
		Pose: spatialmath.NewPoseFromRotationVector(
			r3.Vector{X: 0.05, Y: -0.1, Z: 0.02},
			r3.Vector{X: 0.2, Y: -0.1, Z: 2.5},
		),
	}

	worldPt := r3.Vector{X: 0.3, Y: -0.2, Z: 1.1}
	pixel, ok := cam.ProjectToPixel(worldPt)
	test.That(t, ok, test.ShouldBeTrue)

	// undistorting the projected pixel recovers the ideal plane coordinate
	inCamera := cam.Pose.Transform(worldPt)
	ideal := cam.Undistort(pixel)
	test.That(t, ideal.X, test.ShouldAlmostEqual, inCamera.X/inCamera.Z, 1e-8)
	test.That(t, ideal.Y, test.ShouldAlmostEqual, inCamera.Y/inCamera.Z, 1e-8)

	// points behind the camera cannot be projected
	behind := cam.Pose.Invert().Transform(r3.Vector{X: 0, Y: 0, Z: -1})
	_, ok = cam.ProjectToPixel(behind)
	test.That(t, ok, test.ShouldBeFalse)

	// unposed cameras cannot project at all
	unposed := &Camera{Port: 3, Intrinsics: testIntrinsics()}
	_, ok = unposed.ProjectToPixel(worldPt)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestArrayPosedPortToIndex(t *testing.T) {
	array := NewArray()
	for _, port := range []int{3, 1, 2, 0} {
		array.Add(&Camera{Port: port, Intrinsics: testIntrinsics()})
	}
	test.That(t, array.Ports(), test.ShouldResemble, []int{0, 1, 2, 3})
	test.That(t, array.PosedPorts(), test.ShouldResemble, []int{})
	test.That(t, array.PosedPortToIndex(), test.ShouldResemble, map[int]int{})

	pose := spatialmath.NewZeroPose()
	array.Cameras[3].Pose = pose
	array.Cameras[1].Pose = pose
	array.Cameras[2].Pose = pose
	array.Cameras[2].Ignore = true

	test.That(t, array.PosedPorts(), test.ShouldResemble, []int{1, 3})
	test.That(t, array.PosedPortToIndex(), test.ShouldResemble, map[int]int{1: 0, 3: 1})
}

func TestArrayClone(t *testing.T) {
	array := NewArray()
	array.Add(&Camera{Port: 0, Intrinsics: testIntrinsics()})
	array.Add(&Camera{Port: 1, Intrinsics: testIntrinsics()})

	clone := array.Clone()
	clone.Cameras[1].Pose = spatialmath.NewZeroPose()
	test.That(t, clone.Cameras[1].Posed(), test.ShouldBeTrue)
	test.That(t, array.Cameras[1].Posed(), test.ShouldBeFalse)
}

func TestArrayJSONRoundTrip(t *testing.T) {
	distortion, err := NewBrownConrady([]float64{-0.12, 0.02, 0, 0.001, -0.0005})
	test.That(t, err, test.ShouldBeNil)
	fisheye, err := NewKannalaBrandt([]float64{0.02, -0.005, 0.001, -0.0002})
	test.That(t, err, test.ShouldBeNil)

	array := NewArray()
	array.Add(&Camera{
		Port:       0,
		Intrinsics: testIntrinsics(),
		Distortion: distortion,
		Pose: spatialmath.NewPoseFromRotationVector(
			r3.Vector{X: 0.1, Y: 0.2, Z: -0.3},
			r3.Vector{X: 1, Y: 2, Z: 3},
		),
	})
	array.Add(&Camera{Port: 1, Intrinsics: testIntrinsics(), Distortion: fisheye})
	array.Add(&Camera{Port: 2, Intrinsics: testIntrinsics(), Ignore: true})

	jsonPath := filepath.Join(t.TempDir(), "array.json")
	test.That(t, array.WriteJSONFile(jsonPath), test.ShouldBeNil)

	loaded, err := NewArrayFromJSONFile(jsonPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Ports(), test.ShouldResemble, []int{0, 1, 2})

	cam0 := loaded.Cameras[0]
	test.That(t, cam0.Intrinsics, test.ShouldResemble, testIntrinsics())
	test.That(t, cam0.Distortion.ModelType(), test.ShouldEqual, BrownConradyDistortionType)
	test.That(t, cam0.Distortion.Parameters(), test.ShouldResemble, distortion.Parameters())
	test.That(t, cam0.Posed(), test.ShouldBeTrue)
	test.That(t, cam0.Pose.AlmostEqual(array.Cameras[0].Pose, 1e-10), test.ShouldBeTrue)

	cam1 := loaded.Cameras[1]
	test.That(t, cam1.Distortion.ModelType(), test.ShouldEqual, KannalaBrandtDistortionType)
	test.That(t, cam1.Posed(), test.ShouldBeFalse)

	test.That(t, loaded.Cameras[2].Ignore, test.ShouldBeTrue)
}

func TestIntrinsicsFromJSONFile(t *testing.T) {
	_, err := NewIntrinsicsFromJSONFile(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestArrayCheckValid(t *testing.T) {
	array := NewArray()
	test.That(t, array.CheckValid(), test.ShouldNotBeNil)

	array.Add(&Camera{Port: 0, Intrinsics: testIntrinsics()})
	test.That(t, array.CheckValid(), test.ShouldBeNil)

	array.Add(&Camera{Port: 1, Intrinsics: &Intrinsics{Width: 640, Height: 480, Fx: -1, Fy: 500, Ppx: 320, Ppy: 240}})
	err := array.CheckValid()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
}

func TestProjectBehindCameraBoundary(t *testing.T) {
	cam := &Camera{
		Port:       0,
		Intrinsics: testIntrinsics(),
		Pose:       spatialmath.NewZeroPose(),
	}
	_, ok := cam.ProjectToPixel(r3.Vector{X: 0.1, Y: 0.1, Z: 0})
	test.That(t, ok, test.ShouldBeFalse)
	pt, ok := cam.ProjectToPixel(r3.Vector{X: 0, Y: 0, Z: 1})
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, pt.X, test.ShouldAlmostEqual, 640.)
	test.That(t, pt.Y, test.ShouldAlmostEqual, 360.)
	test.That(t, math.IsNaN(pt.X), test.ShouldBeFalse)
}
