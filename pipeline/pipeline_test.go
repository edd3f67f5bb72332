package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.viam.com/test"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/config"
	"github.com/mprib/caliscope-sub002/pointcloud"
	"github.com/mprib/caliscope-sub002/report"
	"github.com/mprib/caliscope-sub002/spatialmath"
	"github.com/mprib/caliscope-sub002/testutils"
)

func intPtr(v int) *int {
	return &v
}

func stageNames(timings []StageTiming) []string {
	names := make([]string, len(timings))
	for i, tm := range timings {
		names[i] = tm.Name
	}
	return names
}

func TestRunFullPipeline(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rig := testutils.NewRig(testutils.DefaultRigConfig())
	cfg := &config.Config{}

	p := New(cfg, rig.UnposedArray(), rig.Table, logger)
	res, err := p.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, len(res.Pairs), test.ShouldEqual, 6)
	test.That(t, res.GraphStats.Missing, test.ShouldEqual, 0)
	test.That(t, res.Unposed, test.ShouldBeEmpty)
	test.That(t, res.Volume, test.ShouldNotBeNil)
	test.That(t, res.Volume.Points.Len(), test.ShouldEqual,
		rig.Config.Frames*rig.Config.GridRows*rig.Config.GridCols)
	test.That(t, res.Optimize, test.ShouldNotBeNil)
	test.That(t, res.Filter, test.ShouldBeNil)
	test.That(t, res.Refine, test.ShouldBeNil)
	test.That(t, res.Report, test.ShouldNotBeNil)
	test.That(t, res.Report.RMSE, test.ShouldBeLessThan, 1e-3)

	test.That(t, stageNames(res.Timings), test.ShouldResemble,
		[]string{"estimate", "graph", "triangulate", "optimize", "report"})
	for _, tm := range res.Timings {
		test.That(t, tm.Duration, test.ShouldBeGreaterThanOrEqualTo, 0)
	}
}

func TestRunDirectStrategy(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rigCfg := testutils.DefaultRigConfig()
	rigCfg.Cameras = 3
	rigCfg.Frames = 8
	rig := testutils.NewRig(rigCfg)
	cfg := &config.Config{Strategy: config.StrategyDirect}

	p := New(cfg, rig.UnposedArray(), rig.Table, logger)
	res, err := p.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Pairs), test.ShouldEqual, 3)
	test.That(t, res.Report.RMSE, test.ShouldBeLessThan, 1e-3)
}

func TestRunWithFilterAndReanchor(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rigCfg := testutils.DefaultRigConfig()
	rigCfg.PixelNoise = 0.2
	rig := testutils.NewRig(rigCfg)
	cfg := &config.Config{
		Filter:      &config.Filter{Percentile: 95, MinPerCamera: 5},
		AnchorFrame: intPtr(0),
	}

	p := New(cfg, rig.UnposedArray(), rig.Table, logger)
	res, err := p.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)

	test.That(t, res.Filter, test.ShouldNotBeNil)
	test.That(t, res.Filter.RemovedObservations, test.ShouldBeGreaterThan, 0)
	test.That(t, res.Refine, test.ShouldNotBeNil)
	test.That(t, stageNames(res.Timings), test.ShouldResemble,
		[]string{"estimate", "graph", "triangulate", "optimize", "filter", "anchor", "report"})

	// after re-anchoring, the anchor frame's board lies in the z=0 plane
	var zSum float64
	var n int
	for i, frameID := range res.Volume.Points.FrameIDs {
		if frameID != 0 {
			continue
		}
		zSum += math.Abs(res.Volume.Points.Points[i].Z)
		n++
	}
	test.That(t, n, test.ShouldBeGreaterThan, 0)
	test.That(t, zSum/float64(n), test.ShouldBeLessThan, 0.05)
}

func TestRunAnchorPort(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rig := testutils.NewRig(testutils.DefaultRigConfig())
	cfg := &config.Config{AnchorPort: intPtr(2)}

	p := New(cfg, rig.UnposedArray(), rig.Table, logger)
	res, err := p.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)

	anchored, ok := res.Volume.Cameras.Camera(2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, anchored.Pose.AlmostEqual(spatialmath.NewZeroPose(), 1e-6), test.ShouldBeTrue)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rig := testutils.NewRig(testutils.DefaultRigConfig())
	cfg := &config.Config{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(cfg, rig.UnposedArray(), rig.Table, logger)
	_, err := p.Run(ctx)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestRunUnknownStrategy(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rig := testutils.NewRig(testutils.DefaultRigConfig())
	cfg := &config.Config{Strategy: "essential_matrix"}

	p := New(cfg, rig.UnposedArray(), rig.Table, logger)
	_, err := p.Run(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRunInBackground(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rigCfg := testutils.DefaultRigConfig()
	rigCfg.Frames = 8
	rig := testutils.NewRig(rigCfg)
	cfg := &config.Config{}

	p := New(cfg, rig.UnposedArray(), rig.Table, logger)
	outcome := <-p.RunInBackground(context.Background())
	test.That(t, outcome.Err, test.ShouldBeNil)
	test.That(t, outcome.Result, test.ShouldNotBeNil)
	test.That(t, outcome.Result.Report, test.ShouldNotBeNil)
}

func TestRunLogsEveryStage(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	rigCfg := testutils.DefaultRigConfig()
	rigCfg.Cameras = 3
	rigCfg.Frames = 8
	rig := testutils.NewRig(rigCfg)

	res, err := New(&config.Config{}, rig.UnposedArray(), rig.Table, logger).Run(context.Background())
	test.That(t, err, test.ShouldBeNil)

	completed := logs.FilterMessageSnippet("stage complete").All()
	test.That(t, len(completed), test.ShouldEqual, len(res.Timings))
	for _, tm := range res.Timings {
		matched := logs.FilterField(zap.String("stage", tm.Name)).All()
		test.That(t, len(matched), test.ShouldBeGreaterThanOrEqualTo, 1)
	}
}

func TestSaveWritesEverything(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rigCfg := testutils.DefaultRigConfig()
	rigCfg.Frames = 8
	rig := testutils.NewRig(rigCfg)
	cfg := &config.Config{}

	p := New(cfg, rig.UnposedArray(), rig.Table, logger)
	res, err := p.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)

	dir := filepath.Join(t.TempDir(), "out")
	test.That(t, res.Save(dir), test.ShouldBeNil)

	loadedCams, err := camera.NewArrayFromJSONFile(filepath.Join(dir, ArrayFile))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(loadedCams.PosedPorts()), test.ShouldEqual, rig.Config.Cameras)

	cloud, err := pointcloud.NewFromPCDFile(filepath.Join(dir, CloudFile))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldEqual, res.Volume.Points.Len()+rig.Config.Cameras)

	loadedReport, err := report.NewFromJSONFile(filepath.Join(dir, ReportFile))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loadedReport.RMSE, test.ShouldAlmostEqual, res.Report.RMSE, 1e-12)

	_, err = os.Stat(filepath.Join(dir, PointsFile))
	test.That(t, err, test.ShouldBeNil)
	_, err = os.Stat(filepath.Join(dir, ReportHTMLFile))
	test.That(t, err, test.ShouldBeNil)

	empty := &Result{}
	test.That(t, empty.Save(t.TempDir()), test.ShouldNotBeNil)
}

func TestFromConfigRoundTrip(t *testing.T) {
	logger := golog.NewTestLogger(t)
	rigCfg := testutils.DefaultRigConfig()
	rigCfg.Frames = 8
	rig := testutils.NewRig(rigCfg)

	dir := t.TempDir()
	cameraFile := filepath.Join(dir, "cameras.json")
	obsFile := filepath.Join(dir, "points.csv")
	test.That(t, rig.UnposedArray().WriteJSONFile(cameraFile), test.ShouldBeNil)
	test.That(t, rig.Table.WriteCSVFile(obsFile), test.ShouldBeNil)

	cfg := &config.Config{
		CameraFile:      cameraFile,
		ObservationFile: obsFile,
		OutputDir:       filepath.Join(dir, "out"),
	}
	test.That(t, cfg.Ensure(), test.ShouldBeNil)

	p, err := FromConfig(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	res, err := p.Run(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Report.RMSE, test.ShouldBeLessThan, 1e-3)

	badCfg := &config.Config{CameraFile: filepath.Join(dir, "missing.json"), ObservationFile: obsFile}
	_, err = FromConfig(badCfg, logger)
	test.That(t, err, test.ShouldNotBeNil)
}
