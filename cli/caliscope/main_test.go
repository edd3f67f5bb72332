package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"

	"github.com/mprib/caliscope-sub002/pointcloud"
	"github.com/mprib/caliscope-sub002/testutils"
)

func writeRunInputs(t *testing.T) (string, string) {
	t.Helper()
	rigCfg := testutils.DefaultRigConfig()
	rigCfg.Frames = 8
	rig := testutils.NewRig(rigCfg)

	dir := t.TempDir()
	cameraFile := filepath.Join(dir, "cameras.json")
	obsFile := filepath.Join(dir, "points.csv")
	outDir := filepath.Join(dir, "out")
	test.That(t, rig.UnposedArray().WriteJSONFile(cameraFile), test.ShouldBeNil)
	test.That(t, rig.Table.WriteCSVFile(obsFile), test.ShouldBeNil)

	cfgJSON, err := json.Marshal(map[string]interface{}{
		"camera_file":      cameraFile,
		"observation_file": obsFile,
		"output_dir":       outDir,
	})
	test.That(t, err, test.ShouldBeNil)
	cfgPath := filepath.Join(dir, "run.json")
	test.That(t, os.WriteFile(cfgPath, cfgJSON, 0o644), test.ShouldBeNil)
	return cfgPath, outDir
}

func TestCalibrateReportExportCommands(t *testing.T) {
	cfgPath, outDir := writeRunInputs(t)
	ctx := context.Background()

	app := newApp()
	var buf bytes.Buffer
	app.Writer = &buf

	err := app.RunContext(ctx, []string{"caliscope", "calibrate", "--config", cfgPath})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Contains(buf.String(), "rmse"), test.ShouldBeTrue)
	test.That(t, strings.Contains(buf.String(), "results written"), test.ShouldBeTrue)
	for _, name := range []string{"camera_array.json", "world_points.csv", "capture_volume.pcd", "report.json", "report.html"} {
		_, err := os.Stat(filepath.Join(outDir, name))
		test.That(t, err, test.ShouldBeNil)
	}

	buf.Reset()
	err = app.RunContext(ctx, []string{"caliscope", "report", outDir})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Contains(buf.String(), "port 0"), test.ShouldBeTrue)
	test.That(t, strings.Contains(buf.String(), "report.html"), test.ShouldBeTrue)

	buf.Reset()
	exportPath := filepath.Join(t.TempDir(), "cloud.pcd")
	err = app.RunContext(ctx, []string{"caliscope", "export", "--binary", "-o", exportPath, outDir})
	test.That(t, err, test.ShouldBeNil)
	cloud, err := pointcloud.NewFromPCDFile(exportPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldBeGreaterThan, 0)
}

func TestReportCommandNeedsDirectory(t *testing.T) {
	app := newApp()
	var buf bytes.Buffer
	app.Writer = &buf

	err := app.RunContext(context.Background(), []string{"caliscope", "report"})
	test.That(t, err, test.ShouldNotBeNil)

	err = app.RunContext(context.Background(), []string{"caliscope", "export"})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestVersionCommand(t *testing.T) {
	app := newApp()
	var buf bytes.Buffer
	app.Writer = &buf

	err := app.RunContext(context.Background(), []string{"caliscope", "version"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Contains(buf.String(), "version"), test.ShouldBeTrue)
}
