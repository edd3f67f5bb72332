package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "run.json")
	test.That(t, os.WriteFile(cfgPath, []byte(contents), 0o644), test.ShouldBeNil)
	return cfgPath
}

func TestReadAppliesDefaults(t *testing.T) {
	cfgPath := writeConfig(t, `{
		"camera_file": "cameras.json",
		"observation_file": "points.csv",
		"output_dir": "out"
	}`)

	cfg, err := Read(cfgPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Strategy, test.ShouldEqual, StrategyPerFramePnP)
	test.That(t, cfg.Filter, test.ShouldBeNil)
	test.That(t, cfg.AnchorPort, test.ShouldBeNil)

	settings := cfg.SolverSettings()
	test.That(t, settings.MaxIterations, test.ShouldEqual, 0)
}

func TestReadSubstitutesEnv(t *testing.T) {
	t.Setenv("CALIB_DATA", "/data/session4")
	cfgPath := writeConfig(t, `{
		"camera_file": "${CALIB_DATA}/cameras.json",
		"observation_file": "${CALIB_DATA}/points.csv",
		"output_dir": "${CALIB_DATA}/out",
		"strategy": "direct"
	}`)

	cfg, err := Read(cfgPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.CameraFile, test.ShouldEqual, "/data/session4/cameras.json")
	test.That(t, cfg.ObservationFile, test.ShouldEqual, "/data/session4/points.csv")
	test.That(t, cfg.Strategy, test.ShouldEqual, StrategyDirect)
}

func TestReadFullConfig(t *testing.T) {
	cfgPath := writeConfig(t, `{
		"camera_file": "cameras.json",
		"observation_file": "points.csv",
		"output_dir": "out",
		"strategy": "per_frame_pnp",
		"pairwise": {"min_points": 6, "min_samples": 8, "iqr_scale": 2.0},
		"solver": {"max_iterations": 80, "tolerance": 1e-12, "initial_damping": 0.01},
		"filter": {"min_per_camera": 40},
		"anchor_port": 2,
		"anchor_frame": 0
	}`)

	cfg, err := Read(cfgPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Pairwise.MinPoints, test.ShouldEqual, 6)
	test.That(t, cfg.Solver.MaxIterations, test.ShouldEqual, 80)
	// percentile defaults when a filter block is present
	test.That(t, cfg.Filter.Percentile, test.ShouldEqual, 95.0)
	test.That(t, cfg.Filter.MinPerCamera, test.ShouldEqual, 40)
	test.That(t, *cfg.AnchorPort, test.ShouldEqual, 2)
	test.That(t, *cfg.AnchorFrame, test.ShouldEqual, 0)

	settings := cfg.SolverSettings()
	test.That(t, settings.MaxIterations, test.ShouldEqual, 80)
	test.That(t, settings.InitialDamping, test.ShouldEqual, 0.01)
}

func TestCheckValidCollectsEveryProblem(t *testing.T) {
	cfg := &Config{Strategy: "homography"}
	err := cfg.CheckValid()
	test.That(t, err, test.ShouldNotBeNil)
	msg := err.Error()
	test.That(t, strings.Contains(msg, "camera_file"), test.ShouldBeTrue)
	test.That(t, strings.Contains(msg, "observation_file"), test.ShouldBeTrue)
	test.That(t, strings.Contains(msg, "output_dir"), test.ShouldBeTrue)
	test.That(t, strings.Contains(msg, "homography"), test.ShouldBeTrue)
}

func TestReadRejectsBadValues(t *testing.T) {
	cfgPath := writeConfig(t, `{
		"camera_file": "cameras.json",
		"observation_file": "points.csv",
		"output_dir": "out",
		"filter": {"percentile": 140},
		"anchor_frame": -2
	}`)
	_, err := Read(cfgPath)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, strings.Contains(err.Error(), "percentile"), test.ShouldBeTrue)
	test.That(t, strings.Contains(err.Error(), "anchor_frame"), test.ShouldBeTrue)

	_, err = Read(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	badJSON := writeConfig(t, `{"camera_file": `)
	_, err = Read(badJSON)
	test.That(t, err, test.ShouldNotBeNil)
}
