// Package config describes a calibration run: where the inputs live, which
// pairwise strategy to use, solver and filter settings, and where outputs go.
package config

import (
	"encoding/json"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/mprib/caliscope-sub002/lsq"
)

// PairwiseStrategy selects how relative poses between camera pairs are
// estimated.
type PairwiseStrategy string

const (
	// StrategyPerFramePnP solves each camera against the board per frame and
	// aggregates the per-frame relative poses.
	StrategyPerFramePnP PairwiseStrategy = "per_frame_pnp"
	// StrategyDirect refines the relative pose and board poses jointly over a
	// subset of boards.
	StrategyDirect PairwiseStrategy = "direct"
)

// Solver bounds the least-squares refinements. Zero fields defer to the
// optimizer's defaults.
type Solver struct {
	MaxIterations  int     `json:"max_iterations,omitempty"`
	Tolerance      float64 `json:"tolerance,omitempty"`
	InitialDamping float64 `json:"initial_damping,omitempty"`
}

// Pairwise tunes the pairwise estimators. Zero fields defer to each
// estimator's defaults; MinSamples and IQRScale only apply to the per-frame
// strategy, MaxBoards only to the direct strategy.
type Pairwise struct {
	MinPoints  int     `json:"min_points,omitempty"`
	MinSamples int     `json:"min_samples,omitempty"`
	IQRScale   float64 `json:"iqr_scale,omitempty"`
	MaxBoards  int     `json:"max_boards,omitempty"`
}

// Filter trims the worst observations between refinement passes.
type Filter struct {
	// Percentile keeps observations below this reprojection error
	// percentile, in (0, 100].
	Percentile float64 `json:"percentile,omitempty"`
	// MinPerCamera keeps at least this many observations per camera even
	// when they sit above the threshold.
	MinPerCamera int `json:"min_per_camera,omitempty"`
}

// Config is one calibration run.
type Config struct {
	// CameraFile is the JSON file holding per-port intrinsics.
	CameraFile string `json:"camera_file"`
	// ObservationFile is the CSV of tracked board detections.
	ObservationFile string `json:"observation_file"`
	// OutputDir receives the calibrated array, world points, cloud and
	// report.
	OutputDir string `json:"output_dir"`

	Strategy PairwiseStrategy `json:"strategy,omitempty"`
	Pairwise Pairwise         `json:"pairwise,omitempty"`
	Solver   Solver           `json:"solver,omitempty"`
	// Filter, when present, enables one trim-and-refine pass after the
	// first bundle adjustment.
	Filter *Filter `json:"filter,omitempty"`

	// AnchorPort pins the world frame to a specific camera. Unset picks the
	// camera with the cheapest paths to the rest.
	AnchorPort *int `json:"anchor_port,omitempty"`
	// AnchorFrame, when present, moves the world origin onto the board as
	// seen in this frame after refinement.
	AnchorFrame *int `json:"anchor_frame,omitempty"`
}

// Read loads a run configuration, substituting ${ENV} references before
// parsing, and validates it.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}
	cfg := &Config{}
	if err := json.Unmarshal(buf, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}
	if err := cfg.Ensure(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Ensure fills in defaults and then validates the configuration.
func (c *Config) Ensure() error {
	if c.Strategy == "" {
		c.Strategy = StrategyPerFramePnP
	}
	if c.Filter != nil && c.Filter.Percentile == 0 {
		c.Filter.Percentile = 95
	}
	return c.CheckValid()
}

// CheckValid reports every problem with the configuration at once.
func (c *Config) CheckValid() error {
	var errs []error
	if c.CameraFile == "" {
		errs = append(errs, errors.New("camera_file is required"))
	}
	if c.ObservationFile == "" {
		errs = append(errs, errors.New("observation_file is required"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	switch c.Strategy {
	case StrategyPerFramePnP, StrategyDirect:
	default:
		errs = append(errs, errors.Errorf("unknown strategy %q", c.Strategy))
	}
	if c.Pairwise.MinPoints < 0 || c.Pairwise.MinSamples < 0 || c.Pairwise.IQRScale < 0 || c.Pairwise.MaxBoards < 0 {
		errs = append(errs, errors.New("pairwise settings must not be negative"))
	}
	if c.Solver.MaxIterations < 0 || c.Solver.Tolerance < 0 || c.Solver.InitialDamping < 0 {
		errs = append(errs, errors.New("solver settings must not be negative"))
	}
	if c.Filter != nil {
		if c.Filter.Percentile <= 0 || c.Filter.Percentile > 100 {
			errs = append(errs, errors.Errorf("filter percentile %g must be in (0, 100]", c.Filter.Percentile))
		}
		if c.Filter.MinPerCamera < 0 {
			errs = append(errs, errors.New("filter min_per_camera must not be negative"))
		}
	}
	if c.AnchorFrame != nil && *c.AnchorFrame < 0 {
		errs = append(errs, errors.New("anchor_frame must not be negative"))
	}
	return multierr.Combine(errs...)
}

// SolverSettings converts the solver block to optimizer settings.
func (c *Config) SolverSettings() lsq.Settings {
	return lsq.Settings{
		MaxIterations:  c.Solver.MaxIterations,
		Tolerance:      c.Solver.Tolerance,
		InitialDamping: c.Solver.InitialDamping,
	}
}
