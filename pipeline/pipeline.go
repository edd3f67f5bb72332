// Package pipeline runs a calibration end to end: pairwise estimation, pose
// graph assembly, triangulation, bundle adjustment, optional trimming and
// re-anchoring, and reporting.
package pipeline

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/capturevolume"
	"github.com/mprib/caliscope-sub002/config"
	"github.com/mprib/caliscope-sub002/observation"
	"github.com/mprib/caliscope-sub002/posegraph"
	"github.com/mprib/caliscope-sub002/report"
	"github.com/mprib/caliscope-sub002/stereo"
	"github.com/mprib/caliscope-sub002/triangulate"
)

// StageTiming records how long one stage took.
type StageTiming struct {
	Name     string
	Duration time.Duration
}

// Result collects everything a finished run produced. Optimize describes the
// first bundle adjustment; Refine the pass after filtering, when configured.
type Result struct {
	Pairs      []stereo.Pair
	GraphStats posegraph.BuildStats
	Unposed    []int
	Volume     *capturevolume.CaptureVolume
	Optimize   *capturevolume.OptimizeStats
	Filter     *capturevolume.FilterStats
	Refine     *capturevolume.OptimizeStats
	Report     *report.Report
	Timings    []StageTiming
}

// Pipeline wires the calibration stages together. Stages run in order on the
// calling goroutine; the context is checked between stages, never inside one.
type Pipeline struct {
	cfg    *config.Config
	cams   *camera.Array
	table  *observation.Table
	clock  clock.Clock
	logger golog.Logger
}

// New assembles a pipeline over already-loaded inputs.
func New(cfg *config.Config, cams *camera.Array, table *observation.Table, logger golog.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, cams: cams, table: table, clock: clock.New(), logger: logger}
}

// FromConfig loads the input files named by the configuration and assembles
// a pipeline.
func FromConfig(cfg *config.Config, logger golog.Logger) (*Pipeline, error) {
	cams, err := camera.NewArrayFromJSONFile(cfg.CameraFile)
	if err != nil {
		return nil, errors.Wrap(err, "loading cameras")
	}
	table, err := observation.NewTableFromCSVFile(cfg.ObservationFile)
	if err != nil {
		return nil, errors.Wrap(err, "loading observations")
	}
	return New(cfg, cams, table, logger), nil
}

// Run executes every configured stage in order and returns the accumulated
// result. A cancelled context stops the run at the next stage boundary.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	stage := func(name string, fn func() error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := p.clock.Now()
		if err := fn(); err != nil {
			return errors.Wrapf(err, "%s stage", name)
		}
		elapsed := p.clock.Since(start)
		res.Timings = append(res.Timings, StageTiming{Name: name, Duration: elapsed})
		p.logger.Infow("stage complete", "stage", name, "elapsed", elapsed)
		return nil
	}

	if err := stage("estimate", func() error {
		est, err := p.estimator()
		if err != nil {
			return err
		}
		res.Pairs = stereo.EstimateAll(p.table, p.cams, est, p.logger)
		if len(res.Pairs) == 0 {
			return errors.New("no camera pair could be estimated")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var posed *camera.Array
	if err := stage("graph", func() error {
		graph := posegraph.Build(res.Pairs, p.logger)
		res.GraphStats = graph.Stats()
		var err error
		if p.cfg.AnchorPort != nil {
			posed, res.Unposed, err = graph.ApplyWithAnchor(p.cams, *p.cfg.AnchorPort)
		} else {
			posed, res.Unposed, err = graph.Apply(p.cams)
		}
		return err
	}); err != nil {
		return nil, err
	}

	if err := stage("triangulate", func() error {
		points, err := triangulate.Triangulate(p.table, posed, p.logger)
		if err != nil {
			return err
		}
		res.Volume, err = capturevolume.New(posed, points)
		return err
	}); err != nil {
		return nil, err
	}

	if err := stage("optimize", func() error {
		stats, err := res.Volume.Optimize(p.cfg.SolverSettings(), p.logger)
		if err != nil {
			return err
		}
		res.Optimize = stats
		return nil
	}); err != nil {
		return nil, err
	}

	if p.cfg.Filter != nil {
		if err := stage("filter", func() error {
			fstats, err := res.Volume.FilterByPercentile(p.cfg.Filter.Percentile, p.cfg.Filter.MinPerCamera, p.logger)
			if err != nil {
				return err
			}
			res.Filter = fstats
			refine, err := res.Volume.Optimize(p.cfg.SolverSettings(), p.logger)
			if err != nil {
				return err
			}
			res.Refine = refine
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if p.cfg.AnchorFrame != nil {
		if err := stage("anchor", func() error {
			return res.Volume.ReanchorToBoard(p.table, *p.cfg.AnchorFrame, p.logger)
		}); err != nil {
			return nil, err
		}
	}

	if err := stage("report", func() error {
		rep, err := report.FromVolume(res.Volume)
		if err != nil {
			return err
		}
		res.Report = rep
		return nil
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Outcome is the terminal state of a background run.
type Outcome struct {
	Result *Result
	Err    error
}

// RunInBackground launches Run on a worker goroutine and returns a buffered
// channel that delivers the outcome once.
func (p *Pipeline) RunInBackground(ctx context.Context) <-chan Outcome {
	out := make(chan Outcome, 1)
	utils.PanicCapturingGo(func() {
		res, err := p.Run(ctx)
		out <- Outcome{Result: res, Err: err}
	})
	return out
}

func (p *Pipeline) estimator() (stereo.Estimator, error) {
	pw := p.cfg.Pairwise
	switch p.cfg.Strategy {
	case config.StrategyDirect:
		return stereo.NewDirect(stereo.DirectConfig{
			MinPoints: pw.MinPoints,
			MaxBoards: pw.MaxBoards,
			Solver:    p.cfg.SolverSettings(),
		}, p.logger), nil
	case config.StrategyPerFramePnP, "":
		return stereo.NewPerFramePnP(stereo.PerFramePnPConfig{
			MinPoints:  pw.MinPoints,
			MinSamples: pw.MinSamples,
			IQRScale:   pw.IQRScale,
		}, p.logger), nil
	default:
		return nil, errors.Errorf("unknown strategy %q", p.cfg.Strategy)
	}
}
