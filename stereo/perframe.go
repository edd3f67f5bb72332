package stereo

import (
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/observation"
	"github.com/mprib/caliscope-sub002/pnp"
	"github.com/mprib/caliscope-sub002/spatialmath"
	"github.com/mprib/caliscope-sub002/utils"
)

// minSpread is the interquartile range below which a sample series is
// treated as unanimous, disabling rejection on that series. Without the
// floor, a noiseless capture rejects its own samples on float jitter.
const minSpread = 1e-9

// PerFramePnPConfig tunes the per-frame estimator. Zero fields fall back to
// defaults.
type PerFramePnPConfig struct {
	// MinPoints is the per-frame floor on usable board correspondences.
	MinPoints int
	// MinSamples is the number of frame samples below which outlier
	// rejection is skipped entirely.
	MinSamples int
	// IQRScale is the Tukey fence multiplier for outlier rejection.
	IQRScale float64
}

func (cfg PerFramePnPConfig) withDefaults() PerFramePnPConfig {
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = pnp.MinPoints
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 5
	}
	if cfg.IQRScale <= 0 {
		cfg.IQRScale = 1.5
	}
	return cfg
}

// PerFramePnP estimates a pair's relative pose one frame at a time: each
// shared sighting of the board yields an independent pose solve per camera,
// the two solves compose into one relative-pose sample, and the samples are
// aggregated after outlier rejection. Robust to a few bad frames, at the cost
// of needing the board visible to both cameras on several frames.
type PerFramePnP struct {
	cfg    PerFramePnPConfig
	logger golog.Logger
}

// NewPerFramePnP returns a per-frame estimator with the given config.
func NewPerFramePnP(cfg PerFramePnPConfig, logger golog.Logger) *PerFramePnP {
	return &PerFramePnP{cfg: cfg.withDefaults(), logger: logger}
}

// EstimatePair implements Estimator.
func (e *PerFramePnP) EstimatePair(
	table *observation.Table,
	cams *camera.Array,
	portA, portB int,
) (Pair, error) {
	camA, ok := cams.Camera(portA)
	if !ok {
		return Pair{}, errors.Errorf("no camera at port %d", portA)
	}
	camB, ok := cams.Camera(portB)
	if !ok {
		return Pair{}, errors.Errorf("no camera at port %d", portB)
	}

	boards := sharedBoards(table, portA, portB, e.cfg.MinPoints)
	if len(boards) == 0 {
		return Pair{}, errors.Wrapf(ErrInsufficientData,
			"ports %d-%d share no frame with %d board points", portA, portB, e.cfg.MinPoints)
	}

	samples := e.frameSamples(camA, camB, boards)
	if len(samples) == 0 {
		return Pair{}, errors.Wrapf(ErrInsufficientData,
			"no frame shared by ports %d-%d yielded a pose solve", portA, portB)
	}

	pose, err := e.aggregate(samples, portA, portB)
	if err != nil {
		return Pair{}, err
	}

	score, err := scorePair(camA, camB, table.SharedFrames(portA, portB, e.cfg.MinPoints), pose)
	if err != nil {
		return Pair{}, err
	}
	return Pair{PortA: portA, PortB: portB, Pose: pose, Score: score}, nil
}

// A frameSample is one frame's relative-pose estimate for the pair.
type frameSample struct {
	frameID int
	pose    *spatialmath.Pose
}

func (e *PerFramePnP) frameSamples(camA, camB *camera.Camera, boards []observation.SharedFrame) []frameSample {
	var samples []frameSample
	for _, frame := range boards {
		object := make([]r2.Point, len(frame.A))
		idealA := make([]r2.Point, len(frame.A))
		idealB := make([]r2.Point, len(frame.B))
		for i := range frame.A {
			object[i] = *frame.A[i].Object
			idealA[i] = camA.Undistort(frame.A[i].Image)
			idealB[i] = camB.Undistort(frame.B[i].Image)
		}

		poseA, _, err := pnp.Solve(object, idealA, e.logger)
		if err != nil {
			e.logger.Debugw("board pose solve failed",
				"frame", frame.FrameID, "port", camA.Port, "error", err)
			continue
		}
		poseB, _, err := pnp.Solve(object, idealB, e.logger)
		if err != nil {
			e.logger.Debugw("board pose solve failed",
				"frame", frame.FrameID, "port", camB.Port, "error", err)
			continue
		}

		// Both solves share the board frame, so B relative to A is B's view
		// of the board composed with A's inverted view.
		samples = append(samples, frameSample{
			frameID: frame.FrameID,
			pose:    spatialmath.Compose(poseB, poseA.Invert()),
		})
	}
	return samples
}

// aggregate reduces the frame samples to one pose: component-wise mean
// translation and quaternion-averaged rotation, after fence-based rejection
// when enough samples exist to make the fences meaningful.
func (e *PerFramePnP) aggregate(samples []frameSample, portA, portB int) (*spatialmath.Pose, error) {
	kept := samples
	if len(samples) >= e.cfg.MinSamples {
		kept = e.rejectOutliers(samples, portA, portB)
	}

	quats := make([]quat.Number, len(kept))
	var tSum r3.Vector
	for i, s := range kept {
		quats[i] = s.pose.Quaternion()
		tSum = tSum.Add(s.pose.Translation())
	}
	tMean := tSum.Mul(1 / float64(len(kept)))

	qMean, err := spatialmath.MeanQuaternion(quats)
	if err != nil {
		if !errors.Is(err, spatialmath.ErrDegenerateRotation) {
			return nil, err
		}
		e.logger.Warnw("rotation average degenerate, using first sample rotation",
			"port_a", portA, "port_b", portB, "samples", len(kept))
		qMean = quats[0]
	}
	return spatialmath.NewPose(spatialmath.MatrixFromQuat(qMean), tMean), nil
}

// rejectOutliers drops samples whose translation magnitude or rotation angle
// (measured against the provisional rotation average) lies outside the Tukey
// fences of the sample distribution. If rejection would remove every sample,
// the original set is kept.
func (e *PerFramePnP) rejectOutliers(samples []frameSample, portA, portB int) []frameSample {
	quats := make([]quat.Number, len(samples))
	trans := make([]float64, len(samples))
	for i, s := range samples {
		quats[i] = s.pose.Quaternion()
		trans[i] = s.pose.Translation().Norm()
	}

	ref, err := spatialmath.MeanQuaternion(quats)
	if err != nil {
		ref = quats[0]
	}
	angles := make([]float64, len(samples))
	for i, q := range quats {
		angles[i] = spatialmath.AngleBetween(ref, q)
	}

	transLow, transHigh, errT := e.fences(trans)
	angleLow, angleHigh, errA := e.fences(angles)
	if errT != nil || errA != nil {
		e.logger.Warnw("outlier fences unavailable, keeping all samples",
			"port_a", portA, "port_b", portB, "error", multierr.Combine(errT, errA))
		return samples
	}

	var kept []frameSample
	for i, s := range samples {
		if trans[i] < transLow || trans[i] > transHigh ||
			angles[i] < angleLow || angles[i] > angleHigh {
			e.logger.Debugw("rejecting outlier frame sample",
				"port_a", portA, "port_b", portB, "frame", s.frameID,
				"translation", trans[i], "angle_deg", utils.RadToDeg(angles[i]))
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		e.logger.Warnw("outlier rejection removed every sample, keeping all",
			"port_a", portA, "port_b", portB, "samples", len(samples))
		return samples
	}
	return kept
}

// fences returns the Tukey fences for one sample series. A series whose
// interquartile range is below minSpread is unanimous and gets open fences.
func (e *PerFramePnP) fences(data []float64) (low, high float64, err error) {
	q, err := stats.Quartile(data)
	if err != nil {
		return 0, 0, err
	}
	iqr := q.Q3 - q.Q1
	if iqr < minSpread {
		return math.Inf(-1), math.Inf(1), nil
	}
	return q.Q1 - e.cfg.IQRScale*iqr, q.Q3 + e.cfg.IQRScale*iqr, nil
}
