package stereo

import (
	"math"
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/lsq"
	"github.com/mprib/caliscope-sub002/observation"
	"github.com/mprib/caliscope-sub002/pnp"
	"github.com/mprib/caliscope-sub002/spatialmath"
	"github.com/mprib/caliscope-sub002/utils"
)

// DirectConfig tunes the joint estimator. Zero fields fall back to defaults.
type DirectConfig struct {
	// MinPoints is the per-frame floor on usable board correspondences.
	MinPoints int
	// MaxBoards caps the boards entering the joint solve.
	MaxBoards int
	// Solver controls the joint least-squares iteration.
	Solver lsq.Settings
}

func (cfg DirectConfig) withDefaults() DirectConfig {
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = pnp.MinPoints
	}
	if cfg.MaxBoards <= 0 {
		cfg.MaxBoards = 10
	}
	return cfg
}

// Direct estimates a pair's relative pose in one joint solve: a spread of
// shared board sightings is selected, each board's pose relative to camera A
// becomes a free variable alongside the pair transform, and everything is
// refined together against both cameras' observations. One bad frame pulls on
// the whole solve, so prefer PerFramePnP when captures are long and noisy;
// Direct shines on short, clean captures where per-frame solves are starved.
type Direct struct {
	cfg    DirectConfig
	logger golog.Logger
}

// NewDirect returns a joint estimator with the given config.
func NewDirect(cfg DirectConfig, logger golog.Logger) *Direct {
	return &Direct{cfg: cfg.withDefaults(), logger: logger}
}

// EstimatePair implements Estimator.
func (e *Direct) EstimatePair(
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

	all := sharedBoards(table, portA, portB, e.cfg.MinPoints)
	if len(all) == 0 {
		return Pair{}, errors.Wrapf(ErrInsufficientData,
			"ports %d-%d share no frame with %d board points", portA, portB, e.cfg.MinPoints)
	}
	boards, initial := e.initialize(camA, camB, selectBoards(all, e.cfg.MaxBoards))
	if len(boards) == 0 {
		return Pair{}, errors.Wrapf(ErrInsufficientData,
			"no board shared by ports %d-%d yielded a starting pose", portA, portB)
	}

	result, err := lsq.SolveDense(
		e.residualFunc(camA, camB, boards),
		initial,
		residualCount(boards),
		e.cfg.Solver,
		e.logger,
	)
	if err != nil {
		return Pair{}, errors.Wrapf(err, "joint solve for ports %d-%d", portA, portB)
	}
	if !result.Converged {
		e.logger.Warnw("joint pair solve stopped before convergence, keeping best iterate",
			"port_a", portA, "port_b", portB, "iterations", result.Iterations, "cost", result.Cost)
	}

	pose := poseAt(result.Params, 0)
	score, err := e.pixelRMSE(camA, camB, boards, result.Params)
	if err != nil {
		return Pair{}, err
	}
	return Pair{PortA: portA, PortB: portB, Pose: pose, Score: score}, nil
}

// selectBoards picks up to max boards spread across the capture: the frame
// range splits into max equal spans and the densest board wins each span,
// ties going to the earlier frame. Leftover slots go to the densest unpicked
// boards. Input comes sorted by frame and the selection is deterministic.
func selectBoards(boards []observation.SharedFrame, max int) []observation.SharedFrame {
	if len(boards) <= max {
		return boards
	}
	first := boards[0].FrameID
	span := boards[len(boards)-1].FrameID - first + 1

	picked := make([]bool, len(boards))
	var out []observation.SharedFrame
	take := func(i int) {
		picked[i] = true
		out = append(out, boards[i])
	}
	for k := 0; k < max; k++ {
		lo := first + k*span/max
		hi := first + (k+1)*span/max
		best := -1
		for i, b := range boards {
			if picked[i] || b.FrameID < lo || b.FrameID >= hi {
				continue
			}
			if best < 0 || len(b.A) > len(boards[best].A) {
				best = i
			}
		}
		if best >= 0 {
			take(best)
		}
	}
	for len(out) < max {
		best := -1
		for i, b := range boards {
			if picked[i] {
				continue
			}
			if best < 0 || len(b.A) > len(boards[best].A) {
				best = i
			}
		}
		if best < 0 {
			break
		}
		take(best)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrameID < out[j].FrameID })
	return out
}

// initialize seeds the joint parameter vector: six values for the pair
// transform, then six per board for that board's pose relative to camera A.
// Boards that fail their seeding solve are dropped. The pair transform seeds
// from the first board that solves on both cameras, and stays at identity if
// none does.
func (e *Direct) initialize(camA, camB *camera.Camera, boards []observation.SharedFrame) ([]observation.SharedFrame, []float64) {
	var kept []observation.SharedFrame
	var pair *spatialmath.Pose
	var boardParams []float64
	for _, frame := range boards {
		object := make([]r2.Point, len(frame.A))
		idealA := make([]r2.Point, len(frame.A))
		for i := range frame.A {
			object[i] = *frame.A[i].Object
			idealA[i] = camA.Undistort(frame.A[i].Image)
		}
		poseA, _, err := pnp.Solve(object, idealA, e.logger)
		if err != nil {
			e.logger.Debugw("board seeding solve failed",
				"frame", frame.FrameID, "port", camA.Port, "error", err)
			continue
		}
		kept = append(kept, frame)
		boardParams = appendPose(boardParams, poseA)

		if pair == nil {
			idealB := make([]r2.Point, len(frame.B))
			for i := range frame.B {
				idealB[i] = camB.Undistort(frame.B[i].Image)
			}
			if poseB, _, err := pnp.Solve(object, idealB, e.logger); err == nil {
				pair = spatialmath.Compose(poseB, poseA.Invert())
			}
		}
	}
	if len(kept) == 0 {
		return nil, nil
	}
	if pair == nil {
		e.logger.Warnw("no board solved on both cameras, seeding pair at identity",
			"port_a", camA.Port, "port_b", camB.Port)
		pair = spatialmath.NewZeroPose()
	}
	return kept, append(appendPose(nil, pair), boardParams...)
}

func appendPose(params []float64, pose *spatialmath.Pose) []float64 {
	rv := pose.RotationVector()
	t := pose.Translation()
	return append(params, rv.X, rv.Y, rv.Z, t.X, t.Y, t.Z)
}

func poseAt(params []float64, block int) *spatialmath.Pose {
	i := 6 * block
	return spatialmath.NewPoseFromRotationVector(
		r3.Vector{X: params[i], Y: params[i+1], Z: params[i+2]},
		r3.Vector{X: params[i+3], Y: params[i+4], Z: params[i+5]},
	)
}

func residualCount(boards []observation.SharedFrame) int {
	var n int
	for _, b := range boards {
		n += 4 * len(b.A)
	}
	return n
}

// residualFunc lays out four residuals per board point: ideal-plane error in
// camera A from the board pose, then in camera B through the pair transform.
func (e *Direct) residualFunc(camA, camB *camera.Camera, boards []observation.SharedFrame) lsq.ResidualFunc {
	type boardData struct {
		object []r2.Point
		idealA []r2.Point
		idealB []r2.Point
	}
	data := make([]boardData, len(boards))
	for k, frame := range boards {
		d := boardData{
			object: make([]r2.Point, len(frame.A)),
			idealA: make([]r2.Point, len(frame.A)),
			idealB: make([]r2.Point, len(frame.B)),
		}
		for i := range frame.A {
			d.object[i] = *frame.A[i].Object
			d.idealA[i] = camA.Undistort(frame.A[i].Image)
			d.idealB[i] = camB.Undistort(frame.B[i].Image)
		}
		data[k] = d
	}

	return func(p, r []float64) {
		pair := poseAt(p, 0)
		ri := 0
		for k, d := range data {
			board := poseAt(p, 1+k)
			for i, obj := range d.object {
				inA := board.Transform(r3.Vector{X: obj.X, Y: obj.Y})
				writeIdealResidual(r[ri:ri+2], inA, d.idealA[i])
				writeIdealResidual(r[ri+2:ri+4], pair.Transform(inA), d.idealB[i])
				ri += 4
			}
		}
	}
}

func writeIdealResidual(r []float64, inCamera r3.Vector, ideal r2.Point) {
	if inCamera.Z < 1e-9 {
		// behind or grazing the camera plane, push the solver away
		r[0] = 1e6
		r[1] = 1e6
		return
	}
	r[0] = inCamera.X/inCamera.Z - ideal.X
	r[1] = inCamera.Y/inCamera.Z - ideal.Y
}

// pixelRMSE reprojects the solved boards through both cameras' full pixel
// models and returns the RMSE against the raw detections, giving the pair a
// score comparable to PerFramePnP's.
func (e *Direct) pixelRMSE(camA, camB *camera.Camera, boards []observation.SharedFrame, params []float64) (float64, error) {
	pair := poseAt(params, 0)
	identity := spatialmath.NewZeroPose()

	var sum float64
	var count int
	for k, frame := range boards {
		board := poseAt(params, 1+k)
		for i := range frame.A {
			obj := *frame.A[i].Object
			inA := board.Transform(r3.Vector{X: obj.X, Y: obj.Y})
			pixA, okA := projectThrough(camA, identity, inA)
			pixB, okB := projectThrough(camB, pair, inA)
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
		return 0, errors.Wrap(ErrInsufficientData, "no solved board projects in front of both cameras")
	}
	return math.Sqrt(sum / float64(count)), nil
}
