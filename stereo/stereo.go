// Package stereo estimates scored relative poses between camera pairs from
// their shared observations of the calibration object. Two interchangeable
// strategies are provided: per-frame PnP with outlier-rejected aggregation,
// and a joint solve over a spread of selected boards.
package stereo

import (
	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/observation"
	"github.com/mprib/caliscope-sub002/spatialmath"
)

// ErrInsufficientData is when a camera pair does not share enough usable
// observations to estimate a relative pose. Pairs failing this way are simply
// absent from the pose graph, never fatal.
var ErrInsufficientData = errors.New("not enough shared observations to estimate the pair")

// Pair is the estimated relative pose between two cameras. Pose maps port A
// camera coordinates into port B camera coordinates. Score is the
// dual-camera reprojection RMSE in pixels; lower is better.
type Pair struct {
	PortA int
	PortB int
	Pose  *spatialmath.Pose
	Score float64
}

// Invert returns the pair seen from the other side: ports swapped, the
// geometric inverse transform, and an identical score.
func (p Pair) Invert() Pair {
	return Pair{PortA: p.PortB, PortB: p.PortA, Pose: p.Pose.Invert(), Score: p.Score}
}

// An Estimator produces one scored relative pose for a camera pair. An error
// wrapping ErrInsufficientData means the pair cannot be estimated from the
// available data and should be omitted, not reported.
type Estimator interface {
	EstimatePair(table *observation.Table, cams *camera.Array, portA, portB int) (Pair, error)
}

// EstimateAll runs the estimator over every unordered pair of non-ignored
// ports in the array. Pairs with insufficient data are skipped with a debug
// log; pairs failing for any other reason are skipped with a warning. Only
// forward pairs (portA < portB) are returned.
func EstimateAll(table *observation.Table, cams *camera.Array, est Estimator, logger golog.Logger) []Pair {
	var ports []int
	for _, port := range cams.Ports() {
		if !cams.Cameras[port].Ignore {
			ports = append(ports, port)
		}
	}

	var pairs []Pair
	for i, portA := range ports {
		for _, portB := range ports[i+1:] {
			pair, err := est.EstimatePair(table, cams, portA, portB)
			if err != nil {
				if errors.Is(err, ErrInsufficientData) {
					logger.Debugw("skipping pair with insufficient data",
						"port_a", portA, "port_b", portB, "error", err)
				} else {
					logger.Warnw("pair estimation failed",
						"port_a", portA, "port_b", portB, "error", err)
				}
				continue
			}
			logger.Debugw("estimated pair",
				"port_a", portA, "port_b", portB, "score_px", pair.Score)
			pairs = append(pairs, pair)
		}
	}
	return pairs
}

// sharedBoards returns the pair's shared frames restricted to points whose
// board-frame location is known, which the solvers need as 2D-3D
// correspondences. Frames left with fewer than minPoints usable points are
// dropped.
func sharedBoards(table *observation.Table, portA, portB, minPoints int) []observation.SharedFrame {
	var out []observation.SharedFrame
	for _, frame := range table.SharedFrames(portA, portB, minPoints) {
		kept := observation.SharedFrame{FrameID: frame.FrameID}
		for i := range frame.A {
			if frame.A[i].Object == nil || frame.B[i].Object == nil {
				continue
			}
			kept.A = append(kept.A, frame.A[i])
			kept.B = append(kept.B, frame.B[i])
		}
		if len(kept.A) < minPoints {
			continue
		}
		out = append(out, kept)
	}
	return out
}
