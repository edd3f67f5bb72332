// Package triangulate recovers 3D world points from the 2D observations of
// posed cameras with the direct linear transform.
package triangulate

import (
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/observation"
)

// WorldPoints is the triangulated reconstruction plus the observation
// bookkeeping the refiner needs. The per-point slices run parallel to each
// other, as do the per-observation slices; ObsPoint ties each observation to
// the index of the world point it saw.
type WorldPoints struct {
	FrameIDs []int
	PointIDs []int
	Points   []r3.Vector

	ObsPort  []int
	ObsPoint []int
	ObsIdeal []r2.Point
	ObsPixel []r2.Point
}

// Len returns the number of world points.
func (w *WorldPoints) Len() int {
	return len(w.Points)
}

// NumObservations returns the number of contributing 2D observations.
func (w *WorldPoints) NumObservations() int {
	return len(w.ObsPoint)
}

// Validate checks the observation mapping before any optimization runs. An
// observation referencing a missing world point stalls the optimizer instead
// of failing cleanly, so orphans are rejected here.
func (w *WorldPoints) Validate() error {
	if len(w.FrameIDs) != len(w.Points) || len(w.PointIDs) != len(w.Points) {
		return errors.Wrapf(observation.ErrInvalidSchema,
			"world point slices disagree on length: %d frames, %d ids, %d points",
			len(w.FrameIDs), len(w.PointIDs), len(w.Points))
	}
	if len(w.ObsPort) != len(w.ObsPoint) || len(w.ObsIdeal) != len(w.ObsPoint) || len(w.ObsPixel) != len(w.ObsPoint) {
		return errors.Wrapf(observation.ErrInvalidSchema,
			"observation slices disagree on length: %d ports, %d points, %d ideals, %d pixels",
			len(w.ObsPort), len(w.ObsPoint), len(w.ObsIdeal), len(w.ObsPixel))
	}
	for i, idx := range w.ObsPoint {
		if idx < 0 || idx >= len(w.Points) {
			return errors.Wrapf(observation.ErrInvalidSchema,
				"observation %d references world point %d of %d", i, idx, len(w.Points))
		}
	}
	return nil
}

// Clone returns a deep copy.
func (w *WorldPoints) Clone() *WorldPoints {
	return &WorldPoints{
		FrameIDs: append([]int(nil), w.FrameIDs...),
		PointIDs: append([]int(nil), w.PointIDs...),
		Points:   append([]r3.Vector(nil), w.Points...),
		ObsPort:  append([]int(nil), w.ObsPort...),
		ObsPoint: append([]int(nil), w.ObsPoint...),
		ObsIdeal: append([]r2.Point(nil), w.ObsIdeal...),
		ObsPixel: append([]r2.Point(nil), w.ObsPixel...),
	}
}

// Triangulate computes one world point per (frame, point id) group observed
// by at least two posed, non-ignored cameras. Groups with fewer views are
// skipped. Observations are undistorted onto the ideal plane before the
// linear solve.
func Triangulate(table *observation.Table, cams *camera.Array, logger golog.Logger) (*WorldPoints, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}

	posed := map[int]*camera.Camera{}
	projections := map[int]*mat.Dense{}
	for _, port := range cams.PosedPorts() {
		cam := cams.Cameras[port]
		posed[port] = cam
		projections[port] = cam.Pose.ProjectionMatrix()
	}
	if len(posed) < 2 {
		return nil, errors.Errorf("need at least 2 posed cameras, have %d", len(posed))
	}

	groups := table.GroupByFramePoint()
	keys := observation.SortedFramePoints(groups)

	out := &WorldPoints{}
	skippedThin := 0
	skippedDegenerate := 0

	// Scratch reused across groups; FromViews does not retain its arguments.
	var group []observation.Observation
	var views []*mat.Dense
	var ideals []r2.Point
	for _, key := range keys {
		group = group[:0]
		for _, o := range groups[key] {
			if _, ok := posed[o.Port]; !ok {
				continue
			}
			group = append(group, o)
		}
		if len(group) < 2 {
			skippedThin++
			continue
		}
		sort.Slice(group, func(i, j int) bool { return group[i].Port < group[j].Port })

		views = views[:0]
		ideals = ideals[:0]
		for _, o := range group {
			views = append(views, projections[o.Port])
			ideals = append(ideals, posed[o.Port].Undistort(o.Image))
		}
		point, err := FromViews(views, ideals)
		if err != nil {
			skippedDegenerate++
			logger.Debugw("skipping degenerate point group",
				"frame", key.FrameID, "point", key.PointID, "error", err)
			continue
		}

		idx := len(out.Points)
		out.FrameIDs = append(out.FrameIDs, key.FrameID)
		out.PointIDs = append(out.PointIDs, key.PointID)
		out.Points = append(out.Points, point)
		for i, o := range group {
			out.ObsPort = append(out.ObsPort, o.Port)
			out.ObsPoint = append(out.ObsPoint, idx)
			out.ObsIdeal = append(out.ObsIdeal, ideals[i])
			out.ObsPixel = append(out.ObsPixel, o.Image)
		}
	}

	logger.Debugf("triangulated %d points from %d groups (%d too thin, %d degenerate)",
		out.Len(), len(keys), skippedThin, skippedDegenerate)
	return out, nil
}

// FromViews solves a single point from per-view 3x4 projection matrices and
// matching ideal plane locations. Each view contributes two rows to the
// homogeneous system; the solution is the right singular vector of the
// smallest singular value, dehomogenized.
func FromViews(views []*mat.Dense, ideals []r2.Point) (r3.Vector, error) {
	if len(views) < 2 || len(views) != len(ideals) {
		return r3.Vector{}, errors.Errorf("got %d views and %d ideal points, want matching counts of at least 2",
			len(views), len(ideals))
	}
	a := mat.NewDense(2*len(views), 4, nil)
	for i, p := range views {
		x, y := ideals[i].X, ideals[i].Y
		for j := 0; j < 4; j++ {
			a.Set(2*i, j, x*p.At(2, j)-p.At(0, j))
			a.Set(2*i+1, j, y*p.At(2, j)-p.At(1, j))
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, errors.New("failed to factorize triangulation system")
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if w > -1e-12 && w < 1e-12 {
		return r3.Vector{}, errors.New("triangulated point is at infinity")
	}
	return r3.Vector{
		X: v.At(0, 3) / w,
		Y: v.At(1, 3) / w,
		Z: v.At(2, 3) / w,
	}, nil
}
