// Package observation holds the 2D landmark detections consumed by the
// calibration pipeline, along with the groupings the estimators need. Tables
// are produced by an external tracker and are read-only here.
package observation

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// ErrInvalidSchema is when an observation table fails validation.
var ErrInvalidSchema = errors.New("observation table failed schema validation")

func newSchemaError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidSchema, format, args...)
}

// An Observation is one detected 2D landmark: a tracked point seen by one
// camera on one synchronized frame. Image is in pixels. Object holds the
// point's location in the calibration object's own planar frame when the
// tracker provides it, and is nil otherwise.
type Observation struct {
	FrameID int
	Port    int
	PointID int
	Image   r2.Point
	Object  *r2.Point
}

// Table is a collection of observations across all ports and frames.
type Table struct {
	Observations []Observation
}

// NewTable wraps the given observations in a Table.
func NewTable(obs []Observation) *Table {
	return &Table{Observations: obs}
}

// Len returns the number of observations in the table.
func (t *Table) Len() int {
	return len(t.Observations)
}

// Validate checks the table before any numeric work begins. Bad identifiers
// or coordinates cause optimizer stalls rather than clean failures when they
// slip through, so everything suspect is rejected here.
func (t *Table) Validate() error {
	seen := make(map[[3]int]struct{}, len(t.Observations))
	for i, o := range t.Observations {
		if o.FrameID < 0 || o.Port < 0 || o.PointID < 0 {
			return newSchemaError("row %d has a negative identifier (frame %d, port %d, point %d)",
				i, o.FrameID, o.Port, o.PointID)
		}
		if !isFinite(o.Image.X) || !isFinite(o.Image.Y) {
			return newSchemaError("row %d has non-finite image coordinates", i)
		}
		if o.Object != nil && (!isFinite(o.Object.X) || !isFinite(o.Object.Y)) {
			return newSchemaError("row %d has non-finite object coordinates", i)
		}
		key := [3]int{o.FrameID, o.Port, o.PointID}
		if _, ok := seen[key]; ok {
			return newSchemaError("duplicate observation for frame %d, port %d, point %d",
				o.FrameID, o.Port, o.PointID)
		}
		seen[key] = struct{}{}
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Ports returns every port with at least one observation, ascending.
func (t *Table) Ports() []int {
	set := map[int]struct{}{}
	for _, o := range t.Observations {
		set[o.Port] = struct{}{}
	}
	return sortedKeys(set)
}

// FrameIDs returns every frame with at least one observation, ascending.
func (t *Table) FrameIDs() []int {
	set := map[int]struct{}{}
	for _, o := range t.Observations {
		set[o.FrameID] = struct{}{}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[int]struct{}) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// ForPort returns the observations made by one port, in table order.
func (t *Table) ForPort(port int) []Observation {
	var out []Observation
	for _, o := range t.Observations {
		if o.Port == port {
			out = append(out, o)
		}
	}
	return out
}

// A FramePoint keys one tracked point on one synchronized frame.
type FramePoint struct {
	FrameID int
	PointID int
}

// GroupByFramePoint buckets observations by (frame, point id). Map iteration
// order is not deterministic; callers needing a stable order should sort the
// keys, see SortedFramePoints.
func (t *Table) GroupByFramePoint() map[FramePoint][]Observation {
	groups := map[FramePoint][]Observation{}
	for _, o := range t.Observations {
		key := FramePoint{FrameID: o.FrameID, PointID: o.PointID}
		groups[key] = append(groups[key], o)
	}
	return groups
}

// SortedFramePoints returns the keys of the given grouping ordered by frame
// then point id.
func SortedFramePoints(groups map[FramePoint][]Observation) []FramePoint {
	keys := make([]FramePoint, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].FrameID != keys[j].FrameID {
			return keys[i].FrameID < keys[j].FrameID
		}
		return keys[i].PointID < keys[j].PointID
	})
	return keys
}

// A SharedFrame pairs the observations two ports made of the same points on
// one frame. A and B are aligned index-to-index and sorted by point id.
type SharedFrame struct {
	FrameID int
	A       []Observation
	B       []Observation
}

// SharedFrames returns, for every frame where both ports observed at least
// minPoints common point ids, the matched observations. Frames come back in
// ascending order.
func (t *Table) SharedFrames(portA, portB, minPoints int) []SharedFrame {
	byFrameA := map[int]map[int]Observation{}
	byFrameB := map[int]map[int]Observation{}
	for _, o := range t.Observations {
		var target map[int]map[int]Observation
		switch o.Port {
		case portA:
			target = byFrameA
		case portB:
			target = byFrameB
		default:
			continue
		}
		if target[o.FrameID] == nil {
			target[o.FrameID] = map[int]Observation{}
		}
		target[o.FrameID][o.PointID] = o
	}

	var shared []SharedFrame
	for frameID, inA := range byFrameA {
		inB, ok := byFrameB[frameID]
		if !ok {
			continue
		}
		var pointIDs []int
		for pointID := range inA {
			if _, ok := inB[pointID]; ok {
				pointIDs = append(pointIDs, pointID)
			}
		}
		if len(pointIDs) < minPoints {
			continue
		}
		sort.Ints(pointIDs)
		frame := SharedFrame{FrameID: frameID}
		for _, pointID := range pointIDs {
			frame.A = append(frame.A, inA[pointID])
			frame.B = append(frame.B, inB[pointID])
		}
		shared = append(shared, frame)
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i].FrameID < shared[j].FrameID })
	return shared
}
