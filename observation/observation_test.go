package observation

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func obs(frameID, port, pointID int, x, y float64) Observation {
	return Observation{FrameID: frameID, Port: port, PointID: pointID, Image: r2.Point{X: x, Y: y}}
}

func TestTableValidate(t *testing.T) {
	table := NewTable([]Observation{
		obs(0, 0, 1, 10, 20),
		obs(0, 1, 1, 30, 40),
		obs(1, 0, 2, 50, 60),
	})
	test.That(t, table.Validate(), test.ShouldBeNil)

	bad := NewTable([]Observation{obs(0, -1, 1, 10, 20)})
	err := bad.Validate()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrInvalidSchema), test.ShouldBeTrue)

	bad = NewTable([]Observation{obs(0, 0, 1, math.NaN(), 20)})
	test.That(t, errors.Is(bad.Validate(), ErrInvalidSchema), test.ShouldBeTrue)

	bad = NewTable([]Observation{
		obs(0, 0, 1, 10, 20),
		obs(0, 0, 1, 11, 21),
	})
	test.That(t, errors.Is(bad.Validate(), ErrInvalidSchema), test.ShouldBeTrue)

	objBad := obs(0, 0, 1, 10, 20)
	objBad.Object = &r2.Point{X: math.Inf(1), Y: 0}
	test.That(t, errors.Is(NewTable([]Observation{objBad}).Validate(), ErrInvalidSchema), test.ShouldBeTrue)
}

func TestPortsAndFrames(t *testing.T) {
	table := NewTable([]Observation{
		obs(4, 2, 0, 1, 1),
		obs(0, 0, 0, 1, 1),
		obs(4, 0, 1, 1, 1),
		obs(2, 2, 0, 1, 1),
	})
	test.That(t, table.Ports(), test.ShouldResemble, []int{0, 2})
	test.That(t, table.FrameIDs(), test.ShouldResemble, []int{0, 2, 4})
	test.That(t, len(table.ForPort(2)), test.ShouldEqual, 2)
	test.That(t, len(table.ForPort(5)), test.ShouldEqual, 0)
}

func TestGroupByFramePoint(t *testing.T) {
	table := NewTable([]Observation{
		obs(0, 0, 7, 1, 1),
		obs(0, 1, 7, 2, 2),
		obs(0, 2, 7, 3, 3),
		obs(1, 0, 7, 4, 4),
	})
	groups := table.GroupByFramePoint()
	test.That(t, len(groups), test.ShouldEqual, 2)
	test.That(t, len(groups[FramePoint{FrameID: 0, PointID: 7}]), test.ShouldEqual, 3)
	test.That(t, len(groups[FramePoint{FrameID: 1, PointID: 7}]), test.ShouldEqual, 1)

	keys := SortedFramePoints(groups)
	test.That(t, keys, test.ShouldResemble, []FramePoint{
		{FrameID: 0, PointID: 7},
		{FrameID: 1, PointID: 7},
	})
}

func TestSharedFrames(t *testing.T) {
	table := NewTable([]Observation{
		// frame 0: ports 0 and 1 share points 1,2,3
		obs(0, 0, 1, 1, 1), obs(0, 0, 2, 2, 2), obs(0, 0, 3, 3, 3),
		obs(0, 1, 3, 13, 13), obs(0, 1, 1, 11, 11), obs(0, 1, 2, 12, 12),
		// frame 1: only one shared point
		obs(1, 0, 1, 1, 1),
		obs(1, 1, 1, 11, 11), obs(1, 1, 9, 19, 19),
		// frame 2: port 1 missing entirely
		obs(2, 0, 1, 1, 1), obs(2, 0, 2, 2, 2),
	})

	shared := table.SharedFrames(0, 1, 2)
	test.That(t, len(shared), test.ShouldEqual, 1)
	test.That(t, shared[0].FrameID, test.ShouldEqual, 0)
	test.That(t, len(shared[0].A), test.ShouldEqual, 3)
	// matched index-to-index, sorted by point id
	for i, pointID := range []int{1, 2, 3} {
		test.That(t, shared[0].A[i].PointID, test.ShouldEqual, pointID)
		test.That(t, shared[0].B[i].PointID, test.ShouldEqual, pointID)
	}
	test.That(t, shared[0].B[0].Image, test.ShouldResemble, r2.Point{X: 11, Y: 11})

	shared = table.SharedFrames(0, 1, 1)
	test.That(t, len(shared), test.ShouldEqual, 2)
	test.That(t, shared[0].FrameID, test.ShouldEqual, 0)
	test.That(t, shared[1].FrameID, test.ShouldEqual, 1)

	test.That(t, len(table.SharedFrames(0, 5, 1)), test.ShouldEqual, 0)
}

func TestCSVRoundTrip(t *testing.T) {
	withObj := obs(0, 0, 1, 100.25, 200.5)
	withObj.Object = &r2.Point{X: 0.04, Y: 0.08}
	table := NewTable([]Observation{
		withObj,
		obs(0, 1, 1, 300.125, 400.75),
		obs(3, 0, 2, 500, 600),
	})

	csvPath := filepath.Join(t.TempDir(), "observations.csv")
	test.That(t, table.WriteCSVFile(csvPath), test.ShouldBeNil)

	loaded, err := NewTableFromCSVFile(csvPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, loaded.Observations, test.ShouldResemble, table.Observations)
}

func TestCSVRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	_, err := NewTableFromCSVFile(filepath.Join(dir, "missing.csv"))
	test.That(t, err, test.ShouldNotBeNil)

	badHeader := filepath.Join(dir, "bad_header.csv")
	writeFile(t, badHeader, "frame,port,point_id,x,y\n0,0,1,1.0,2.0\n")
	_, err = NewTableFromCSVFile(badHeader)
	test.That(t, errors.Is(err, ErrInvalidSchema), test.ShouldBeTrue)

	badValue := filepath.Join(dir, "bad_value.csv")
	writeFile(t, badValue, "frame_id,port,point_id,x,y\n0,zero,1,1.0,2.0\n")
	_, err = NewTableFromCSVFile(badValue)
	test.That(t, errors.Is(err, ErrInvalidSchema), test.ShouldBeTrue)
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	test.That(t, os.WriteFile(path, []byte(contents), 0o644), test.ShouldBeNil)
}
