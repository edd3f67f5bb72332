package triangulate

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/mprib/caliscope-sub002/observation"
)

var worldCSVHeader = []string{"frame_id", "point_id", "x", "y", "z"}

// WriteCSVFile writes the world points to disk, one row per point. The
// observation bookkeeping is session state tied to the capture and is not
// exported.
func (w *WorldPoints) WriteCSVFile(csvPath string) error {
	//nolint:gosec
	f, err := os.Create(csvPath)
	if err != nil {
		return errors.Wrap(err, "error creating CSV file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	out := csv.NewWriter(f)
	if err := out.Write(worldCSVHeader); err != nil {
		return err
	}
	for j, p := range w.Points {
		rec := []string{
			strconv.Itoa(w.FrameIDs[j]),
			strconv.Itoa(w.PointIDs[j]),
			strconv.FormatFloat(p.X, 'g', -1, 64),
			strconv.FormatFloat(p.Y, 'g', -1, 64),
			strconv.FormatFloat(p.Z, 'g', -1, 64),
		}
		if err := out.Write(rec); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

// NewWorldPointsFromCSVFile reads points written by WriteCSVFile. The result
// carries no observations, so it can feed exports and comparisons but not
// another refinement.
func NewWorldPointsFromCSVFile(csvPath string) (*WorldPoints, error) {
	//nolint:gosec
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening CSV file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	reader := csv.NewReader(f)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "error reading CSV data")
	}
	if len(records) == 0 {
		return nil, errors.Wrap(observation.ErrInvalidSchema, "world point file is empty")
	}
	if len(records[0]) != len(worldCSVHeader) {
		return nil, errors.Wrapf(observation.ErrInvalidSchema,
			"header has %d columns, want %d", len(records[0]), len(worldCSVHeader))
	}
	for i, name := range records[0] {
		if name != worldCSVHeader[i] {
			return nil, errors.Wrapf(observation.ErrInvalidSchema,
				"header column %d is %q, want %q", i, name, worldCSVHeader[i])
		}
	}

	out := &WorldPoints{}
	for i, rec := range records[1:] {
		line := i + 2
		if len(rec) != len(worldCSVHeader) {
			return nil, errors.Wrapf(observation.ErrInvalidSchema,
				"line %d has %d columns, want %d", line, len(rec), len(worldCSVHeader))
		}
		frameID, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, errors.Wrapf(observation.ErrInvalidSchema,
				"line %d frame_id %q is not an integer", line, rec[0])
		}
		pointID, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, errors.Wrapf(observation.ErrInvalidSchema,
				"line %d point_id %q is not an integer", line, rec[1])
		}
		var p r3.Vector
		if p.X, err = strconv.ParseFloat(rec[2], 64); err != nil {
			return nil, errors.Wrapf(observation.ErrInvalidSchema,
				"line %d x %q is not a float", line, rec[2])
		}
		if p.Y, err = strconv.ParseFloat(rec[3], 64); err != nil {
			return nil, errors.Wrapf(observation.ErrInvalidSchema,
				"line %d y %q is not a float", line, rec[3])
		}
		if p.Z, err = strconv.ParseFloat(rec[4], 64); err != nil {
			return nil, errors.Wrapf(observation.ErrInvalidSchema,
				"line %d z %q is not a float", line, rec[4])
		}
		out.FrameIDs = append(out.FrameIDs, frameID)
		out.PointIDs = append(out.PointIDs, pointID)
		out.Points = append(out.Points, p)
	}
	return out, nil
}
