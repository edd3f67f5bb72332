package observation

import (
	"encoding/csv"
	"os"
	"strconv"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

var csvHeader = []string{"frame_id", "port", "point_id", "x", "y", "object_x", "object_y"}

// NewTableFromCSVFile reads a tracker observation table from disk and
// validates it. Rows carry either 5 columns, or 7 when the tracker knows the
// point's location in the calibration object's frame; the object columns may
// also be left empty per row.
func NewTableFromCSVFile(csvPath string) (*Table, error) {
	//nolint:gosec
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening CSV file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, errors.Wrap(err, "error reading CSV data")
	}
	if len(records) == 0 {
		return nil, newSchemaError("observation file is empty")
	}
	if err := checkHeader(records[0]); err != nil {
		return nil, err
	}

	obs := make([]Observation, 0, len(records)-1)
	for i, rec := range records[1:] {
		line := i + 2
		if len(rec) != 5 && len(rec) != 7 {
			return nil, newSchemaError("line %d has %d columns, want 5 or 7", line, len(rec))
		}
		o := Observation{}
		if o.FrameID, err = strconv.Atoi(rec[0]); err != nil {
			return nil, newSchemaError("line %d frame_id %q is not an integer", line, rec[0])
		}
		if o.Port, err = strconv.Atoi(rec[1]); err != nil {
			return nil, newSchemaError("line %d port %q is not an integer", line, rec[1])
		}
		if o.PointID, err = strconv.Atoi(rec[2]); err != nil {
			return nil, newSchemaError("line %d point_id %q is not an integer", line, rec[2])
		}
		if o.Image.X, err = strconv.ParseFloat(rec[3], 64); err != nil {
			return nil, newSchemaError("line %d x %q is not a float", line, rec[3])
		}
		if o.Image.Y, err = strconv.ParseFloat(rec[4], 64); err != nil {
			return nil, newSchemaError("line %d y %q is not a float", line, rec[4])
		}
		if len(rec) == 7 && rec[5] != "" && rec[6] != "" {
			objX, err := strconv.ParseFloat(rec[5], 64)
			if err != nil {
				return nil, newSchemaError("line %d object_x %q is not a float", line, rec[5])
			}
			objY, err := strconv.ParseFloat(rec[6], 64)
			if err != nil {
				return nil, newSchemaError("line %d object_y %q is not a float", line, rec[6])
			}
			o.Object = &r2.Point{X: objX, Y: objY}
		}
		obs = append(obs, o)
	}

	table := NewTable(obs)
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

func checkHeader(header []string) error {
	if len(header) != 5 && len(header) != 7 {
		return newSchemaError("header has %d columns, want 5 or 7", len(header))
	}
	for i, name := range header {
		if name != csvHeader[i] {
			return newSchemaError("header column %d is %q, want %q", i, name, csvHeader[i])
		}
	}
	return nil
}

// WriteCSVFile writes the table to the given path in the same shape that
// NewTableFromCSVFile reads.
func (t *Table) WriteCSVFile(csvPath string) error {
	//nolint:gosec
	f, err := os.Create(csvPath)
	if err != nil {
		return errors.Wrap(err, "error creating CSV file")
	}
	defer utils.UncheckedErrorFunc(f.Close)

	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, o := range t.Observations {
		rec := []string{
			strconv.Itoa(o.FrameID),
			strconv.Itoa(o.Port),
			strconv.Itoa(o.PointID),
			strconv.FormatFloat(o.Image.X, 'g', -1, 64),
			strconv.FormatFloat(o.Image.Y, 'g', -1, 64),
			"",
			"",
		}
		if o.Object != nil {
			rec[5] = strconv.FormatFloat(o.Object.X, 'g', -1, 64)
			rec[6] = strconv.FormatFloat(o.Object.Y, 'g', -1, 64)
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
