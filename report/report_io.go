package report

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// NewFromJSONFile reads a report written by WriteJSONFile.
func NewFromJSONFile(jsonPath string) (*Report, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	r := &Report{}
	if err = json.Unmarshal(byteValue, r); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	return r, nil
}

// WriteJSONFile writes the report as indented JSON.
func (r *Report) WriteJSONFile(jsonPath string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(jsonPath, data, 0o644)
}
