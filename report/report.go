// Package report summarizes a calibration run for humans and tooling: a JSON
// document, a rendered HTML chart page, and a terminal histogram.
package report

import (
	"io"
	"math"
	"time"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope-sub002/capturevolume"
	"github.com/mprib/caliscope-sub002/utils"
)

// CameraQuality is one camera's slice of the reprojection error.
type CameraQuality struct {
	Port         int     `json:"port"`
	Observations int     `json:"observations"`
	RMSE         float64 `json:"rmse_px"`
}

// Residual is one observation's reprojection distance in pixels.
type Residual struct {
	Port   int     `json:"port"`
	Pixels float64 `json:"pixels"`
}

// Report is the quality summary of a calibrated capture volume. Unmatched
// counts observations whose reprojection failed outright; those carry no
// entry in Residuals.
type Report struct {
	CreatedAt         time.Time       `json:"created_at"`
	Points            int             `json:"points"`
	Observations      int             `json:"observations"`
	RMSE              float64         `json:"rmse_px"`
	Cameras           []CameraQuality `json:"cameras"`
	PerPoint          []float64       `json:"per_point_rmse_px"`
	Unmatched         int             `json:"unmatched"`
	UnmatchedFraction float64         `json:"unmatched_fraction"`
	Residuals         []Residual      `json:"residuals"`
}

// FromVolume measures the volume and assembles a report.
func FromVolume(vol *capturevolume.CaptureVolume) (*Report, error) {
	summary, err := vol.Quality()
	if err != nil {
		return nil, err
	}

	r := &Report{
		CreatedAt:    time.Now().UTC(),
		Points:       vol.Points.Len(),
		Observations: vol.Points.NumObservations(),
		RMSE:         summary.RMSE,
		PerPoint:     append([]float64(nil), summary.PerPoint...),
		Unmatched:    summary.Invalid,
	}
	if r.Observations > 0 {
		r.UnmatchedFraction = float64(summary.Invalid) / float64(r.Observations)
	}

	obsCounts := map[int]int{}
	for _, port := range vol.Points.ObsPort {
		obsCounts[port]++
	}
	for _, port := range vol.Cameras.PosedPorts() {
		r.Cameras = append(r.Cameras, CameraQuality{
			Port:         port,
			Observations: obsCounts[port],
			RMSE:         summary.PerCamera[port],
		})
	}

	r.Residuals = make([]Residual, 0, len(summary.Distances))
	for k, d := range summary.Distances {
		if math.IsInf(d, 0) {
			continue
		}
		r.Residuals = append(r.Residuals, Residual{Port: vol.Points.ObsPort[k], Pixels: d})
	}
	return r, nil
}

// PrintHistogram renders the residual distribution as a terminal histogram.
func (r *Report) PrintHistogram(out io.Writer, bins int) error {
	if len(r.Residuals) == 0 {
		return errors.New("no residuals to plot")
	}
	pixels := make([]float64, len(r.Residuals))
	for i, res := range r.Residuals {
		pixels[i] = res.Pixels
	}
	hist := histogram.Hist(utils.MaxInt(1, bins), pixels)
	return histogram.Fprint(out, hist, histogram.Linear(40))
}
