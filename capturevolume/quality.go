package capturevolume

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope-sub002/utils"
)

// Summary measures reconstruction quality in pixels under each camera's full
// distortion model, which is what an operator sees in the source footage.
// Distances runs parallel to the volume's observations; reprojections that
// land behind a camera carry +Inf there, are counted in Invalid, and are
// excluded from the aggregate figures.
type Summary struct {
	// RMSE is the root mean square pixel distance over all valid
	// observations.
	RMSE float64
	// PerCamera is the RMSE restricted to each port's observations.
	PerCamera map[int]float64
	// PerPoint is the RMS pixel distance of each world point's
	// observations, parallel to the volume's points.
	PerPoint []float64
	// Distances is the pixel distance of every observation.
	Distances []float64
	// Invalid counts observations whose reprojection is unusable.
	Invalid int
}

// Percentile returns the pixel distance below which the given fraction of
// valid observations falls, pct in (0, 100].
func (s *Summary) Percentile(pct float64) (float64, error) {
	valid := make([]float64, 0, len(s.Distances))
	for _, d := range s.Distances {
		if !math.IsInf(d, 0) {
			valid = append(valid, d)
		}
	}
	if len(valid) == 0 {
		return 0, errors.New("no valid observations to take a percentile of")
	}
	return stats.Percentile(valid, pct)
}

// Quality reprojects every world point through its observing cameras and
// summarizes the pixel residuals.
func (v *CaptureVolume) Quality() (*Summary, error) {
	if err := v.Points.Validate(); err != nil {
		return nil, err
	}

	summary := &Summary{
		PerCamera: map[int]float64{},
		PerPoint:  make([]float64, v.Points.Len()),
		Distances: make([]float64, v.Points.NumObservations()),
	}

	var sum float64
	var count int
	cameraSum := map[int]float64{}
	cameraCount := map[int]int{}
	pointSum := make([]float64, v.Points.Len())
	pointCount := make([]int, v.Points.Len())

	for k, port := range v.Points.ObsPort {
		cam, ok := v.Cameras.Camera(port)
		if !ok {
			return nil, errors.Errorf("observation %d references missing port %d", k, port)
		}
		ptIdx := v.Points.ObsPoint[k]
		pix, ok := cam.ProjectToPixel(v.Points.Points[ptIdx])
		if !ok {
			summary.Distances[k] = math.Inf(1)
			summary.Invalid++
			continue
		}
		d := pix.Sub(v.Points.ObsPixel[k])
		sq := utils.Square(d.X) + utils.Square(d.Y)
		summary.Distances[k] = math.Sqrt(sq)

		sum += sq
		count++
		cameraSum[port] += sq
		cameraCount[port]++
		pointSum[ptIdx] += sq
		pointCount[ptIdx]++
	}

	if count > 0 {
		summary.RMSE = math.Sqrt(sum / float64(count))
	}
	for port, s := range cameraSum {
		summary.PerCamera[port] = math.Sqrt(s / float64(cameraCount[port]))
	}
	for j := range pointSum {
		if pointCount[j] > 0 {
			summary.PerPoint[j] = math.Sqrt(pointSum[j] / float64(pointCount[j]))
		}
	}
	return summary, nil
}
