package capturevolume

import (
	"math"
	"sort"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"github.com/mprib/caliscope-sub002/triangulate"
)

// FilterStats reports what a filter pass removed.
type FilterStats struct {
	// Threshold is the pixel distance above which observations were
	// dropped.
	Threshold float64
	// RemovedObservations counts dropped observations, including those of
	// removed points.
	RemovedObservations int
	// RemovedPoints counts world points dropped for losing multi-view
	// support.
	RemovedPoints int
}

// FilterByPercentile keeps the best pct percent of observations by
// reprojection distance, computing the cutoff from the current quality
// summary. Each camera keeps at least minPerCamera of its best observations
// regardless of the cutoff, so a badly-fitted camera cannot be emptied out.
// Points left with fewer than two observations are removed outright.
func (v *CaptureVolume) FilterByPercentile(pct float64, minPerCamera int, logger golog.Logger) (*FilterStats, error) {
	if pct <= 0 || pct > 100 {
		return nil, errors.Errorf("percentile must be in (0, 100], got %g", pct)
	}
	summary, err := v.Quality()
	if err != nil {
		return nil, err
	}
	threshold, err := summary.Percentile(pct)
	if err != nil {
		return nil, err
	}
	return v.filter(summary, threshold, minPerCamera, logger)
}

// FilterByError drops observations whose reprojection distance exceeds
// maxPixels, with the same per-camera floor and thin-point removal as
// FilterByPercentile.
func (v *CaptureVolume) FilterByError(maxPixels float64, minPerCamera int, logger golog.Logger) (*FilterStats, error) {
	if maxPixels <= 0 {
		return nil, errors.Errorf("pixel threshold must be positive, got %g", maxPixels)
	}
	summary, err := v.Quality()
	if err != nil {
		return nil, err
	}
	return v.filter(summary, maxPixels, minPerCamera, logger)
}

func (v *CaptureVolume) filter(summary *Summary, threshold float64, minPerCamera int, logger golog.Logger) (*FilterStats, error) {
	keep := make([]bool, v.Points.NumObservations())
	byPort := map[int][]int{}
	for k, d := range summary.Distances {
		keep[k] = d <= threshold
		byPort[v.Points.ObsPort[k]] = append(byPort[v.Points.ObsPort[k]], k)
	}

	// Give every camera its floor back, best observations first. Invalid
	// reprojections never come back.
	for port, ks := range byPort {
		kept := 0
		for _, k := range ks {
			if keep[k] {
				kept++
			}
		}
		if kept >= minPerCamera {
			continue
		}
		sort.SliceStable(ks, func(i, j int) bool {
			return summary.Distances[ks[i]] < summary.Distances[ks[j]]
		})
		for _, k := range ks {
			if kept >= minPerCamera {
				break
			}
			if !keep[k] && !math.IsInf(summary.Distances[k], 0) {
				keep[k] = true
				kept++
			}
		}
		if kept < minPerCamera {
			logger.Warnw("camera below observation floor after filtering",
				"port", port, "kept", kept, "floor", minPerCamera)
		}
	}

	// Drop points that can no longer be triangulated. Their surviving
	// observations go with them, which can dip a camera back under its
	// floor; that is reported, not repaired.
	support := make([]int, v.Points.Len())
	for k, kept := range keep {
		if kept {
			support[v.Points.ObsPoint[k]]++
		}
	}
	stats := &FilterStats{Threshold: threshold}
	newIndex := make([]int, v.Points.Len())
	compacted := &triangulate.WorldPoints{}
	for j := range support {
		if support[j] < 2 {
			newIndex[j] = -1
			stats.RemovedPoints++
			continue
		}
		newIndex[j] = len(compacted.Points)
		compacted.FrameIDs = append(compacted.FrameIDs, v.Points.FrameIDs[j])
		compacted.PointIDs = append(compacted.PointIDs, v.Points.PointIDs[j])
		compacted.Points = append(compacted.Points, v.Points.Points[j])
	}
	for k, kept := range keep {
		idx := newIndex[v.Points.ObsPoint[k]]
		if !kept || idx < 0 {
			stats.RemovedObservations++
			continue
		}
		compacted.ObsPort = append(compacted.ObsPort, v.Points.ObsPort[k])
		compacted.ObsPoint = append(compacted.ObsPoint, idx)
		compacted.ObsIdeal = append(compacted.ObsIdeal, v.Points.ObsIdeal[k])
		compacted.ObsPixel = append(compacted.ObsPixel, v.Points.ObsPixel[k])
	}
	if compacted.Len() == 0 {
		return nil, errors.Errorf("filtering at %g px would remove every point", threshold)
	}

	v.Points = compacted
	logger.Infow("filtered observations",
		"threshold_px", threshold,
		"removed_observations", stats.RemovedObservations,
		"removed_points", stats.RemovedPoints,
		"points", compacted.Len(),
		"observations", compacted.NumObservations())
	return stats, nil
}
