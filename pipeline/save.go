package pipeline

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mprib/caliscope-sub002/pointcloud"
)

// File names written into a run's output directory.
const (
	ArrayFile      = "camera_array.json"
	PointsFile     = "world_points.csv"
	CloudFile      = "capture_volume.pcd"
	ReportFile     = "report.json"
	ReportHTMLFile = "report.html"
)

// Save writes the calibrated array, world points, point cloud and report
// into dir, creating it if needed.
func (r *Result) Save(dir string) error {
	if r.Volume == nil || r.Report == nil {
		return errors.New("nothing to save; the run did not finish")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := r.Volume.Cameras.WriteJSONFile(filepath.Join(dir, ArrayFile)); err != nil {
		return err
	}
	if err := r.Volume.Points.WriteCSVFile(filepath.Join(dir, PointsFile)); err != nil {
		return err
	}
	cloud := pointcloud.FromWorldPoints(r.Volume.Points)
	cloud.AddCameraCenters(r.Volume.Cameras)
	if err := cloud.WritePCDFile(filepath.Join(dir, CloudFile), pointcloud.PCDAscii); err != nil {
		return err
	}
	if err := r.Report.WriteJSONFile(filepath.Join(dir, ReportFile)); err != nil {
		return err
	}
	return r.Report.WriteHTMLFile(filepath.Join(dir, ReportHTMLFile))
}
