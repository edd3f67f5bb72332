// Package pointcloud holds a minimal XYZ cloud used to hand calibration
// results to outside viewers.
package pointcloud

import (
	"github.com/golang/geo/r3"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/triangulate"
)

// PointCloud is a flat, unordered list of world points.
type PointCloud struct {
	points []r3.Vector
}

// New returns an empty cloud.
func New() *PointCloud {
	return &PointCloud{}
}

// FromWorldPoints copies every triangulated point into a fresh cloud.
func FromWorldPoints(world *triangulate.WorldPoints) *PointCloud {
	pc := &PointCloud{points: make([]r3.Vector, len(world.Points))}
	copy(pc.points, world.Points)
	return pc
}

// Add appends a point.
func (pc *PointCloud) Add(p r3.Vector) {
	pc.points = append(pc.points, p)
}

// AddCameraCenters appends the optical center of every posed camera so the
// rig shows up alongside the reconstruction.
func (pc *PointCloud) AddCameraCenters(cams *camera.Array) {
	for _, port := range cams.PosedPorts() {
		cam, _ := cams.Camera(port)
		pc.Add(cam.Pose.Invert().Translation())
	}
}

// Size returns the number of points in the cloud.
func (pc *PointCloud) Size() int {
	return len(pc.points)
}

// At returns the point at index i.
func (pc *PointCloud) At(i int) r3.Vector {
	return pc.points[i]
}
