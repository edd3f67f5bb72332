package camera

import (
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/mprib/caliscope-sub002/spatialmath"
)

// A Camera pairs one port of the capture array with its projection model. The
// pose maps world coordinates into the camera frame and stays nil until an
// estimation stage fills it in.
type Camera struct {
	Port       int
	Intrinsics *Intrinsics
	Distortion Distorter
	Pose       *spatialmath.Pose
	Ignore     bool
}

// Posed reports whether the camera has a pose estimate.
func (c *Camera) Posed() bool {
	return c.Pose != nil
}

// CheckValid checks that the camera has a usable port and projection model.
func (c *Camera) CheckValid() error {
	if c == nil {
		return errors.New("camera cannot be nil")
	}
	if c.Port < 0 {
		return errors.Errorf("invalid port %d, must be non-negative", c.Port)
	}
	var err error
	if intrinsicsErr := c.Intrinsics.CheckValid(); intrinsicsErr != nil {
		err = multierr.Combine(err, errors.Wrapf(intrinsicsErr, "port %d", c.Port))
	}
	if c.Distortion != nil {
		if distortionErr := c.Distortion.CheckValid(); distortionErr != nil {
			err = multierr.Combine(err, errors.Wrapf(distortionErr, "port %d", c.Port))
		}
	}
	return err
}

// Undistort converts an observed pixel into undistorted coordinates on the
// ideal image plane.
func (c *Camera) Undistort(pt r2.Point) r2.Point {
	x, y := c.Intrinsics.PixelToIdeal(pt.X, pt.Y)
	if c.Distortion != nil {
		x, y = c.Distortion.Undistort(x, y)
	}
	return r2.Point{X: x, Y: y}
}

// Distort converts an ideal image plane coordinate back into the pixel the
// lens would produce.
func (c *Camera) Distort(pt r2.Point) r2.Point {
	x, y := pt.X, pt.Y
	if c.Distortion != nil {
		x, y = c.Distortion.Transform(x, y)
	}
	x, y = c.Intrinsics.IdealToPixel(x, y)
	return r2.Point{X: x, Y: y}
}

// ProjectToPixel projects a world point through the camera's pose, distortion
// model, and intrinsics. The second return is false when the camera has no
// pose or the point sits on or behind the camera plane.
func (c *Camera) ProjectToPixel(pt r3.Vector) (r2.Point, bool) {
	if c.Pose == nil {
		return r2.Point{}, false
	}
	inCamera := c.Pose.Transform(pt)
	if inCamera.Z <= 0 {
		return r2.Point{}, false
	}
	return c.Distort(r2.Point{X: inCamera.X / inCamera.Z, Y: inCamera.Y / inCamera.Z}), true
}

// Array is the set of cameras in a capture session, keyed by port.
type Array struct {
	Cameras map[int]*Camera
}

// NewArray returns an empty camera array.
func NewArray() *Array {
	return &Array{Cameras: map[int]*Camera{}}
}

// Add inserts the camera, replacing any previous camera on the same port.
func (a *Array) Add(c *Camera) {
	a.Cameras[c.Port] = c
}

// Camera looks up the camera on the given port.
func (a *Array) Camera(port int) (*Camera, bool) {
	c, ok := a.Cameras[port]
	return c, ok
}

// Ports returns every port in the array in ascending order.
func (a *Array) Ports() []int {
	ports := make([]int, 0, len(a.Cameras))
	for port := range a.Cameras {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// PosedPorts returns the ports of posed, non-ignored cameras in ascending order.
func (a *Array) PosedPorts() []int {
	ports := make([]int, 0, len(a.Cameras))
	for port, cam := range a.Cameras {
		if cam.Posed() && !cam.Ignore {
			ports = append(ports, port)
		}
	}
	sort.Ints(ports)
	return ports
}

// PosedPortToIndex enumerates the posed, non-ignored ports in ascending order.
// The mapping is rebuilt on every call so it always reflects the current poses.
func (a *Array) PosedPortToIndex() map[int]int {
	index := map[int]int{}
	for i, port := range a.PosedPorts() {
		index[port] = i
	}
	return index
}

// Clone returns a copy of the array. The camera structs are copied so poses
// can be replaced without touching the original; intrinsics and distortion
// models are shared since nothing mutates them in place.
func (a *Array) Clone() *Array {
	out := NewArray()
	for port, cam := range a.Cameras {
		copied := *cam
		out.Cameras[port] = &copied
	}
	return out
}

// CheckValid returns an error if the array is empty or any camera is invalid.
func (a *Array) CheckValid() error {
	if a == nil || len(a.Cameras) == 0 {
		return errors.New("camera array has no cameras")
	}
	var err error
	for _, port := range a.Ports() {
		err = multierr.Combine(err, a.Cameras[port].CheckValid())
	}
	return err
}
