// Package testutils builds deterministic synthetic capture rigs: a ring of
// cameras aimed at the origin observing a planar calibration board that moves
// through known per-frame poses. The ground truth lets tests check estimated
// poses and triangulated points against exact values.
package testutils

import (
	"math"
	"math/rand/v2"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mprib/caliscope-sub002/camera"
	"github.com/mprib/caliscope-sub002/observation"
	"github.com/mprib/caliscope-sub002/spatialmath"
)

// RigConfig describes a synthetic rig. The zero value is not usable; start
// from DefaultRigConfig.
type RigConfig struct {
	// Cameras is the number of cameras on the ring.
	Cameras int
	// Radius is the ring radius in world units. Cameras sit at this radius
	// and the same height, looking down at the origin.
	Radius float64
	// GridRows and GridCols shape the board's point grid.
	GridRows int
	GridCols int
	// GridSpacing is the distance between adjacent grid points.
	GridSpacing float64
	// Frames is the number of synchronized frames the board is observed on.
	Frames int
	// PixelNoise is the standard deviation of gaussian noise added to each
	// observed pixel coordinate. Zero gives exact projections.
	PixelNoise float64
	// Seed drives the noise generator.
	Seed uint64
}

// DefaultRigConfig is a 4-camera ring watching a 5x4 board over 20 frames
// with no noise.
func DefaultRigConfig() RigConfig {
	return RigConfig{
		Cameras:     4,
		Radius:      2,
		GridRows:    4,
		GridCols:    5,
		GridSpacing: 0.1,
		Frames:      20,
	}
}

// Rig is a generated scene: posed cameras, the board grid, per-frame board
// poses, and the observation table a tracker would have produced.
type Rig struct {
	Config     RigConfig
	Array      *camera.Array
	Table      *observation.Table
	Grid       []r2.Point
	BoardPoses []*spatialmath.Pose
}

// NewRig generates a rig from the config. Generation is deterministic for a
// given config.
func NewRig(cfg RigConfig) *Rig {
	rig := &Rig{Config: cfg}

	array := camera.NewArray()
	for port := 0; port < cfg.Cameras; port++ {
		angle := 2 * math.Pi * float64(port) / float64(cfg.Cameras)
		position := r3.Vector{
			X: cfg.Radius * math.Cos(angle),
			Y: cfg.Radius * math.Sin(angle),
			Z: cfg.Radius,
		}
		array.Add(&camera.Camera{
			Port:       port,
			Intrinsics: &camera.Intrinsics{Width: 1280, Height: 720, Fx: 900, Fy: 900, Ppx: 640, Ppy: 360},
			Pose:       LookAtPose(position, r3.Vector{}, r3.Vector{Z: 1}),
		})
	}
	rig.Array = array

	rig.Grid = boardGrid(cfg.GridRows, cfg.GridCols, cfg.GridSpacing)
	rig.BoardPoses = boardPoses(cfg.Frames)

	noise := distuv.Normal{Mu: 0, Sigma: cfg.PixelNoise, Src: rand.NewPCG(cfg.Seed, cfg.Seed+1)}
	var obs []observation.Observation
	for frameID, boardPose := range rig.BoardPoses {
		for _, port := range array.Ports() {
			cam := array.Cameras[port]
			for pointID, boardPt := range rig.Grid {
				world := boardPose.Transform(r3.Vector{X: boardPt.X, Y: boardPt.Y})
				pixel, ok := cam.ProjectToPixel(world)
				if !ok {
					continue
				}
				if cfg.PixelNoise > 0 {
					pixel.X += noise.Rand()
					pixel.Y += noise.Rand()
				}
				if pixel.X < 0 || pixel.X > float64(cam.Intrinsics.Width) ||
					pixel.Y < 0 || pixel.Y > float64(cam.Intrinsics.Height) {
					continue
				}
				object := boardPt
				obs = append(obs, observation.Observation{
					FrameID: frameID,
					Port:    port,
					PointID: pointID,
					Image:   pixel,
					Object:  &object,
				})
			}
		}
	}
	rig.Table = observation.NewTable(obs)
	return rig
}

// UnposedArray returns a copy of the rig's array with every pose cleared, the
// state a calibration run starts from.
func (r *Rig) UnposedArray() *camera.Array {
	out := r.Array.Clone()
	for _, cam := range out.Cameras {
		cam.Pose = nil
	}
	return out
}

// WorldPoint returns the ground-truth world location of one board point on
// one frame.
func (r *Rig) WorldPoint(frameID, pointID int) r3.Vector {
	pt := r.Grid[pointID]
	return r.BoardPoses[frameID].Transform(r3.Vector{X: pt.X, Y: pt.Y})
}

// RelativePose returns the ground-truth transform taking port A camera
// coordinates into port B camera coordinates.
func (r *Rig) RelativePose(portA, portB int) *spatialmath.Pose {
	a := r.Array.Cameras[portA].Pose
	b := r.Array.Cameras[portB].Pose
	return spatialmath.Compose(b, a.Invert())
}

// LookAtPose builds the world-to-camera pose of a camera at position aimed at
// target, with the camera's image y axis pointing away from up.
func LookAtPose(position, target, up r3.Vector) *spatialmath.Pose {
	z := target.Sub(position).Normalize()
	x := z.Cross(up).Normalize()
	y := z.Cross(x)
	rot := mat.NewDense(3, 3, []float64{
		x.X, x.Y, x.Z,
		y.X, y.Y, y.Z,
		z.X, z.Y, z.Z,
	})
	pose := spatialmath.NewPose(rot, r3.Vector{})
	return spatialmath.NewPose(rot, pose.RotateOnly(position).Mul(-1))
}

// boardGrid lays out rows x cols points centered on the board origin, indexed
// row-major, so point ids are stable across frames.
func boardGrid(rows, cols int, spacing float64) []r2.Point {
	pts := make([]r2.Point, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			pts = append(pts, r2.Point{
				X: (float64(c) - float64(cols-1)/2) * spacing,
				Y: (float64(r) - float64(rows-1)/2) * spacing,
			})
		}
	}
	return pts
}

// boardPoses sweeps the board through tilts and translations around the
// origin so every frame presents a distinct, non-degenerate view.
func boardPoses(frames int) []*spatialmath.Pose {
	poses := make([]*spatialmath.Pose, frames)
	for f := range poses {
		phase := 2 * math.Pi * float64(f) / float64(frames)
		rv := r3.Vector{
			X: 0.35 * math.Sin(phase),
			Y: 0.3 * math.Cos(phase+1),
			Z: 0.2 * math.Sin(2*phase+0.5),
		}
		t := r3.Vector{
			X: 0.2 * math.Cos(phase),
			Y: 0.2 * math.Sin(phase),
			Z: 0.1 * math.Sin(3*phase),
		}
		poses[f] = spatialmath.NewPoseFromRotationVector(rv, t)
	}
	return poses
}
