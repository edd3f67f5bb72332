// Package spatialmath implements the rigid-body math shared by the calibration
// pipeline: world→camera poses, rotation representation conversions, quaternion
// averaging, and point-set alignment.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Pose is a rigid transform in the world→camera convention: a point x in world
// coordinates maps to R·x + t in camera coordinates. Operations return new
// poses and never mutate the receiver.
type Pose struct {
	rotation    *mat.Dense // 3x3 orthonormal, det +1
	translation r3.Vector
}

// NewPose returns a pose with the given rotation matrix and translation.
// The rotation matrix is copied.
func NewPose(rotation *mat.Dense, translation r3.Vector) *Pose {
	r := mat.NewDense(3, 3, nil)
	r.Copy(rotation)
	return &Pose{rotation: r, translation: translation}
}

// NewZeroPose returns the identity pose.
func NewZeroPose() *Pose {
	return &Pose{rotation: eye(3)}
}

// NewPoseFromRotationVector builds a pose from a Rodrigues rotation vector and
// a translation. This is the 6-scalar form poses are serialized and optimized
// in.
func NewPoseFromRotationVector(rv, translation r3.Vector) *Pose {
	return &Pose{rotation: MatrixFromRotationVector(rv), translation: translation}
}

// Rotation returns a copy of the 3x3 rotation matrix.
func (p *Pose) Rotation() *mat.Dense {
	r := mat.NewDense(3, 3, nil)
	r.Copy(p.rotation)
	return r
}

// Translation returns the translation component.
func (p *Pose) Translation() r3.Vector {
	return p.translation
}

// RotationVector returns the rotation as a Rodrigues vector whose direction is
// the rotation axis and whose magnitude is the rotation angle in radians.
func (p *Pose) RotationVector() r3.Vector {
	return RotationVectorFromMatrix(p.rotation)
}

// Quaternion returns the rotation as a unit quaternion.
func (p *Pose) Quaternion() quat.Number {
	return QuatFromMatrix(p.rotation)
}

// Transform maps a world point into the pose's camera frame.
func (p *Pose) Transform(pt r3.Vector) r3.Vector {
	return p.RotateOnly(pt).Add(p.translation)
}

// RotateOnly applies just the rotation component of the pose.
func (p *Pose) RotateOnly(pt r3.Vector) r3.Vector {
	r := p.rotation
	return r3.Vector{
		X: r.At(0, 0)*pt.X + r.At(0, 1)*pt.Y + r.At(0, 2)*pt.Z,
		Y: r.At(1, 0)*pt.X + r.At(1, 1)*pt.Y + r.At(1, 2)*pt.Z,
		Z: r.At(2, 0)*pt.X + r.At(2, 1)*pt.Y + r.At(2, 2)*pt.Z,
	}
}

// Invert returns the pose mapping camera coordinates back to world
// coordinates: R' = Rᵀ, t' = -Rᵀ·t.
func (p *Pose) Invert() *Pose {
	rt := mat.NewDense(3, 3, nil)
	rt.Copy(p.rotation.T())
	inv := &Pose{rotation: rt}
	inv.translation = inv.RotateOnly(p.translation).Mul(-1)
	return inv
}

// Compose returns the pose equivalent to applying b first and then a, so that
// Compose(a, b).Transform(x) == a.Transform(b.Transform(x)).
func Compose(a, b *Pose) *Pose {
	r := mat.NewDense(3, 3, nil)
	r.Mul(a.rotation, b.rotation)
	t := a.RotateOnly(b.translation).Add(a.translation)
	return &Pose{rotation: r, translation: t}
}

// ProjectionMatrix returns the 3x4 [R|t] matrix that projects homogeneous
// world points into the normalized camera plane.
func (p *Pose) ProjectionMatrix() *mat.Dense {
	m := mat.NewDense(3, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, p.rotation.At(i, j))
		}
	}
	m.Set(0, 3, p.translation.X)
	m.Set(1, 3, p.translation.Y)
	m.Set(2, 3, p.translation.Z)
	return m
}

// AlmostEqual reports whether two poses agree within tol on every rotation
// entry and translation component.
func (p *Pose) AlmostEqual(q *Pose, tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(p.rotation.At(i, j)-q.rotation.At(i, j)) > tol {
				return false
			}
		}
	}
	d := p.translation.Sub(q.translation)
	return math.Abs(d.X) <= tol && math.Abs(d.Y) <= tol && math.Abs(d.Z) <= tol
}

// OrthonormalityError returns the largest absolute deviation of RᵀR from the
// identity, a cheap health check on a pose's rotation.
func (p *Pose) OrthonormalityError() float64 {
	var rtr mat.Dense
	rtr.Mul(p.rotation.T(), p.rotation)
	worst := 0.0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if d := math.Abs(rtr.At(i, j) - want); d > worst {
				worst = d
			}
		}
	}
	return worst
}
