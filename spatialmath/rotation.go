package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// Axis selects one of the three coordinate axes.
type Axis int

// The three coordinate axes.
const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

// MatrixFromRotationVector converts a Rodrigues rotation vector to a 3x3
// rotation matrix via the Rodrigues formula R = I + sinθ·K + (1-cosθ)·K²,
// where K is the skew-symmetric matrix of the unit axis.
func MatrixFromRotationVector(rv r3.Vector) *mat.Dense {
	theta := rv.Norm()
	if theta < 1e-12 {
		// First-order expansion keeps the conversion continuous at zero.
		m := eye(3)
		m.Add(m, skew(rv))
		return m
	}
	k := skew(rv.Mul(1 / theta))
	var k2 mat.Dense
	k2.Mul(k, k)
	var sk, ck mat.Dense
	sk.Scale(math.Sin(theta), k)
	ck.Scale(1-math.Cos(theta), &k2)
	r := eye(3)
	r.Add(r, &sk)
	r.Add(r, &ck)
	return r
}

// RotationVectorJacobian returns the 3x3 derivative, with respect to the
// rotation vector rv, of rotating the fixed point v by rv. Column i holds
// d(R(rv)·v)/d(rv_i). See Gallego and Yezzi, "A compact formula for the
// derivative of a 3-D rotation in exponential coordinates" (2015).
func RotationVectorJacobian(rv, v r3.Vector) *mat.Dense {
	theta2 := rv.Norm2()
	if theta2 < 1e-16 {
		// At the identity the derivative reduces to -skew(v).
		m := skew(v)
		m.Scale(-1, m)
		return m
	}
	r := MatrixFromRotationVector(rv)
	y := mulVec(r, v)
	axisY := rv.Cross(y)
	a := [3]float64{rv.X, rv.Y, rv.Z}
	jac := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		// (I - R) applied to the i-th basis vector
		u := r3.Vector{X: -r.At(0, i), Y: -r.At(1, i), Z: -r.At(2, i)}
		switch i {
		case 0:
			u.X++
		case 1:
			u.Y++
		case 2:
			u.Z++
		}
		col := axisY.Mul(a[i]).Add(rv.Cross(u).Cross(y)).Mul(1 / theta2)
		jac.Set(0, i, col.X)
		jac.Set(1, i, col.Y)
		jac.Set(2, i, col.Z)
	}
	return jac
}

func mulVec(m *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// RotationVectorFromMatrix converts a rotation matrix to its Rodrigues vector
// by way of the quaternion representation.
func RotationVectorFromMatrix(m *mat.Dense) r3.Vector {
	return RotationVectorFromQuat(QuatFromMatrix(m))
}

// RotationVectorFromQuat converts a unit quaternion to an R3 rotation vector
// in the same way the C++ Eigen library does.
// https://eigen.tuxfamily.org/dox/AngleAxis_8h_source.html
func RotationVectorFromQuat(q quat.Number) r3.Vector {
	denom := Norm(q)

	angle := 2 * math.Atan2(denom, math.Abs(q.Real))
	if q.Real < 0 {
		angle *= -1
	}

	if denom < 1e-12 {
		return r3.Vector{}
	}
	return r3.Vector{X: angle * q.Imag / denom, Y: angle * q.Jmag / denom, Z: angle * q.Kmag / denom}
}

// QuatFromRotationVector converts an R3 rotation vector to a unit quaternion.
func QuatFromRotationVector(rv r3.Vector) quat.Number {
	theta := rv.Norm()
	if theta < 1e-12 {
		// Half-vector expansion of sin(θ/2)·axis near zero.
		return quat.Number{Real: 1, Imag: rv.X / 2, Jmag: rv.Y / 2, Kmag: rv.Z / 2}
	}
	axis := rv.Mul(1 / theta)
	sinA := math.Sin(theta / 2)
	return quat.Number{
		Real: math.Cos(theta / 2),
		Imag: axis.X * sinA,
		Jmag: axis.Y * sinA,
		Kmag: axis.Z * sinA,
	}
}

// QuatFromMatrix converts an orthonormal rotation matrix to a unit quaternion,
// branching on the largest diagonal term for numerical stability.
func QuatFromMatrix(m *mat.Dense) quat.Number {
	tr := m.At(0, 0) + m.At(1, 1) + m.At(2, 2)
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1.0) * 2
		return quat.Number{
			Real: 0.25 * s,
			Imag: (m.At(2, 1) - m.At(1, 2)) / s,
			Jmag: (m.At(0, 2) - m.At(2, 0)) / s,
			Kmag: (m.At(1, 0) - m.At(0, 1)) / s,
		}
	case m.At(0, 0) > m.At(1, 1) && m.At(0, 0) > m.At(2, 2):
		s := math.Sqrt(1.0+m.At(0, 0)-m.At(1, 1)-m.At(2, 2)) * 2
		return quat.Number{
			Real: (m.At(2, 1) - m.At(1, 2)) / s,
			Imag: 0.25 * s,
			Jmag: (m.At(0, 1) + m.At(1, 0)) / s,
			Kmag: (m.At(0, 2) + m.At(2, 0)) / s,
		}
	case m.At(1, 1) > m.At(2, 2):
		s := math.Sqrt(1.0+m.At(1, 1)-m.At(0, 0)-m.At(2, 2)) * 2
		return quat.Number{
			Real: (m.At(0, 2) - m.At(2, 0)) / s,
			Imag: (m.At(0, 1) + m.At(1, 0)) / s,
			Jmag: 0.25 * s,
			Kmag: (m.At(1, 2) + m.At(2, 1)) / s,
		}
	default:
		s := math.Sqrt(1.0+m.At(2, 2)-m.At(0, 0)-m.At(1, 1)) * 2
		return quat.Number{
			Real: (m.At(1, 0) - m.At(0, 1)) / s,
			Imag: (m.At(0, 2) + m.At(2, 0)) / s,
			Jmag: (m.At(1, 2) + m.At(2, 1)) / s,
			Kmag: 0.25 * s,
		}
	}
}

// MatrixFromQuat converts a quaternion to a 3x3 rotation matrix. The input is
// normalized first, so non-unit quaternions are accepted.
func MatrixFromQuat(q quat.Number) *mat.Dense {
	if a := quat.Abs(q); a > 0 {
		q = quat.Scale(1/a, q)
	}
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// AngleBetween returns the angle in radians of the rotation taking quaternion
// a to quaternion b.
func AngleBetween(a, b quat.Number) float64 {
	d := quat.Mul(quat.Conj(a), b)
	return math.Abs(2 * math.Atan2(Norm(d), math.Abs(d.Real)))
}

// ProjectToRotation returns the orthonormal det=+1 matrix closest to m in the
// Frobenius sense, computed from the SVD of m with the smallest singular axis
// flipped when needed to stay in SO(3).
func ProjectToRotation(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.New("svd failed on rotation candidate")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r := mat.NewDense(3, 3, nil)
	r.Mul(&u, v.T())
	if mat.Det(r) < 0 {
		d := eye(3)
		d.Set(2, 2, -1)
		var ud mat.Dense
		ud.Mul(&u, d)
		r.Mul(&ud, v.T())
	}
	return r, nil
}

// QuarterTurnMatrix returns the exact rotation matrix for turns*90° about the
// given axis. Entries are exactly -1, 0, or +1, so four turns compose back to
// the identity with no rounding error.
func QuarterTurnMatrix(axis Axis, turns int) *mat.Dense {
	t := ((turns % 4) + 4) % 4
	cosVals := [4]float64{1, 0, -1, 0}
	sinVals := [4]float64{0, 1, 0, -1}
	c, s := cosVals[t], sinVals[t]
	switch axis {
	case AxisX:
		return mat.NewDense(3, 3, []float64{1, 0, 0, 0, c, -s, 0, s, c})
	case AxisY:
		return mat.NewDense(3, 3, []float64{c, 0, s, 0, 1, 0, -s, 0, c})
	default:
		return mat.NewDense(3, 3, []float64{c, -s, 0, s, c, 0, 0, 0, 1})
	}
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

func skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}
