package spatialmath

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// ErrDegenerateRotation is returned when a quaternion average collapses below
// numerical precision and no meaningful mean rotation exists.
var ErrDegenerateRotation = errors.New("quaternion average is numerically degenerate")

// Norm returns the norm of the imaginary part of a quaternion.
func Norm(q quat.Number) float64 {
	return math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
}

// Flip multiplies a quaternion by -1, giving the same orientation in the
// opposing octant.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// MeanQuaternion averages unit quaternions as the eigenvector of largest
// eigenvalue of their outer-product matrix M = Σ qᵢqᵢᵀ. Each sample is
// sign-fixed so its scalar part is non-negative before accumulation, since q
// and -q describe the same rotation and would otherwise cancel.
func MeanQuaternion(qs []quat.Number) (quat.Number, error) {
	if len(qs) == 0 {
		return quat.Number{}, errors.New("no quaternions to average")
	}
	m := mat.NewSymDense(4, nil)
	for _, q := range qs {
		if q.Real < 0 {
			q = Flip(q)
		}
		v := [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag}
		for i := 0; i < 4; i++ {
			for j := i; j < 4; j++ {
				m.SetSym(i, j, m.At(i, j)+v[i]*v[j])
			}
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(m, true); !ok {
		return quat.Number{}, ErrDegenerateRotation
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	// EigenSym orders eigenvalues ascending, so the principal eigenvector is
	// the last column.
	v := mat.Col(nil, 3, &vecs)
	q := quat.Number{Real: v[0], Imag: v[1], Jmag: v[2], Kmag: v[3]}
	n := quat.Abs(q)
	if n < 1e-10 {
		return quat.Number{}, ErrDegenerateRotation
	}
	q = quat.Scale(1/n, q)
	if q.Real < 0 {
		q = Flip(q)
	}
	return q, nil
}
