package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestRotationVectorRoundTrip(t *testing.T) {
	for _, rv := range []r3.Vector{
		{X: 0.5, Y: 0, Z: 0},
		{X: 0, Y: -1.3, Z: 0},
		{X: 0.2, Y: 0.4, Z: -0.9},
		{X: 3.0, Y: 0.1, Z: 0.1},
		{X: 1e-14, Y: 0, Z: 0},
		{},
	} {
		m := MatrixFromRotationVector(rv)
		back := RotationVectorFromMatrix(m)
		test.That(t, back.X, test.ShouldAlmostEqual, rv.X, 1e-9)
		test.That(t, back.Y, test.ShouldAlmostEqual, rv.Y, 1e-9)
		test.That(t, back.Z, test.ShouldAlmostEqual, rv.Z, 1e-9)
	}
}

func TestQuatMatrixRoundTrip(t *testing.T) {
	rv := r3.Vector{X: -0.7, Y: 0.2, Z: 1.5}
	q := QuatFromRotationVector(rv)
	m := MatrixFromQuat(q)
	q2 := QuatFromMatrix(m)
	// q and -q are the same rotation; compare through the angle between them.
	test.That(t, AngleBetween(q, q2), test.ShouldAlmostEqual, 0, 1e-9)
}

func TestRotationMatrixIsOrthonormal(t *testing.T) {
	m := MatrixFromRotationVector(r3.Vector{X: 0.4, Y: -1.1, Z: 0.8})
	var mtm mat.Dense
	mtm.Mul(m.T(), m)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			test.That(t, mtm.At(i, j), test.ShouldAlmostEqual, want, 1e-12)
		}
	}
	test.That(t, mat.Det(m), test.ShouldAlmostEqual, 1, 1e-12)
}

func TestProjectToRotation(t *testing.T) {
	m := MatrixFromRotationVector(r3.Vector{X: 0.3, Y: 0.3, Z: -0.2})
	// Perturb away from orthonormality.
	noisy := mat.NewDense(3, 3, nil)
	noisy.Copy(m)
	noisy.Set(0, 1, noisy.At(0, 1)+0.01)
	noisy.Set(2, 0, noisy.At(2, 0)-0.02)

	r, err := ProjectToRotation(noisy)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.Det(r), test.ShouldAlmostEqual, 1, 1e-12)
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	test.That(t, rtr.At(0, 0), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, rtr.At(0, 1), test.ShouldAlmostEqual, 0, 1e-12)
	// Projection should stay near the unperturbed rotation.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			test.That(t, r.At(i, j), test.ShouldAlmostEqual, m.At(i, j), 0.05)
		}
	}
}

func TestQuarterTurnMatrix(t *testing.T) {
	// One turn about Z moves +X exactly onto +Y.
	p := NewPose(QuarterTurnMatrix(AxisZ, 1), r3.Vector{})
	got := p.Transform(r3.Vector{X: 1})
	test.That(t, got.X, test.ShouldEqual, 0.0)
	test.That(t, got.Y, test.ShouldEqual, 1.0)

	// Four turns about any axis are exactly the identity.
	for _, axis := range []Axis{AxisX, AxisY, AxisZ} {
		m := QuarterTurnMatrix(axis, 4)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				want := 0.0
				if i == j {
					want = 1.0
				}
				test.That(t, m.At(i, j), test.ShouldEqual, want)
			}
		}
	}

	// Negative turn counts wrap.
	m1 := QuarterTurnMatrix(AxisY, -1)
	m3 := QuarterTurnMatrix(AxisY, 3)
	test.That(t, mat.Equal(m1, m3), test.ShouldBeTrue)
}

func TestAngleBetween(t *testing.T) {
	a := QuatFromRotationVector(r3.Vector{Z: 0.2})
	b := QuatFromRotationVector(r3.Vector{Z: 0.9})
	test.That(t, AngleBetween(a, b), test.ShouldAlmostEqual, 0.7, 1e-9)
	test.That(t, AngleBetween(a, a), test.ShouldAlmostEqual, 0, 1e-12)
	// Sign of the quaternion does not change the angle.
	test.That(t, AngleBetween(Flip(a), b), test.ShouldAlmostEqual, 0.7, 1e-9)
}

func TestMatrixFromRotationVectorSmallAngle(t *testing.T) {
	m := MatrixFromRotationVector(r3.Vector{X: 1e-13})
	test.That(t, math.Abs(mat.Det(m)-1), test.ShouldBeLessThan, 1e-12)
}

func TestRotationVectorJacobian(t *testing.T) {
	vectors := []r3.Vector{
		{X: 0.4, Y: -0.2, Z: 0.9},
		{X: 0, Y: 0, Z: 0},
		{X: 1e-9, Y: 0, Z: -1e-9},
		{X: -2.1, Y: 0.3, Z: 0.5},
	}
	pt := r3.Vector{X: 0.7, Y: -1.3, Z: 2.2}
	const h = 1e-7
	for _, rv := range vectors {
		jac := RotationVectorJacobian(rv, pt)
		for i := 0; i < 3; i++ {
			bumped := rv
			switch i {
			case 0:
				bumped.X += h
			case 1:
				bumped.Y += h
			case 2:
				bumped.Z += h
			}
			plus := mulVec(MatrixFromRotationVector(bumped), pt)
			base := mulVec(MatrixFromRotationVector(rv), pt)
			diff := plus.Sub(base).Mul(1 / h)
			test.That(t, jac.At(0, i), test.ShouldAlmostEqual, diff.X, 1e-5)
			test.That(t, jac.At(1, i), test.ShouldAlmostEqual, diff.Y, 1e-5)
			test.That(t, jac.At(2, i), test.ShouldAlmostEqual, diff.Z, 1e-5)
		}
	}
}
