package spatialmath

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// RigidAlign computes the least-squares rotation and translation mapping src
// onto dst (the Kabsch solution). The returned pose satisfies
// dst[i] ≈ pose.Transform(src[i]).
func RigidAlign(src, dst []r3.Vector) (*Pose, error) {
	pose, _, err := umeyama(src, dst, false)
	return pose, err
}

// SimilarityAlign additionally solves for a global scale (the Umeyama
// extension): dst[i] ≈ scale·R·src[i] + t. The scale is returned alongside the
// pose, whose rotation and translation are the fitted R and t.
func SimilarityAlign(src, dst []r3.Vector) (*Pose, float64, error) {
	return umeyama(src, dst, true)
}

func umeyama(src, dst []r3.Vector, withScale bool) (*Pose, float64, error) {
	if len(src) != len(dst) {
		return nil, 0, errors.Errorf("point sets differ in size: %d vs %d", len(src), len(dst))
	}
	if len(src) < 3 {
		return nil, 0, errors.Errorf("need at least 3 point pairs to align, got %d", len(src))
	}

	var srcMean, dstMean r3.Vector
	for i := range src {
		srcMean = srcMean.Add(src[i])
		dstMean = dstMean.Add(dst[i])
	}
	n := float64(len(src))
	srcMean = srcMean.Mul(1 / n)
	dstMean = dstMean.Mul(1 / n)

	// Cross-covariance C = Σ (src-centered)(dst-centered)ᵀ and the source
	// variance used for the scale estimate.
	c := mat.NewDense(3, 3, nil)
	srcVar := 0.0
	for i := range src {
		a := src[i].Sub(srcMean)
		b := dst[i].Sub(dstMean)
		av := [3]float64{a.X, a.Y, a.Z}
		bv := [3]float64{b.X, b.Y, b.Z}
		for r := 0; r < 3; r++ {
			for col := 0; col < 3; col++ {
				c.Set(r, col, c.At(r, col)+av[r]*bv[col])
			}
		}
		srcVar += a.Norm2()
	}
	if srcVar < 1e-18 {
		return nil, 0, errors.New("source points are coincident, alignment is degenerate")
	}

	var svd mat.SVD
	if ok := svd.Factorize(c, mat.SVDFull); !ok {
		return nil, 0, errors.New("svd failed on alignment covariance")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	sigma := svd.Values(nil)

	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1.0
	}
	dm := eye(3)
	dm.Set(2, 2, d)
	r := mat.NewDense(3, 3, nil)
	var vd mat.Dense
	vd.Mul(&v, dm)
	r.Mul(&vd, u.T())

	scale := 1.0
	if withScale {
		scale = (sigma[0] + sigma[1] + d*sigma[2]) / srcVar
	}

	rot := NewPose(r, r3.Vector{})
	t := dstMean.Sub(rot.RotateOnly(srcMean).Mul(scale))
	return NewPose(r, t), scale, nil
}
