package pnp

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/mprib/caliscope-sub002/spatialmath"
)

// EstimateHomography computes the 3x3 homography mapping src points to dst
// points with the normalized direct linear transform. Both point sets are
// translated and scaled before the solve so the system stays well
// conditioned.
func EstimateHomography(src, dst []r2.Point) (*mat.Dense, error) {
	if len(src) != len(dst) {
		return nil, errors.Errorf("point sets differ in size, %d vs %d", len(src), len(dst))
	}
	if len(src) < MinPoints {
		return nil, errors.Wrapf(ErrInsufficientPoints, "got %d, want at least %d", len(src), MinPoints)
	}

	srcNorm, tSrc, err := normalizePoints(src)
	if err != nil {
		return nil, err
	}
	dstNorm, tDst, err := normalizePoints(dst)
	if err != nil {
		return nil, err
	}

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range srcNorm {
		x, y := srcNorm[i].X, srcNorm[i].Y
		u, v := dstNorm[i].X, dstNorm[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize homography system")
	}
	var v mat.Dense
	svd.VTo(&v)
	h := mat.NewDense(3, 3, nil)
	for i := 0; i < 9; i++ {
		h.Set(i/3, i%3, v.At(i, 8))
	}

	// undo the normalization: H = T_dst⁻¹ · H_norm · T_src
	var tDstInv mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return nil, errors.Wrap(err, "normalization transform is singular")
	}
	var tmp mat.Dense
	tmp.Mul(h, tSrc)
	h.Mul(&tDstInv, &tmp)

	if math.Abs(mat.Det(h)) < 1e-12 {
		return nil, errors.New("estimated homography is singular")
	}
	return h, nil
}

// normalizePoints translates the centroid to the origin and scales the mean
// distance from it to √2, returning the normalized points and the 3x3
// transform that was applied.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense, error) {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n

	var meanDist float64
	for _, p := range pts {
		meanDist += math.Hypot(p.X-cx, p.Y-cy)
	}
	meanDist /= n
	if meanDist < 1e-12 {
		return nil, nil, errors.New("points are coincident")
	}
	s := math.Sqrt2 / meanDist

	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i] = r2.Point{X: s * (p.X - cx), Y: s * (p.Y - cy)}
	}
	t := mat.NewDense(3, 3, []float64{
		s, 0, -s * cx,
		0, s, -s * cy,
		0, 0, 1,
	})
	return out, t, nil
}

// PoseFromHomography decomposes a plane-to-image homography into the
// camera-from-object pose: with the object in its own z=0 plane, the first
// two homography columns are scaled rotation columns and the third is the
// scaled translation. The sign is fixed so the object sits in front of the
// camera, and the rotation is projected back onto SO(3).
func PoseFromHomography(h *mat.Dense) (*spatialmath.Pose, error) {
	h1 := r3.Vector{X: h.At(0, 0), Y: h.At(1, 0), Z: h.At(2, 0)}
	h2 := r3.Vector{X: h.At(0, 1), Y: h.At(1, 1), Z: h.At(2, 1)}
	h3 := r3.Vector{X: h.At(0, 2), Y: h.At(1, 2), Z: h.At(2, 2)}

	norm := h1.Norm()
	if norm < 1e-12 {
		return nil, errors.New("homography has a vanishing rotation column")
	}
	lambda := 1 / norm
	if h3.Z*lambda < 0 {
		lambda = -lambda
	}

	c1 := h1.Mul(lambda)
	c2 := h2.Mul(lambda)
	c3 := c1.Cross(c2)
	t := h3.Mul(lambda)

	raw := mat.NewDense(3, 3, []float64{
		c1.X, c2.X, c3.X,
		c1.Y, c2.Y, c3.Y,
		c1.Z, c2.Z, c3.Z,
	})
	rot, err := spatialmath.ProjectToRotation(raw)
	if err != nil {
		return nil, err
	}
	return spatialmath.NewPose(rot, t), nil
}
