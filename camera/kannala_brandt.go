package camera

import (
	"math"

	"github.com/pkg/errors"
)

// KannalaBrandt applies the equidistant fisheye distortion model:
//
//	r = sqrt(x_u² + y_u²)
//	θ = atan(r)
//	θ_d = θ * (1 + k1*θ² + k2*θ⁴ + k3*θ⁶ + k4*θ⁸)
//	x_d = x_u * θ_d/r, y_d = y_u * θ_d/r
//
// where (x_u, y_u) are undistorted coordinates on the ideal image plane.
// The model handles fields of view well beyond what Brown-Conrady can express.
type KannalaBrandt struct {
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
	K3 float64 `json:"k3"`
	K4 float64 `json:"k4"`
}

// NewKannalaBrandt takes in a slice of floats that will be passed into the struct in order.
func NewKannalaBrandt(inp []float64) (*KannalaBrandt, error) {
	if len(inp) > 4 {
		return nil, errors.Errorf("list of parameters too long, expected max 4, got %d", len(inp))
	}
	if len(inp) == 0 {
		return &KannalaBrandt{}, nil
	}
	for i := len(inp); i < 4; i++ { // fill missing values with 0.0
		inp = append(inp, 0.0)
	}
	return &KannalaBrandt{inp[0], inp[1], inp[2], inp[3]}, nil
}

// CheckValid checks if the fields for KannalaBrandt have valid inputs.
func (kb *KannalaBrandt) CheckValid() error {
	if kb == nil {
		return InvalidDistortionError("KannalaBrandt shaped distortion_parameters not provided")
	}
	return nil
}

// ModelType returns the type of distortion model.
func (kb *KannalaBrandt) ModelType() DistortionType {
	return KannalaBrandtDistortionType
}

// Parameters returns the parameters of the distortion model as a list of floats.
func (kb *KannalaBrandt) Parameters() []float64 {
	if kb == nil {
		return []float64{}
	}
	return []float64{kb.K1, kb.K2, kb.K3, kb.K4}
}

// Transform distorts an undistorted ideal plane coordinate according to the model.
func (kb *KannalaBrandt) Transform(xu, yu float64) (float64, float64) {
	if kb == nil {
		return xu, yu
	}
	r := math.Sqrt(xu*xu + yu*yu)
	if r < 1e-12 {
		return xu, yu
	}
	theta := math.Atan(r)
	thetaD := kb.distortAngle(theta)
	scale := thetaD / r
	return xu * scale, yu * scale
}

// Undistort computes the undistorted coordinates corresponding to the given
// distorted point. The angle polynomial is inverted with a Newton-Raphson
// iteration starting from the distorted radius.
func (kb *KannalaBrandt) Undistort(xd, yd float64) (float64, float64) {
	if kb == nil {
		return xd, yd
	}
	thetaD := math.Sqrt(xd*xd + yd*yd)
	if thetaD < 1e-12 {
		return xd, yd
	}

	const maxIterations = 20
	const tolerance = 1e-10

	// Solve θ_d = θ * (1 + k1*θ² + k2*θ⁴ + k3*θ⁶ + k4*θ⁸) for θ
	theta := thetaD
	for i := 0; i < maxIterations; i++ {
		t2 := theta * theta
		t4 := t2 * t2
		t6 := t4 * t2
		t8 := t4 * t4
		f := kb.distortAngle(theta) - thetaD
		if math.Abs(f) < tolerance {
			break
		}
		df := 1.0 + 3.0*kb.K1*t2 + 5.0*kb.K2*t4 + 7.0*kb.K3*t6 + 9.0*kb.K4*t8
		if df == 0 {
			break
		}
		theta -= f / df
	}

	scale := math.Tan(theta) / thetaD
	return xd * scale, yd * scale
}

func (kb *KannalaBrandt) distortAngle(theta float64) float64 {
	t2 := theta * theta
	t4 := t2 * t2
	t6 := t4 * t2
	t8 := t4 * t4
	return theta * (1.0 + kb.K1*t2 + kb.K2*t4 + kb.K3*t6 + kb.K4*t8)
}
