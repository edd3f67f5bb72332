package camera

import "github.com/pkg/errors"

// DistortionType is the name of the distortion model.
type DistortionType string

const (
	// NoneDistortionType applies no distortion to an input image.
	NoneDistortionType = DistortionType("no_distortion")
	// BrownConradyDistortionType is for simple lenses of narrow field easily modeled as a pinhole camera.
	BrownConradyDistortionType = DistortionType("brown_conrady")
	// KannalaBrandtDistortionType is for wide-angle and fisheye lenses.
	KannalaBrandtDistortionType = DistortionType("kannala_brandt")
)

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrapf(errors.New("invalid distortion_parameters"), msg)
}

// Distorter defines a lens distortion model on the ideal image plane. Transform
// applies the model to an undistorted coordinate, and Undistort inverts it.
type Distorter interface {
	ModelType() DistortionType
	CheckValid() error
	Parameters() []float64
	Transform(x, y float64) (float64, float64)
	Undistort(x, y float64) (float64, float64)
}

// NewDistorter returns a Distorter given a valid DistortionType and its parameters.
func NewDistorter(distortionType DistortionType, parameters []float64) (Distorter, error) {
	switch distortionType {
	case BrownConradyDistortionType:
		return NewBrownConrady(parameters)
	case KannalaBrandtDistortionType:
		return NewKannalaBrandt(parameters)
	case NoneDistortionType:
		return &NoDistortion{}, nil
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
}

// NoDistortion applies no distortion to the camera.
type NoDistortion struct{}

// ModelType returns the name of the model.
func (nd *NoDistortion) ModelType() DistortionType { return NoneDistortionType }

// CheckValid returns nil, it is always valid.
func (nd *NoDistortion) CheckValid() error { return nil }

// Parameters returns nil, it has no parameters.
func (nd *NoDistortion) Parameters() []float64 { return nil }

// Transform is the identity.
func (nd *NoDistortion) Transform(x, y float64) (float64, float64) { return x, y }

// Undistort is the identity.
func (nd *NoDistortion) Undistort(x, y float64) (float64, float64) { return x, y }
