package camera

import (
	"encoding/json"
	"io"
	"os"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/mprib/caliscope-sub002/spatialmath"
)

// cameraConfig is the JSON shape of one camera in a persisted array. The pose
// is stored as a rotation vector plus translation and may be absent.
type cameraConfig struct {
	Port                 int            `json:"port"`
	Intrinsics           *Intrinsics    `json:"intrinsic_parameters"`
	DistortionModel      DistortionType `json:"distortion_model,omitempty"`
	DistortionParameters []float64      `json:"distortion_parameters,omitempty"`
	Rotation             []float64      `json:"rotation,omitempty"`
	Translation          []float64      `json:"translation,omitempty"`
	Ignore               bool           `json:"ignore,omitempty"`
}

type arrayConfig struct {
	Cameras []cameraConfig `json:"cameras"`
}

// NewArrayFromJSONFile takes in a file path to a JSON and turns it into a
// camera Array. Cameras without a stored pose load as unposed.
func NewArrayFromJSONFile(jsonPath string) (*Array, error) {
	//nolint:gosec
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening JSON file")
	}
	defer utils.UncheckedErrorFunc(jsonFile.Close)
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return nil, errors.Wrap(err, "error reading JSON data")
	}
	cfg := &arrayConfig{}
	if err = json.Unmarshal(byteValue, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing JSON string")
	}
	array := NewArray()
	for _, c := range cfg.Cameras {
		cam := &Camera{Port: c.Port, Intrinsics: c.Intrinsics, Ignore: c.Ignore}
		if c.DistortionModel != "" {
			distortion, err := NewDistorter(c.DistortionModel, c.DistortionParameters)
			if err != nil {
				return nil, errors.Wrapf(err, "port %d", c.Port)
			}
			cam.Distortion = distortion
		}
		if c.Rotation != nil || c.Translation != nil {
			if len(c.Rotation) != 3 || len(c.Translation) != 3 {
				return nil, errors.Errorf("port %d pose needs 3 rotation and 3 translation values", c.Port)
			}
			cam.Pose = spatialmath.NewPoseFromRotationVector(
				r3.Vector{X: c.Rotation[0], Y: c.Rotation[1], Z: c.Rotation[2]},
				r3.Vector{X: c.Translation[0], Y: c.Translation[1], Z: c.Translation[2]},
			)
		}
		array.Add(cam)
	}
	if err := array.CheckValid(); err != nil {
		return nil, err
	}
	return array, nil
}

// WriteJSONFile writes the array to the given path in the same shape that
// NewArrayFromJSONFile reads.
func (a *Array) WriteJSONFile(jsonPath string) error {
	cfg := arrayConfig{}
	for _, port := range a.Ports() {
		cam := a.Cameras[port]
		c := cameraConfig{Port: port, Intrinsics: cam.Intrinsics, Ignore: cam.Ignore}
		if cam.Distortion != nil {
			c.DistortionModel = cam.Distortion.ModelType()
			c.DistortionParameters = cam.Distortion.Parameters()
		}
		if cam.Pose != nil {
			rv := cam.Pose.RotationVector()
			t := cam.Pose.Translation()
			c.Rotation = []float64{rv.X, rv.Y, rv.Z}
			c.Translation = []float64{t.X, t.Y, t.Z}
		}
		cfg.Cameras = append(cfg.Cameras, c)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(jsonPath, data, 0o644)
}
