package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// PCDType is the format of the data section of a PCD file.
type PCDType int

const (
	// PCDAscii writes one whitespace-separated point per line.
	PCDAscii PCDType = 0
	// PCDBinary writes packed little-endian float32 triples.
	PCDBinary PCDType = 1
)

// ToPCD writes the cloud to out in PCD format.
func ToPCD(cloud *PointCloud, out io.Writer, outputType PCDType) error {
	var err error

	_, err = fmt.Fprintf(out, "VERSION .7\n")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "FIELDS x y z\n"+
		"SIZE 4 4 4\n"+
		"TYPE F F F\n"+
		"COUNT 1 1 1\n")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n",
		cloud.Size(),
		1,
		cloud.Size())
	if err != nil {
		return err
	}

	switch outputType {
	case PCDAscii:
		_, err = fmt.Fprintf(out, "DATA ascii\n")
	case PCDBinary:
		_, err = fmt.Fprintf(out, "DATA binary\n")
	default:
		return errors.Errorf("unsupported pcd data type %d", outputType)
	}
	if err != nil {
		return err
	}
	return writePCDData(cloud, out, outputType)
}

func writePCDData(cloud *PointCloud, out io.Writer, outputType PCDType) error {
	for _, p := range cloud.points {
		var err error
		switch outputType {
		case PCDBinary:
			buf := make([]byte, 12)
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(p.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(p.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(p.Z)))
			_, err = out.Write(buf)
		case PCDAscii:
			_, err = fmt.Fprintf(out, "%f %f %f\n", p.X, p.Y, p.Z)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// WritePCDFile writes the cloud to path, creating or truncating the file.
func (pc *PointCloud) WritePCDFile(pcdPath string, outputType PCDType) error {
	//nolint:gosec
	f, err := os.Create(pcdPath)
	if err != nil {
		return errors.Wrap(err, "error creating PCD file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return ToPCD(pc, f, outputType)
}

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

type pcdHeader struct {
	width  int
	height int
	points int
	data   PCDType
}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	var err error
	switch name {
	case "VERSION":
		if value != ".7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		if value != "x y z" {
			return errors.Errorf("unsupported pcd fields %q", value)
		}
	case "SIZE":
		if value != "4 4 4" {
			return errors.Errorf("unsupported pcd sizes %q", value)
		}
	case "TYPE":
		if value != "F F F" {
			return errors.Errorf("unsupported pcd types %q", value)
		}
	case "COUNT":
		if value != "1 1 1" {
			return errors.Errorf("unsupported pcd counts %q", value)
		}
	case "WIDTH":
		header.width, err = strconv.Atoi(value)
		if err != nil {
			return errors.Errorf("invalid WIDTH field %q", value)
		}
	case "HEIGHT":
		header.height, err = strconv.Atoi(value)
		if err != nil {
			return errors.Errorf("invalid HEIGHT field %q", value)
		}
	case "VIEWPOINT":
		if len(strings.Fields(value)) != 7 {
			return errors.Errorf("expected 7 values in VIEWPOINT line, got %q", value)
		}
	case "POINTS":
		header.points, err = strconv.Atoi(value)
		if err != nil {
			return errors.Errorf("invalid POINTS field %q", value)
		}
		if header.points != header.width*header.height {
			return errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", header.points, header.width*header.height)
		}
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		default:
			return errors.Errorf("unsupported pcd data type %q", value)
		}
	}
	return nil
}

// ReadPCD parses a stream written by ToPCD. Only unorganized x/y/z float
// clouds are understood.
func ReadPCD(inRaw io.Reader) (*PointCloud, error) {
	in := bufio.NewReader(inRaw)
	header := pcdHeader{}
	for i := range pcdHeaderFields {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrap(err, "error reading pcd header")
		}
		if err := parsePCDHeaderLine(strings.TrimSpace(line), i, &header); err != nil {
			return nil, err
		}
	}

	pc := &PointCloud{points: make([]r3.Vector, 0, header.points)}
	switch header.data {
	case PCDAscii:
		for i := 0; i < header.points; i++ {
			line, err := in.ReadString('\n')
			if err != nil {
				return nil, errors.Wrapf(err, "error reading point %d", i)
			}
			tokens := strings.Fields(line)
			if len(tokens) != 3 {
				return nil, errors.Errorf("expected 3 values per point, got %q", strings.TrimSpace(line))
			}
			var vals [3]float64
			for j, token := range tokens {
				vals[j], err = strconv.ParseFloat(token, 64)
				if err != nil {
					return nil, errors.Wrapf(err, "invalid point value %q", token)
				}
			}
			pc.points = append(pc.points, r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]})
		}
	case PCDBinary:
		buf := make([]byte, 12)
		for i := 0; i < header.points; i++ {
			if _, err := io.ReadFull(in, buf); err != nil {
				return nil, errors.Wrapf(err, "error reading point %d", i)
			}
			pc.points = append(pc.points, r3.Vector{
				X: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf))),
				Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[4:]))),
				Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf[8:]))),
			})
		}
	}
	return pc, nil
}

// NewFromPCDFile reads a PCD file from disk.
func NewFromPCDFile(pcdPath string) (*PointCloud, error) {
	//nolint:gosec
	f, err := os.Open(pcdPath)
	if err != nil {
		return nil, errors.Wrap(err, "error opening PCD file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	return ReadPCD(f)
}
