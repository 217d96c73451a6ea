package data

import (
	"bufio"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Calibration holds the rectified projection matrices of the left (02) and
// right (03) colour cameras of a KITTI drive.
type Calibration struct {
	Left  *mat.Dense
	Right *mat.Dense
}

// LoadCalibration reads calib_cam_to_cam.txt.
func LoadCalibration(path string) (*Calibration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open calibration")
	}
	defer f.Close()

	entries := make(map[string][]float64)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if !strings.HasPrefix(key, "P_rect_") {
			continue
		}
		fields := strings.Fields(parts[1])
		values := make([]float64, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "line %d: %s", lineNo, key)
			}
			values[i] = v
		}
		entries[key] = values
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read calibration")
	}

	left, err := projection(entries, "P_rect_02")
	if err != nil {
		return nil, err
	}
	right, err := projection(entries, "P_rect_03")
	if err != nil {
		return nil, err
	}
	return &Calibration{Left: left, Right: right}, nil
}

func projection(entries map[string][]float64, key string) (*mat.Dense, error) {
	values, ok := entries[key]
	if !ok {
		return nil, errors.Errorf("calibration has no %s", key)
	}
	if len(values) != 12 {
		return nil, errors.Errorf("%s has %d values, want 12", key, len(values))
	}
	return mat.NewDense(3, 4, values), nil
}

// Focal is the horizontal focal length of the left camera in pixels.
func (c *Calibration) Focal() float64 {
	return c.Left.At(0, 0)
}

// Baseline is the distance between the camera centres in metres.
func (c *Calibration) Baseline() float64 {
	return math.Abs(c.Left.At(0, 3)-c.Right.At(0, 3)) / c.Focal()
}

// Intrinsics returns the 3x3 camera matrix of the left camera.
func (c *Calibration) Intrinsics() *mat.Dense {
	k := mat.NewDense(3, 3, nil)
	k.Copy(c.Left.Slice(0, 3, 0, 3))
	return k
}

// Scale adapts the projections to frames resized by sx horizontally and sy
// vertically.
func (c *Calibration) Scale(sx, sy float64) *Calibration {
	s := mat.NewDiagDense(3, []float64{sx, sy, 1})
	left, right := mat.NewDense(3, 4, nil), mat.NewDense(3, 4, nil)
	left.Mul(s, c.Left)
	right.Mul(s, c.Right)
	return &Calibration{Left: left, Right: right}
}
