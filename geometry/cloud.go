package geometry

import (
	"bufio"
	"fmt"
	"io"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Backproject lifts a row-major depth map of the given width through the
// 3x3 camera matrix k. Non-positive depths are skipped.
func Backproject(depth []float64, width int, k mat.Matrix) ([]r3.Vector, error) {
	if width <= 0 || len(depth)%width != 0 {
		return nil, errors.Errorf("depth of %d values is not a multiple of width %d", len(depth), width)
	}
	fx, fy := k.At(0, 0), k.At(1, 1)
	cx, cy := k.At(0, 2), k.At(1, 2)
	if fx == 0 || fy == 0 {
		return nil, errors.New("camera matrix has a zero focal length")
	}

	points := make([]r3.Vector, 0, len(depth))
	for i, d := range depth {
		if d <= 0 {
			continue
		}
		u, v := float64(i%width), float64(i/width)
		points = append(points, r3.Vector{X: (u - cx) * d / fx, Y: (v - cy) * d / fy, Z: d})
	}
	return points, nil
}

// WritePLY writes points as an ASCII PLY vertex list.
func WritePLY(w io.Writer, points []r3.Vector) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat ascii 1.0\nelement vertex %d\n", len(points))
	fmt.Fprint(bw, "property float x\nproperty float y\nproperty float z\nend_header\n")
	for _, p := range points {
		fmt.Fprintf(bw, "%g %g %g\n", p.X, p.Y, p.Z)
	}
	return errors.Wrap(bw.Flush(), "write ply")
}
