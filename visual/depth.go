// Package visual renders validation results as image grids.
package visual

import (
	"image"

	"depthpose/ml"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

// DepthVisualizer draws each view next to its estimated depth, one row per
// view. Depth is shown as inverse depth so that near surfaces are warm.
type DepthVisualizer struct {
	batchIndex int
}

var _ ml.ResultVisualizer = (*DepthVisualizer)(nil)

func NewDepthVisualizer(batchIndex int) *DepthVisualizer {
	return &DepthVisualizer{batchIndex: batchIndex}
}

func (v *DepthVisualizer) BatchIndex() int { return v.batchIndex }

// Render expects (3,H,W) images and (1,H,W) depths of equal length.
func (v *DepthVisualizer) Render(images, depths []torch.Tensor) (fig ml.Figure, err error) {
	if len(images) == 0 || len(images) != len(depths) {
		return nil, errors.Errorf("cannot render %d images with %d depths", len(images), len(depths))
	}

	var rows []gocv.Mat
	defer func() {
		for i := range rows {
			err = multierr.Append(err, rows[i].Close())
		}
		if err != nil && fig != nil {
			fig.Close()
			fig = nil
		}
	}()
	for i := range images {
		row, err := renderRow(images[i], depths[i])
		if err != nil {
			return nil, errors.Wrapf(err, "view %d", i)
		}
		rows = append(rows, row)
	}

	grid := rows[0].Clone()
	for _, row := range rows[1:] {
		next := gocv.NewMat()
		gocv.Vconcat(grid, row, &next)
		grid.Close()
		grid = next
	}
	return &Figure{mat: grid}, nil
}

func renderRow(img, depth torch.Tensor) (gocv.Mat, error) {
	rgb, err := imageMat(img)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer rgb.Close()
	colored, err := depthMat(depth)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer colored.Close()

	if rgb.Rows() != colored.Rows() {
		return gocv.Mat{}, errors.Errorf("image height %d differs from depth height %d", rgb.Rows(), colored.Rows())
	}
	row := gocv.NewMat()
	gocv.Hconcat(rgb, colored, &row)
	return row, nil
}

// imageMat stretches a (3,H,W) tensor to a BGR 8-bit image.
func imageMat(t torch.Tensor) (gocv.Mat, error) {
	shape := t.Shape()
	if len(shape) != 3 || shape[0] != 3 {
		return gocv.Mat{}, errors.Errorf("image shape %v, want (3,H,W)", shape)
	}
	pixels := stretch(ml.Values(t))
	h, w := int(shape[1]), int(shape[2])
	plane := h * w

	interleaved := make([]byte, 3*plane)
	for p := 0; p < plane; p++ {
		// tensors are RGB, OpenCV wants BGR
		interleaved[3*p] = pixels[2*plane+p]
		interleaved[3*p+1] = pixels[plane+p]
		interleaved[3*p+2] = pixels[p]
	}
	return matFromBytes(h, w, gocv.MatTypeCV8UC3, interleaved)
}

// depthMat colour-maps a (1,H,W) depth tensor.
func depthMat(t torch.Tensor) (gocv.Mat, error) {
	shape := t.Shape()
	if len(shape) != 3 || shape[0] != 1 {
		return gocv.Mat{}, errors.Errorf("depth shape %v, want (1,H,W)", shape)
	}
	values := ml.Values(t)
	for i, d := range values {
		if d > 0 {
			values[i] = 1 / d
		}
	}
	gray, err := matFromBytes(int(shape[1]), int(shape[2]), gocv.MatTypeCV8UC1, stretch(values))
	if err != nil {
		return gocv.Mat{}, err
	}
	defer gray.Close()

	colored := gocv.NewMat()
	gocv.ApplyColorMap(gray, &colored, gocv.ColormapJet)
	return colored, nil
}

// stretch maps values linearly onto 0..255. A constant input maps to 0.
func stretch(values []float64) []byte {
	lo, hi := values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	out := make([]byte, len(values))
	if hi == lo {
		return out
	}
	scale := 255 / (hi - lo)
	for i, v := range values {
		out[i] = byte((v-lo)*scale + 0.5)
	}
	return out
}

// matFromBytes returns a Mat owning a copy of data.
func matFromBytes(rows, cols int, mt gocv.MatType, data []byte) (gocv.Mat, error) {
	view, err := gocv.NewMatFromBytes(rows, cols, mt, data)
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "wrap pixels")
	}
	defer view.Close()
	return view.Clone(), nil
}

// SaveDepth writes a colour-mapped (1,H,W) depth tensor to path.
func SaveDepth(path string, depth torch.Tensor) error {
	colored, err := depthMat(depth)
	if err != nil {
		return err
	}
	defer colored.Close()
	if !gocv.IMWrite(path, colored) {
		return errors.Errorf("cannot write depth to %s", path)
	}
	return nil
}

// Figure is a rendered BGR image grid.
type Figure struct {
	mat gocv.Mat
}

var _ ml.Figure = (*Figure)(nil)

func (f *Figure) Size() image.Point {
	return image.Pt(f.mat.Cols(), f.mat.Rows())
}

// Save writes the grid; the format follows the file extension.
func (f *Figure) Save(path string) error {
	if !gocv.IMWrite(path, f.mat) {
		return errors.Errorf("cannot write figure to %s", path)
	}
	return nil
}

func (f *Figure) Close() error {
	return f.mat.Close()
}
