package data

import (
	"image"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/vision/transforms"
	"gocv.io/x/gocv"
)

// FinalSize is the frame size the networks are trained at.
var FinalSize = image.Pt(384, 128)

// ImageNet statistics used when normalisation is enabled.
var (
	normMean = []float32{0.485, 0.456, 0.406}
	normStd  = []float32{0.229, 0.224, 0.225}
)

// LoadImage decodes an image file into a (3,H,W) RGB tensor resized to size.
func LoadImage(path string, size image.Point, normalize bool) (torch.Tensor, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return torch.Tensor{}, errors.Errorf("cannot decode %s", path)
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(img, &rgb, gocv.ColorBGRToRGB)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(rgb, &resized, size, 0, 0, gocv.InterpolationArea)

	t := transforms.ToTensor().Run(resized)
	if normalize {
		t = transforms.Normalize(normMean, normStd).Run(t)
	}
	return t, nil
}

// FrameSize reads the size of an image file as stored on disk.
func FrameSize(path string) (image.Point, error) {
	img := gocv.IMRead(path, gocv.IMReadUnchanged)
	defer img.Close()
	if img.Empty() {
		return image.Point{}, errors.Errorf("cannot decode %s", path)
	}
	return image.Pt(img.Cols(), img.Rows()), nil
}
