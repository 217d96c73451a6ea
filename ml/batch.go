package ml

import (
	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
)

// Batch keys of the four synchronised views.
const (
	LeftCurrentImage  = "left_current_image"
	LeftNextImage     = "left_next_image"
	RightCurrentImage = "right_current_image"
	RightNextImage    = "right_next_image"
)

// ViewKeys lists the batch keys in the order every consumer expects them:
// left-current, left-next, right-current, right-next.
var ViewKeys = [4]string{LeftCurrentImage, LeftNextImage, RightCurrentImage, RightNextImage}

// ErrMissingImage is returned when a batch lacks one of the four views.
var ErrMissingImage = errors.New("batch is missing an image")

// Batch maps view keys to image tensors shaped (N,3,H,W).
type Batch map[string]torch.Tensor

// Images returns the four views in ViewKeys order.
func (b Batch) Images() ([]torch.Tensor, error) {
	images := make([]torch.Tensor, 0, len(ViewKeys))
	for _, key := range ViewKeys {
		image, ok := b[key]
		if !ok {
			return nil, errors.Wrap(ErrMissingImage, key)
		}
		images = append(images, image)
	}
	return images, nil
}

// Size is the number of examples in the batch.
func (b Batch) Size() int {
	image, ok := b[LeftCurrentImage]
	if !ok {
		return 0
	}
	return int(image.Shape()[0])
}

// To moves every view to device.
func (b Batch) To(device torch.Device) Batch {
	moved := make(Batch, len(b))
	for key, image := range b {
		moved[key] = image.To(device, image.Dtype())
	}
	return moved
}

// firstExample selects example 0 of t, which lives on device, keeping the
// leading batch dimension.
func firstExample(t torch.Tensor, device torch.Device) torch.Tensor {
	idx := torch.Full([]int64{1}, 0, false).CastTo(torch.Long).To(device, torch.Long)
	return t.IndexSelect(0, idx)
}
