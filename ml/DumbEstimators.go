package ml

import (
	torch "github.com/wangkuiyi/gotorch"
)

// DumbDepthEstimator returns a constant single-channel depth map with the
// spatial size of its input. Its tensors live on the CPU.
type DumbDepthEstimator struct {
	Value float32
	Calls int
}

func (d *DumbDepthEstimator) Name() string      { return "dumb_depth" }
func (d *DumbDepthEstimator) Children() []Layer { return nil }

func (d *DumbDepthEstimator) Forward(image torch.Tensor) torch.Tensor {
	d.Calls++
	shape := image.Shape()
	return torch.Full([]int64{shape[0], 1, shape[2], shape[3]}, d.Value, false)
}

// DumbPoseEstimator returns the same (N,3) rotation and translation for
// every pair.
type DumbPoseEstimator struct {
	Rotation    float32
	Translation float32
	Calls       int
}

func (p *DumbPoseEstimator) Name() string      { return "dumb_pose" }
func (p *DumbPoseEstimator) Children() []Layer { return nil }

func (p *DumbPoseEstimator) Forward(image, reference torch.Tensor) (torch.Tensor, torch.Tensor) {
	p.Calls++
	n := image.Shape()[0]
	return torch.Full([]int64{n, 3}, p.Rotation, false), torch.Full([]int64{n, 3}, p.Translation, false)
}

// DumbTerm is one constant term of a DumbCriterion.
type DumbTerm struct {
	Name  string
	Value float32
}

// DumbCriterion returns its terms unchanged and remembers its last inputs.
type DumbCriterion struct {
	Terms []DumbTerm

	LastImages []torch.Tensor
	LastDepths []torch.Tensor
	LastPoses  []Pose
}

func (c *DumbCriterion) Compute(images, depths []torch.Tensor, poses []Pose) (*Losses, error) {
	c.LastImages, c.LastDepths, c.LastPoses = images, depths, poses
	losses := NewLosses()
	for _, term := range c.Terms {
		losses.Set(term.Name, torch.Full([]int64{}, term.Value, false))
	}
	return losses, nil
}
