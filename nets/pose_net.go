package nets

import (
	"depthpose/ml"

	torch "github.com/wangkuiyi/gotorch"
	F "github.com/wangkuiyi/gotorch/nn/functional"
)

const poseFeatures = 32

// PoseNet estimates camera motion from a shared encoding of the image and
// the reference. Rotation is three Euler angles in radians, translation a
// 3-vector; both are (N,3).
type PoseNet struct {
	Conv1       *ml.Conv2d
	Conv2       *ml.Conv2d
	Rotation    *ml.Linear
	Translation *ml.Linear
}

var _ ml.PoseEstimator = (*PoseNet)(nil)

func NewPoseNet(device torch.Device) *PoseNet {
	net := &PoseNet{
		Conv1:       ml.NewConv2d("conv1", 3, 16, 3, 2, 1, true),
		Conv2:       ml.NewConv2d("conv2", 16, poseFeatures, 3, 2, 1, true),
		Rotation:    ml.NewLinear("rotation", poseFeatures, 3, true),
		Translation: ml.NewLinear("translation", poseFeatures, 3, true),
	}
	net.Conv1.To(device)
	net.Conv2.To(device)
	net.Rotation.To(device)
	net.Translation.To(device)
	return net
}

func (n *PoseNet) Name() string { return "pose_net" }

func (n *PoseNet) Children() []ml.Layer {
	encoder := &ml.Group{Label: "encoder", Nodes: []ml.Layer{n.Conv1, n.Conv2}}
	return []ml.Layer{encoder, n.Rotation, n.Translation}
}

func (n *PoseNet) encode(x torch.Tensor) torch.Tensor {
	x = n.Conv1.Forward(x).Tanh()
	x = n.Conv2.Forward(x).Tanh()
	x = F.AdaptiveAvgPool2d(x, []int64{1, 1})
	return x.View(-1, poseFeatures)
}

// Forward is not symmetric in its arguments.
func (n *PoseNet) Forward(image, reference torch.Tensor) (torch.Tensor, torch.Tensor) {
	motion := torch.Sub(n.encode(image), n.encode(reference), 1)
	return n.Rotation.Forward(motion), n.Translation.Forward(motion)
}
