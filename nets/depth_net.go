package nets

import (
	"depthpose/ml"

	torch "github.com/wangkuiyi/gotorch"
)

// DepthNet is a full-resolution convolutional depth estimator. Its output is
// a (N,1,H,W) depth map bounded by MinDepth and MaxDepth.
type DepthNet struct {
	Conv1    *ml.Conv2d
	Conv2    *ml.Conv2d
	Conv3    *ml.Conv2d
	MinDepth float32
	MaxDepth float32
	device   torch.Device
}

var _ ml.DepthEstimator = (*DepthNet)(nil)

func NewDepthNet(device torch.Device) *DepthNet {
	net := &DepthNet{
		Conv1:    ml.NewConv2d("conv1", 3, 16, 3, 1, 1, true),
		Conv2:    ml.NewConv2d("conv2", 16, 16, 3, 1, 1, true),
		Conv3:    ml.NewConv2d("conv3", 16, 1, 3, 1, 1, true),
		MinDepth: 0.1,
		MaxDepth: 100,
		device:   device,
	}
	for _, conv := range []*ml.Conv2d{net.Conv1, net.Conv2, net.Conv3} {
		conv.To(device)
	}
	return net
}

func (n *DepthNet) Name() string { return "depth_net" }

func (n *DepthNet) Children() []ml.Layer {
	return []ml.Layer{n.Conv1, n.Conv2, n.Conv3}
}

func (n *DepthNet) Forward(image torch.Tensor) torch.Tensor {
	x := n.Conv1.Forward(image).Tanh()
	x = n.Conv2.Forward(x).Tanh()
	s := n.Conv3.Forward(x).Sigmoid()
	offset := torch.Full([]int64{1}, n.MinDepth, false).To(n.device, s.Dtype())
	return torch.Add(offset, s, n.MaxDepth-n.MinDepth)
}
