package ml

import (
	"math"
	"sort"

	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn"
	"github.com/wangkuiyi/gotorch/nn/initializer"
)

// Layer is a node in a network's layer tree.
type Layer interface {
	Name() string
	Children() []Layer
}

// ConvLayer is a Layer carrying the convolution capability. Weight
// initialization only touches nodes that have it.
type ConvLayer interface {
	Layer
	ConvWeight() *torch.Tensor
	// ConvBias is nil for convolutions built without a bias.
	ConvBias() *torch.Tensor
}

// ParameterLayer is a Layer that directly owns trainable tensors. Tensors
// owned by children are not included.
type ParameterLayer interface {
	Layer
	OwnParameters() map[string]torch.Tensor
}

// Walk visits root and every descendant, depth first, parents before children.
func Walk(root Layer, visit func(path string, layer Layer)) {
	walk(root.Name(), root, visit)
}

func walk(path string, layer Layer, visit func(string, Layer)) {
	visit(path, layer)
	for _, child := range layer.Children() {
		walk(path+"."+child.Name(), child, visit)
	}
}

// Parameters collects the trainable tensors of a tree in traversal order.
func Parameters(root Layer) []torch.Tensor {
	var params []torch.Tensor
	Walk(root, func(_ string, layer Layer) {
		if p, ok := layer.(ParameterLayer); ok {
			own := p.OwnParameters()
			for _, name := range sortedNames(own) {
				params = append(params, own[name])
			}
		}
	})
	return params
}

// NamedParameters keys every trainable tensor of a tree by its dotted path.
func NamedParameters(root Layer) map[string]torch.Tensor {
	named := make(map[string]torch.Tensor)
	Walk(root, func(path string, layer Layer) {
		if p, ok := layer.(ParameterLayer); ok {
			for name, t := range p.OwnParameters() {
				named[path+"."+name] = t
			}
		}
	})
	return named
}

func sortedNames(params map[string]torch.Tensor) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const biasFill float32 = 0.01

// InitConvWeights draws Xavier-uniform weights for every ConvLayer in the
// tree and fills their biases with 0.01 on device. It returns the number of
// convolutions touched.
func InitConvWeights(root Layer, device torch.Device) int {
	n := 0
	Walk(root, func(_ string, layer Layer) {
		conv, ok := layer.(ConvLayer)
		if !ok {
			return
		}
		xavierUniform(conv.ConvWeight())
		if bias := conv.ConvBias(); bias != nil {
			fill(*bias, biasFill, device)
		}
		n++
	})
	return n
}

func xavierUniform(w *torch.Tensor) {
	fanIn, fanOut := initializer.CalculateFanInAndFanOut(*w)
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	initializer.Uniform(w, -bound, bound)
}

func fill(t torch.Tensor, value float32, device torch.Device) {
	t.SetData(torch.Full(t.Shape(), value, false).To(device, t.Dtype()))
}

// Conv2d tags a gotorch convolution as convolution-like.
type Conv2d struct {
	Label  string
	Module *nn.Conv2dModule
	bias   bool
}

// NewConv2d builds a square-kernel convolution with dilation 1 and one group.
func NewConv2d(label string, in, out, kernel, stride, padding int64, bias bool) *Conv2d {
	return &Conv2d{
		Label:  label,
		Module: nn.Conv2d(in, out, kernel, stride, padding, 1, 1, bias, "zeros"),
		bias:   bias,
	}
}

func (c *Conv2d) Name() string      { return c.Label }
func (c *Conv2d) Children() []Layer { return nil }

func (c *Conv2d) Forward(x torch.Tensor) torch.Tensor {
	return c.Module.Forward(x)
}

func (c *Conv2d) To(device torch.Device) {
	c.Module.To(device)
}

func (c *Conv2d) ConvWeight() *torch.Tensor { return &c.Module.Weight }

func (c *Conv2d) ConvBias() *torch.Tensor {
	if !c.bias {
		return nil
	}
	return &c.Module.Bias
}

func (c *Conv2d) OwnParameters() map[string]torch.Tensor {
	params := map[string]torch.Tensor{"weight": c.Module.Weight}
	if c.bias {
		params["bias"] = c.Module.Bias
	}
	return params
}

// Linear is a fully connected layer. It is not convolution-like.
type Linear struct {
	Label  string
	Module *nn.LinearModule
	bias   bool
}

func NewLinear(label string, in, out int64, bias bool) *Linear {
	return &Linear{Label: label, Module: nn.Linear(in, out, bias), bias: bias}
}

func (l *Linear) Name() string      { return l.Label }
func (l *Linear) Children() []Layer { return nil }

func (l *Linear) Forward(x torch.Tensor) torch.Tensor {
	return l.Module.Forward(x)
}

func (l *Linear) To(device torch.Device) {
	l.Module.To(device)
}

func (l *Linear) OwnParameters() map[string]torch.Tensor {
	params := map[string]torch.Tensor{"weight": l.Module.Weight}
	if l.bias {
		params["bias"] = l.Module.Bias
	}
	return params
}

// Group is an inner node without parameters of its own.
type Group struct {
	Label string
	Nodes []Layer
}

func (g *Group) Name() string      { return g.Label }
func (g *Group) Children() []Layer { return g.Nodes }
