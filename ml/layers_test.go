package ml

import (
	"reflect"
	"testing"

	torch "github.com/wangkuiyi/gotorch"
)

type convDepth struct {
	Conv1 *Conv2d
	Conv2 *Conv2d
}

func newConvDepth() *convDepth {
	return &convDepth{
		Conv1: NewConv2d("conv1", 3, 4, 3, 1, 1, true),
		Conv2: NewConv2d("conv2", 4, 1, 3, 1, 1, false),
	}
}

func (d *convDepth) Name() string      { return "depth" }
func (d *convDepth) Children() []Layer { return []Layer{d.Conv1, d.Conv2} }

func (d *convDepth) Forward(image torch.Tensor) torch.Tensor {
	return d.Conv2.Forward(d.Conv1.Forward(image))
}

type linearPose struct {
	Encoder *Group
	Conv    *Conv2d
	Head    *Linear
}

func newLinearPose() *linearPose {
	conv := NewConv2d("conv", 6, 2, 3, 2, 1, true)
	return &linearPose{
		Encoder: &Group{Label: "encoder", Nodes: []Layer{conv}},
		Conv:    conv,
		Head:    NewLinear("head", 2, 6, true),
	}
}

func (p *linearPose) Name() string      { return "pose" }
func (p *linearPose) Children() []Layer { return []Layer{p.Encoder, p.Head} }

func (p *linearPose) Forward(image, reference torch.Tensor) (torch.Tensor, torch.Tensor) {
	n := image.Shape()[0]
	return torch.Full([]int64{n, 3}, 0, false), torch.Full([]int64{n, 3}, 0, false)
}

func convModel() (*UnsupervisedDepthModel, *convDepth, *linearPose) {
	depth := newConvDepth()
	pose := newLinearPose()
	model := NewUnsupervisedDepthModel(pose, depth, &DumbCriterion{}, OptimizerParameters{"lr": 1e-4})
	return model, depth, pose
}

func biasValues(t torch.Tensor) []float64 {
	n := t.Shape()[0]
	out := make([]float64, n)
	for i := int64(0); i < n; i++ {
		out[i] = Scalar(t.Index(i))
	}
	return out
}

func TestInitWeightsSetsConvBiases(t *testing.T) {
	model, depth, pose := convModel()
	headBias := biasValues(pose.Head.Module.Bias)

	for round := 0; round < 2; round++ {
		before := Scalar(depth.Conv1.Module.Weight.Index(0, 0, 0, 0))
		model.InitWeights()
		after := Scalar(depth.Conv1.Module.Weight.Index(0, 0, 0, 0))
		if before == after {
			t.Fatalf("round %d: conv weight was not redrawn", round)
		}
		for _, conv := range []*Conv2d{depth.Conv1, pose.Conv} {
			for i, v := range biasValues(conv.Module.Bias) {
				if float32(v) != float32(biasFill) {
					t.Fatalf("round %d: %s bias[%d] = %v, want %v", round, conv.Label, i, v, biasFill)
				}
			}
		}
	}

	for i, v := range biasValues(pose.Head.Module.Bias) {
		if v != headBias[i] {
			t.Fatalf("linear bias[%d] changed from %v to %v", i, headBias[i], v)
		}
	}
}

func TestInitConvWeightsBounds(t *testing.T) {
	depth := newConvDepth()
	if n := InitConvWeights(depth, torch.NewDevice("cpu")); n != 2 {
		t.Fatalf("initialized %d convolutions, want 2", n)
	}
	// conv1: fan_in 3*9, fan_out 4*9
	bound := 0.30860669992418377 + 1e-6
	w := depth.Conv1.Module.Weight
	shape := w.Shape()
	for o := int64(0); o < shape[0]; o++ {
		for i := int64(0); i < shape[1]; i++ {
			v := Scalar(w.Index(o, i, 1, 1))
			if v < -bound || v > bound {
				t.Fatalf("weight %v outside ±%v", v, bound)
			}
		}
	}
}

func TestInitConvWeightsFillsBiasInPlace(t *testing.T) {
	depth := newConvDepth()
	bias := depth.Conv1.Module.Bias
	shape, dtype := bias.Shape(), bias.Dtype()

	InitConvWeights(depth, torch.NewDevice("cpu"))

	if got := depth.Conv1.Module.Bias.Shape(); !reflect.DeepEqual(got, shape) {
		t.Fatalf("bias shape = %v, want %v", got, shape)
	}
	if got := depth.Conv1.Module.Bias.Dtype(); got != dtype {
		t.Fatalf("bias dtype = %v, want %v", got, dtype)
	}
	// the optimizer holds the original tensor, so the fill must land in it
	for i, v := range biasValues(bias) {
		if float32(v) != biasFill {
			t.Fatalf("bias[%d] = %v, want %v", i, v, biasFill)
		}
	}
}

func TestConfigureOptimizersManagesEstimatorParameters(t *testing.T) {
	model, depth, pose := convModel()
	stranger := NewConv2d("stranger", 3, 3, 1, 1, 0, true)

	opt, err := model.ConfigureOptimizers()
	if err != nil {
		t.Fatalf("ConfigureOptimizers: %v", err)
	}

	managed := opt.Parameters()
	want := []torch.Tensor{
		pose.Conv.Module.Bias, pose.Conv.Module.Weight,
		pose.Head.Module.Bias, pose.Head.Module.Weight,
		depth.Conv1.Module.Bias, depth.Conv1.Module.Weight,
		depth.Conv2.Module.Weight,
	}
	if len(managed) != len(want) {
		t.Fatalf("optimizer manages %d tensors, want %d", len(managed), len(want))
	}
	for i := range want {
		if managed[i] != want[i] {
			t.Fatalf("managed[%d] is not the expected parameter", i)
		}
	}
	for _, p := range managed {
		if p == stranger.Module.Weight || p == stranger.Module.Bias {
			t.Fatal("optimizer manages a parameter outside the estimators")
		}
	}
}

func TestConfigureOptimizersRejectsUnknownParameters(t *testing.T) {
	depth := newConvDepth()
	model := NewUnsupervisedDepthModel(newLinearPose(), depth, &DumbCriterion{},
		OptimizerParameters{"lr": 1e-3, "momentum": 0.9})

	if _, err := model.ConfigureOptimizers(); err == nil {
		t.Fatal("expected an error for an unknown optimizer parameter")
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	model, depth, _ := convModel()
	other, otherDepth, _ := convModel()
	cpu := torch.NewDevice("cpu")

	if err := other.SetStateDict(model.StateDict(), cpu); err != nil {
		t.Fatalf("SetStateDict: %v", err)
	}
	a := Scalar(depth.Conv1.Module.Weight.Index(1, 2, 0, 1))
	b := Scalar(otherDepth.Conv1.Module.Weight.Index(1, 2, 0, 1))
	if a != b {
		t.Fatalf("weights differ after load: %v vs %v", a, b)
	}

	if err := other.SetStateDict(map[string]torch.Tensor{}, cpu); err == nil {
		t.Fatal("expected an error for an empty state dict")
	}
}

func TestLossesKeepInsertionOrder(t *testing.T) {
	losses := NewLosses()
	losses.Set("b", torch.Full([]int64{}, 1, false))
	losses.Set("loss", torch.Full([]int64{}, 2, false))
	losses.Set("a", torch.Full([]int64{}, 3, false))
	losses.Set("b", torch.Full([]int64{}, 4, false))

	names := losses.Names()
	if len(names) != 3 || names[0] != "b" || names[1] != "loss" || names[2] != "a" {
		t.Fatalf("names = %v", names)
	}
	if got := losses.Values()["b"]; got != 4 {
		t.Fatalf("b = %v, want 4", got)
	}
	total, err := losses.Total()
	if err != nil || Scalar(total) != 2 {
		t.Fatalf("Total = %v, %v", total, err)
	}
}
