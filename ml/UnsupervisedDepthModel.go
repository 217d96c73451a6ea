package ml

import (
	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"go.uber.org/multierr"
)

// FigureChannel is the logger channel validation figures are written to.
const FigureChannel = "depth_reconstruction"

// ExampleShape is the (N,C,H,W) shape of the inputs used to introspect the
// networks.
var ExampleShape = []int64{1, 3, 128, 384}

// UnsupervisedDepthModel trains a depth estimator and a pose estimator from
// stereo video without depth or pose labels.
type UnsupervisedDepthModel struct {
	poseNet    PoseEstimator
	depthNet   DepthEstimator
	criterion  Criterion
	visualizer ResultVisualizer
	params     OptimizerParameters
	engine     Engine
	device     torch.Device
}

var _ Lifecycle = (*UnsupervisedDepthModel)(nil)

// Option configures an UnsupervisedDepthModel.
type Option func(*UnsupervisedDepthModel)

// WithDevice names the device the estimators and batches live on. The
// default is the CPU.
func WithDevice(device torch.Device) Option {
	return func(m *UnsupervisedDepthModel) {
		m.device = device
	}
}

// WithResultVisualizer renders one validation batch per epoch.
func WithResultVisualizer(v ResultVisualizer) Option {
	return func(m *UnsupervisedDepthModel) {
		m.visualizer = v
	}
}

func NewUnsupervisedDepthModel(poseNet PoseEstimator, depthNet DepthEstimator, criterion Criterion,
	params OptimizerParameters, opts ...Option) *UnsupervisedDepthModel {
	m := &UnsupervisedDepthModel{
		poseNet:   poseNet,
		depthNet:  depthNet,
		criterion: criterion,
		params:    params,
		device:    torch.NewDevice("cpu"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ExampleInput returns an (image, reference) pair of zero tensors.
func (m *UnsupervisedDepthModel) ExampleInput() (torch.Tensor, torch.Tensor) {
	return torch.Full(ExampleShape, 0, false), torch.Full(ExampleShape, 0, false)
}

// Layers returns the layer tree of both estimators.
func (m *UnsupervisedDepthModel) Layers() Layer {
	return &Group{Label: "model", Nodes: []Layer{m.poseNet, m.depthNet}}
}

// InitWeights redraws every convolution weight (Xavier uniform) and sets its
// bias to 0.01. It is never called implicitly.
func (m *UnsupervisedDepthModel) InitWeights() {
	InitConvWeights(m.Layers(), m.device)
}

func (m *UnsupervisedDepthModel) Depth(image torch.Tensor) torch.Tensor {
	return m.depthNet.Forward(image)
}

// Pose estimates the motion of image relative to reference. Pose(a, b) and
// Pose(b, a) are independent estimates.
func (m *UnsupervisedDepthModel) Pose(image, reference torch.Tensor) Pose {
	rotation, translation := m.poseNet.Forward(image, reference)
	return Pose{Rotation: rotation, Translation: translation}
}

func (m *UnsupervisedDepthModel) Forward(image, reference torch.Tensor) (torch.Tensor, Pose) {
	return m.Depth(image), m.Pose(image, reference)
}

// Loss runs both estimators over the four views of batch and hands the
// results to the criterion. Poses are estimated for left-current/left-next
// in both directions, then right-current/right-next in both directions.
func (m *UnsupervisedDepthModel) Loss(batch Batch) (*Losses, error) {
	images, err := batch.Images()
	if err != nil {
		return nil, err
	}
	depths := make([]torch.Tensor, len(images))
	for i, image := range images {
		depths[i] = m.Depth(image)
	}
	poses := []Pose{
		m.Pose(images[0], images[1]),
		m.Pose(images[1], images[0]),
		m.Pose(images[2], images[3]),
		m.Pose(images[3], images[2]),
	}
	return m.criterion.Compute(images, depths, poses)
}

func (m *UnsupervisedDepthModel) TrainingStep(batch Batch, batchIndex int) (TrainResult, error) {
	losses, err := m.Loss(batch)
	if err != nil {
		return TrainResult{}, errors.Wrapf(err, "training batch %d", batchIndex)
	}
	total, err := losses.Total()
	if err != nil {
		return TrainResult{}, errors.Wrapf(err, "training batch %d", batchIndex)
	}
	return TrainResult{Minimize: total, Log: losses}, nil
}

// ShouldRenderFigure reports whether batchIndex is the batch the visualizer
// is configured for.
func (m *UnsupervisedDepthModel) ShouldRenderFigure(batchIndex int) bool {
	return m.visualizer != nil && m.visualizer.BatchIndex() == batchIndex
}

// MakeFigure renders example 0 of each view with its depth. It returns nil
// when no figure is due for batchIndex.
func (m *UnsupervisedDepthModel) MakeFigure(batch Batch, batchIndex int) (Figure, error) {
	if !m.ShouldRenderFigure(batchIndex) {
		return nil, nil
	}
	images, err := batch.Images()
	if err != nil {
		return nil, err
	}
	firstImages := make([]torch.Tensor, len(images))
	firstDepths := make([]torch.Tensor, len(images))
	for i, image := range images {
		first := firstExample(image, m.device)
		firstDepths[i] = m.Depth(first).Squeeze(0)
		firstImages[i] = first.Squeeze(0)
	}
	return m.visualizer.Render(firstImages, firstDepths)
}

func (m *UnsupervisedDepthModel) ValidationStep(batch Batch, batchIndex int) (result EvalResult, err error) {
	losses, err := m.Loss(batch)
	if err != nil {
		return EvalResult{}, errors.Wrapf(err, "validation batch %d", batchIndex)
	}

	figure, err := m.MakeFigure(batch, batchIndex)
	if err != nil {
		return EvalResult{}, errors.Wrap(err, "render figure")
	}
	logged := false
	if figure != nil {
		defer func() {
			err = multierr.Append(err, figure.Close())
		}()
		if m.engine == nil {
			return EvalResult{}, errors.New("figure rendered but no engine attached")
		}
		if err := m.engine.Logger().LogFigure(FigureChannel, figure, m.engine.GlobalStep()); err != nil {
			return EvalResult{}, errors.Wrap(err, "log figure")
		}
		logged = true
	}

	total, err := losses.Total()
	if err != nil {
		return EvalResult{}, errors.Wrapf(err, "validation batch %d", batchIndex)
	}
	return EvalResult{CheckpointOn: total, Log: losses, FigureLogged: logged}, nil
}

// ConfigureOptimizers returns a single Adam optimizer over every parameter of
// both estimators. No learning rate schedule is configured.
func (m *UnsupervisedDepthModel) ConfigureOptimizers() (*Optimizer, error) {
	return NewAdam(m.Parameters(), m.params)
}

// Parameters returns the trainable tensors of the pose and depth estimators.
func (m *UnsupervisedDepthModel) Parameters() []torch.Tensor {
	return append(Parameters(m.poseNet), Parameters(m.depthNet)...)
}

func (m *UnsupervisedDepthModel) Attach(engine Engine) {
	m.engine = engine
}

// Train switches estimators that track a mode between training and evaluation.
func (m *UnsupervisedDepthModel) Train(on bool) {
	for _, net := range []Layer{m.poseNet, m.depthNet} {
		if t, ok := net.(interface{ Train(bool) }); ok {
			t.Train(on)
		}
	}
}

// StateDict keys every parameter by its path in the layer tree.
func (m *UnsupervisedDepthModel) StateDict() map[string]torch.Tensor {
	return NamedParameters(m.Layers())
}

// SetStateDict copies states into the matching parameters on device. Every
// parameter must be present.
func (m *UnsupervisedDepthModel) SetStateDict(states map[string]torch.Tensor, device torch.Device) error {
	for name, param := range m.StateDict() {
		state, ok := states[name]
		if !ok {
			return errors.Errorf("state dict has no entry %q", name)
		}
		param.SetData(state.To(device, state.Dtype()))
	}
	return nil
}
