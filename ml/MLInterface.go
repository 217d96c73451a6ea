package ml

import (
	torch "github.com/wangkuiyi/gotorch"
)

// Pose is a rigid motion estimate between a target frame and a reference frame.
type Pose struct {
	Rotation    torch.Tensor
	Translation torch.Tensor
}

// Vectors reads example i as Euler angles and a translation.
func (p Pose) Vectors(i int64) (rotation, translation [3]float64) {
	for k := int64(0); k < 3; k++ {
		rotation[k] = Scalar(p.Rotation.Index(i, k))
		translation[k] = Scalar(p.Translation.Index(i, k))
	}
	return rotation, translation
}

// DepthEstimator maps an image batch (N,3,H,W) to a depth map batch (N,C,H',W').
type DepthEstimator interface {
	Layer
	Forward(image torch.Tensor) torch.Tensor
}

// PoseEstimator maps an ordered (image, reference) pair to the camera motion
// that explains image relative to reference.
type PoseEstimator interface {
	Layer
	Forward(image, reference torch.Tensor) (rotation, translation torch.Tensor)
}

// Criterion turns four views, their depths and four pose estimates into named
// loss terms. The result must contain LossKey.
type Criterion interface {
	Compute(images, depths []torch.Tensor, poses []Pose) (*Losses, error)
}

// Figure is a rendered validation artifact.
type Figure interface {
	Save(path string) error
	Close() error
}

// ResultVisualizer renders single-example images and depths into a Figure.
type ResultVisualizer interface {
	BatchIndex() int
	Render(images, depths []torch.Tensor) (Figure, error)
}

// Logger is the logging facility of the engine driving a Lifecycle.
type Logger interface {
	LogMetrics(values map[string]float64, step int) error
	LogFigure(channel string, figure Figure, step int) error
}

// Engine is what a Lifecycle may ask of the engine that drives it.
type Engine interface {
	GlobalStep() int
	Logger() Logger
}

// TrainResult is returned by a training step. Minimize drives backpropagation,
// every entry of Log is reported at the current step.
type TrainResult struct {
	Minimize torch.Tensor
	Log      *Losses
}

// EvalResult is returned by a validation step. CheckpointOn is aggregated over
// the epoch and selects the best checkpoint (lower is better). Every entry of
// Log is aggregated per epoch.
type EvalResult struct {
	CheckpointOn torch.Tensor
	Log          *Losses
	FigureLogged bool
}

// Lifecycle is the contract between a trainable module and the engine.
//
// The engine owns everything not listed here: it toggles train/eval mode,
// zeroes gradients before each training step, runs backward on
// TrainResult.Minimize and steps the optimizer returned by
// ConfigureOptimizers. No hook does any of that implicitly.
type Lifecycle interface {
	InitWeights()
	Forward(image, reference torch.Tensor) (torch.Tensor, Pose)
	TrainingStep(batch Batch, batchIndex int) (TrainResult, error)
	ValidationStep(batch Batch, batchIndex int) (EvalResult, error)
	ConfigureOptimizers() (*Optimizer, error)
	Attach(engine Engine)
}
