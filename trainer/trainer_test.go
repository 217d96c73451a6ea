package trainer

import (
	"context"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"depthpose/criterion"
	"depthpose/data"
	"depthpose/ml"
	"depthpose/nets"
	"depthpose/visual"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
)

type scriptedModule struct {
	param     torch.Tensor
	valLoss   []float64
	epoch     int
	modes     []bool
	snapshots []float64
	engine    ml.Engine
}

func newScriptedModule(valLoss ...float64) *scriptedModule {
	return &scriptedModule{param: torch.RandN([]int64{2}, true), valLoss: valLoss, epoch: -1}
}

func (m *scriptedModule) InitWeights() {}

func (m *scriptedModule) Forward(image, _ torch.Tensor) (torch.Tensor, ml.Pose) {
	return image, ml.Pose{}
}

func (m *scriptedModule) TrainingStep(ml.Batch, int) (ml.TrainResult, error) {
	loss := torch.Mul(m.param, m.param).Mean()
	losses := ml.NewLosses()
	losses.Set(ml.LossKey, loss)
	return ml.TrainResult{Minimize: loss, Log: losses}, nil
}

func (m *scriptedModule) ValidationStep(_ ml.Batch, batchIndex int) (ml.EvalResult, error) {
	if batchIndex == 0 {
		m.snapshots = append(m.snapshots, ml.Scalar(m.param.Index(0)))
	}
	v := torch.Full([]int64{}, float32(m.valLoss[m.epoch]), false)
	losses := ml.NewLosses()
	losses.Set(ml.LossKey, v)
	return ml.EvalResult{CheckpointOn: v, Log: losses}, nil
}

func (m *scriptedModule) ConfigureOptimizers() (*ml.Optimizer, error) {
	return ml.NewAdam([]torch.Tensor{m.param}, ml.OptimizerParameters{"lr": 0.1})
}

func (m *scriptedModule) Attach(engine ml.Engine) { m.engine = engine }

func (m *scriptedModule) Train(on bool) {
	m.modes = append(m.modes, on)
	if !on {
		m.epoch++
	}
}

func (m *scriptedModule) StateDict() map[string]torch.Tensor {
	return map[string]torch.Tensor{"param": m.param}
}

func (m *scriptedModule) SetStateDict(states map[string]torch.Tensor, device torch.Device) error {
	state, ok := states["param"]
	if !ok {
		return errors.New("no param")
	}
	m.param.SetData(state.To(device, state.Dtype()))
	return nil
}

type metricRecord struct {
	values map[string]float64
	step   int
}

type recordingLogger struct {
	metrics []metricRecord
	figures []string
}

func (l *recordingLogger) LogMetrics(values map[string]float64, step int) error {
	l.metrics = append(l.metrics, metricRecord{values, step})
	return nil
}

func (l *recordingLogger) LogFigure(channel string, _ ml.Figure, _ int) error {
	l.figures = append(l.figures, channel)
	return nil
}

func testConfig(t *testing.T, epochs int) Config {
	dir := t.TempDir()
	return Config{
		Epochs:        epochs,
		Device:        "cpu",
		CheckpointDir: filepath.Join(dir, "checkpoints"),
		LogDir:        filepath.Join(dir, "logs"),
		LogEvery:      1,
	}
}

func synthetic(batches int) *data.Synthetic {
	return &data.Synthetic{Shape: []int64{2, 3, 16, 32}, Value: 0.5, Batches: batches}
}

func TestFitSelectsBestCheckpoint(t *testing.T) {
	cfg := testConfig(t, 3)
	metrics := &recordingLogger{}
	trainer, err := New(cfg, metrics, golog.NewTestLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	module := newScriptedModule(3, 1, 2)

	result, err := trainer.Fit(context.Background(), module, synthetic(2), synthetic(1))
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if module.engine != trainer {
		t.Fatal("module was not attached to the trainer")
	}
	if trainer.GlobalStep() != 6 {
		t.Fatalf("global step = %d, want 6", trainer.GlobalStep())
	}
	if want := []bool{true, false, true, false, true, false}; !reflect.DeepEqual(module.modes, want) {
		t.Fatalf("modes = %v, want %v", module.modes, want)
	}
	if result.Epochs != 3 || result.BestEpoch != 1 || result.BestLoss != 1 {
		t.Fatalf("result = %+v", result)
	}

	var trainSteps, valSteps []int
	for _, m := range metrics.metrics {
		if v, ok := m.values[ValPrefix+ml.LossKey]; ok {
			valSteps = append(valSteps, m.step)
			if v != module.valLoss[len(valSteps)-1] {
				t.Fatalf("val loss at step %d = %v", m.step, v)
			}
			continue
		}
		trainSteps = append(trainSteps, m.step)
	}
	if want := []int{0, 1, 2, 3, 4, 5}; !reflect.DeepEqual(trainSteps, want) {
		t.Fatalf("training metrics logged at %v, want %v", trainSteps, want)
	}
	if want := []int{2, 4, 6}; !reflect.DeepEqual(valSteps, want) {
		t.Fatalf("validation metrics logged at %v, want %v", valSteps, want)
	}

	best, err := LoadCheckpoint(filepath.Join(cfg.CheckpointDir, BestCheckpoint))
	if err != nil {
		t.Fatalf("load best: %v", err)
	}
	if got := ml.Scalar(best["param"].Index(0)); got != module.snapshots[1] {
		t.Fatalf("best checkpoint holds %v, want epoch 1 value %v", got, module.snapshots[1])
	}
	last, err := LoadCheckpoint(filepath.Join(cfg.CheckpointDir, LastCheckpoint))
	if err != nil {
		t.Fatalf("load last: %v", err)
	}
	if got := ml.Scalar(last["param"].Index(0)); got != module.snapshots[2] {
		t.Fatalf("last checkpoint holds %v, want epoch 2 value %v", got, module.snapshots[2])
	}
}

func TestFitStopsOnCancel(t *testing.T) {
	trainer, err := New(testConfig(t, 2), &recordingLogger{}, golog.NewTestLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = trainer.Fit(ctx, newScriptedModule(1, 1), synthetic(3), synthetic(1))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if trainer.GlobalStep() != 0 {
		t.Fatalf("took %d steps after cancellation", trainer.GlobalStep())
	}
}

func TestFitLimitsBatches(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.LimitTrainBatches = 2
	trainer, err := New(cfg, &recordingLogger{}, golog.NewTestLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := trainer.Fit(context.Background(), newScriptedModule(1), synthetic(5), synthetic(1)); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if trainer.GlobalStep() != 2 {
		t.Fatalf("global step = %d, want 2", trainer.GlobalStep())
	}
}

func TestFitUnsupervisedDepthModel(t *testing.T) {
	cfg := testConfig(t, 1)
	cpu := torch.NewDevice(cfg.Device)
	metrics := NewFileLogger(cfg.LogDir, log.New(io.Discard, "", 0))
	trainer, err := New(cfg, metrics, golog.NewTestLogger(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	model := ml.NewUnsupervisedDepthModel(
		nets.NewPoseNet(cpu),
		nets.NewDepthNet(cpu),
		criterion.NewConsistency(1, 1, 0.1),
		ml.OptimizerParameters{"lr": 1e-3},
		ml.WithDevice(cpu),
		ml.WithResultVisualizer(visual.NewDepthVisualizer(0)),
	)
	model.InitWeights()

	result, err := trainer.Fit(context.Background(), model, synthetic(2), synthetic(1))
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	loss, ok := result.Validation[ValPrefix+ml.LossKey]
	if !ok || math.IsNaN(loss) || math.IsInf(loss, 0) {
		t.Fatalf("validation loss = %v, %v", loss, ok)
	}
	if _, ok := result.Validation[ValPrefix+criterion.DepthScale]; !ok {
		t.Fatalf("validation metrics %v lack %s", result.Validation, criterion.DepthScale)
	}
	if _, err := os.Stat(filepath.Join(cfg.LogDir, ml.FigureChannel+"_2.png")); err != nil {
		t.Fatalf("figure not written: %v", err)
	}

	restored := ml.NewUnsupervisedDepthModel(nets.NewPoseNet(cpu), nets.NewDepthNet(cpu),
		criterion.NewConsistency(1, 1, 0.1), nil)
	if err := Restore(filepath.Join(cfg.CheckpointDir, BestCheckpoint), restored, cpu); err != nil {
		t.Fatalf("Restore: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Epochs: 1, CheckpointDir: "c", LogDir: "l"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.LogEvery != 50 {
		t.Fatalf("LogEvery default = %d", cfg.LogEvery)
	}
	if cfg.Device != DefaultDevice {
		t.Fatalf("Device default = %q, want %q", cfg.Device, DefaultDevice)
	}
	for _, name := range []string{"cpu", "cuda", "cuda:1"} {
		ok := Config{Epochs: 1, Device: name, CheckpointDir: "c", LogDir: "l"}
		if err := ok.Validate(); err != nil {
			t.Fatalf("Validate(%q): %v", name, err)
		}
	}
	for _, bad := range []Config{
		{CheckpointDir: "c", LogDir: "l"},
		{Epochs: 1, LogDir: "l"},
		{Epochs: 1, CheckpointDir: "c"},
		{Epochs: 1, CheckpointDir: "c", LogDir: "l", LimitValBatches: -1},
		{Epochs: 1, CheckpointDir: "c", LogDir: "l", Device: "tpu"},
	} {
		bad := bad
		if err := bad.Validate(); err == nil {
			t.Fatalf("expected %+v to be rejected", bad)
		}
	}
}

func TestWindowSnapshot(t *testing.T) {
	var w Window
	w.Record(64, 20*time.Millisecond, 10*time.Millisecond, 1.2)
	w.Record(64, 10*time.Millisecond, 20*time.Millisecond, 0.8)
	snap := w.Snapshot()
	if math.Abs(snap.SamplesPerSec-2133.3333) > 1 {
		t.Fatalf("unexpected throughput %.2f", snap.SamplesPerSec)
	}
	if math.Abs(snap.MeanLoss-1.0) > 1e-9 {
		t.Fatalf("mean loss = %v, want 1", snap.MeanLoss)
	}
	if w.samples != 0 || w.steps != 0 {
		t.Fatal("window was not reset")
	}
}

func TestFileLogger(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.txt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()

	logger := NewFileLogger(filepath.Join(dir, "figures"), log.New(f, "", 0))
	if err := logger.LogMetrics(map[string]float64{"loss": 0.5, "a": 1}, 7); err != nil {
		t.Fatalf("LogMetrics: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(raw); got != "step=7 a=1.000000 loss=0.500000\n" {
		t.Fatalf("metric line = %q", got)
	}

	fig := &savingFigure{}
	if err := logger.LogFigure("depth", fig, 12); err != nil {
		t.Fatalf("LogFigure: %v", err)
	}
	if want := filepath.Join(dir, "figures", "depth_12.png"); fig.path != want {
		t.Fatalf("figure saved to %s, want %s", fig.path, want)
	}
}

type savingFigure struct{ path string }

func (f *savingFigure) Save(path string) error { f.path = path; return nil }
func (f *savingFigure) Close() error           { return nil }
