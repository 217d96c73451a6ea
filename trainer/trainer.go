// Package trainer drives a ml.Lifecycle through epochs of training and
// validation, logs its results and keeps the best checkpoint.
package trainer

import (
	"context"
	"math"
	"path/filepath"
	"time"

	"depthpose/data"
	"depthpose/ml"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn/initializer"
)

// ValPrefix is prepended to validation metric names.
const ValPrefix = "val_"

// Module is a Lifecycle the trainer can also switch between modes and
// checkpoint.
type Module interface {
	ml.Lifecycle
	StateLoader
	Train(on bool)
	StateDict() map[string]torch.Tensor
}

// Trainer is the engine a Module is attached to during Fit.
type Trainer struct {
	cfg     Config
	device  torch.Device
	metrics ml.Logger
	logger  golog.Logger
	step    int
}

var _ ml.Engine = (*Trainer)(nil)

func New(cfg Config, metrics ml.Logger, logger golog.Logger) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Trainer{
		cfg:     cfg,
		device:  torch.NewDevice(cfg.Device),
		metrics: metrics,
		logger:  logger,
	}, nil
}

// GlobalStep counts optimizer steps across epochs.
func (t *Trainer) GlobalStep() int { return t.step }

func (t *Trainer) Logger() ml.Logger { return t.metrics }

// Result summarises a fit.
type Result struct {
	Epochs    int
	BestEpoch int
	BestLoss  float64
	// Validation holds the epoch means of the last validation pass.
	Validation map[string]float64
}

// Fit trains module on train and validates it on val once per epoch. The
// validation mean of the checkpoint metric selects best.gob; last.gob is
// rewritten every epoch. Cancelling ctx stops the fit between steps.
func (t *Trainer) Fit(ctx context.Context, module Module, train, val data.Source) (Result, error) {
	defer torch.FinishGC()
	if t.cfg.Seed != 0 {
		initializer.ManualSeed(t.cfg.Seed)
	}

	module.Attach(t)
	opt, err := module.ConfigureOptimizers()
	if err != nil {
		return Result{}, errors.Wrap(err, "configure optimizers")
	}

	result := Result{BestEpoch: -1, BestLoss: math.Inf(1)}
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		module.Train(true)
		if err := t.trainEpoch(ctx, epoch, module, opt, train); err != nil {
			return result, err
		}

		module.Train(false)
		checkpointOn, means, err := t.validateEpoch(ctx, epoch, module, val)
		if err != nil {
			return result, err
		}
		result.Epochs = epoch + 1
		result.Validation = means

		states := module.StateDict()
		if checkpointOn < result.BestLoss {
			result.BestEpoch, result.BestLoss = epoch, checkpointOn
			if err := SaveCheckpoint(filepath.Join(t.cfg.CheckpointDir, BestCheckpoint), states); err != nil {
				return result, err
			}
			t.logger.Infof("epoch %d: new best %s %.4f", epoch, ml.LossKey, checkpointOn)
		}
		if err := SaveCheckpoint(filepath.Join(t.cfg.CheckpointDir, LastCheckpoint), states); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, epoch int, module Module, opt *ml.Optimizer, source data.Source) error {
	it, err := source.Iterate(ctx)
	if err != nil {
		return errors.Wrapf(err, "epoch %d: start training data", epoch)
	}
	defer it.Close()

	var window Window
	epochStart := time.Now()
	samples, steps := 0, 0
	var lossSum float64
	dataStart := time.Now()
	for i := 0; it.Scan(); i++ {
		if t.cfg.LimitTrainBatches > 0 && i >= t.cfg.LimitTrainBatches {
			break
		}
		batch := it.Minibatch().To(t.device)
		dataTime := time.Since(dataStart)

		computeStart := time.Now()
		opt.ZeroGrad()
		res, err := module.TrainingStep(batch, i)
		if err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
		res.Minimize.Backward()
		opt.Step()

		values := res.Log.Values()
		if err := t.metrics.LogMetrics(values, t.step); err != nil {
			return errors.Wrap(err, "log training metrics")
		}
		window.Record(batch.Size(), dataTime, time.Since(computeStart), values[ml.LossKey])
		samples += batch.Size()
		lossSum += values[ml.LossKey]
		steps++
		t.step++

		if t.step%t.cfg.LogEvery == 0 {
			snap := window.Snapshot()
			t.logger.Infof("step=%d samples_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f",
				t.step, snap.SamplesPerSec, snap.AvgDataMS, snap.AvgComputeMS, snap.MeanLoss)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		dataStart = time.Now()
	}
	if err := it.Err(); err != nil {
		return errors.Wrapf(err, "epoch %d: training data", epoch)
	}

	if steps == 0 {
		return errors.Errorf("epoch %d: training produced no batches", epoch)
	}
	throughput := float64(samples) / time.Since(epochStart).Seconds()
	t.logger.Infof("Train Epoch: %d, Loss: %.4f, throughput: %f samples/sec", epoch, lossSum/float64(steps), throughput)
	return nil
}

// validateEpoch returns the mean checkpoint metric and the prefixed means of
// every logged term.
func (t *Trainer) validateEpoch(ctx context.Context, epoch int, module Module, source data.Source) (float64, map[string]float64, error) {
	it, err := source.Iterate(ctx)
	if err != nil {
		return 0, nil, errors.Wrapf(err, "epoch %d: start validation data", epoch)
	}
	defer it.Close()

	var checkpointSum float64
	sums := make(map[string]float64)
	n := 0
	for i := 0; it.Scan(); i++ {
		if t.cfg.LimitValBatches > 0 && i >= t.cfg.LimitValBatches {
			break
		}
		res, err := module.ValidationStep(it.Minibatch().To(t.device), i)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "epoch %d", epoch)
		}
		checkpointSum += ml.Scalar(res.CheckpointOn)
		for name, v := range res.Log.Values() {
			sums[name] += v
		}
		n++
	}
	if err := it.Err(); err != nil {
		return 0, nil, errors.Wrapf(err, "epoch %d: validation data", epoch)
	}
	if n == 0 {
		return 0, nil, errors.Errorf("epoch %d: validation produced no batches", epoch)
	}

	means := make(map[string]float64, len(sums))
	for name, sum := range sums {
		means[ValPrefix+name] = sum / float64(n)
	}
	if err := t.metrics.LogMetrics(means, t.step); err != nil {
		return 0, nil, errors.Wrap(err, "log validation metrics")
	}
	checkpointOn := checkpointSum / float64(n)
	t.logger.Infof("Validation Epoch: %d, Loss: %.4f", epoch, checkpointOn)
	return checkpointOn, means, nil
}
