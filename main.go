package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"

	"depthpose/criterion"
	"depthpose/data"
	"depthpose/geometry"
	"depthpose/ml"
	"depthpose/nets"
	"depthpose/trainer"
	"depthpose/util"
	"depthpose/visual"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
	"github.com/wangkuiyi/gotorch/nn/initializer"
	"go.uber.org/multierr"
)

func selectDevice() string {
	if torch.IsCUDAAvailable() {
		util.Logger.Info("CUDA is valid")
		return "cuda"
	}
	util.Logger.Info("No CUDA found; CPU only")
	return "cpu"
}

type modelFlags struct {
	lambdaPosition *float64
	lambdaAngle    *float64
	lambdaDepth    *float64
}

func addModelFlags(cmd *flag.FlagSet) modelFlags {
	return modelFlags{
		lambdaPosition: cmd.Float64("lambda-position", 0.01, "weight of the translation consistency terms"),
		lambdaAngle:    cmd.Float64("lambda-angle", 0.1, "weight of the rotation consistency terms"),
		lambdaDepth:    cmd.Float64("lambda-depth", 0.01, "weight of the stereo depth scale term"),
	}
}

func (f modelFlags) build(device torch.Device, params ml.OptimizerParameters, opts ...ml.Option) *ml.UnsupervisedDepthModel {
	return ml.NewUnsupervisedDepthModel(
		nets.NewPoseNet(device),
		nets.NewDepthNet(device),
		criterion.NewConsistency(float32(*f.lambdaPosition), float32(*f.lambdaAngle), float32(*f.lambdaDepth)),
		params,
		append([]ml.Option{ml.WithDevice(device)}, opts...)...,
	)
}

func train(ctx context.Context, args []string) error {
	trainCmd := flag.NewFlagSet("train", flag.ExitOnError)
	dataDir := trainCmd.String("data", "./data/kitti/2011_09_26_drive_0001_sync", "KITTI raw drive directory")
	calib := trainCmd.String("calib", "", "calib_cam_to_cam.txt of the drive; only reported")
	epochs := trainCmd.Int("epochs", 10, "number of epochs")
	batchSize := trainCmd.Int("batch-size", 8, "pairs per batch")
	workers := trainCmd.Int("workers", 4, "image decoding workers")
	normalize := trainCmd.Bool("normalize", false, "normalize images with ImageNet statistics")
	lr := trainCmd.Float64("lr", 1e-3, "learning rate")
	beta1 := trainCmd.Float64("beta1", 0.9, "Adam beta1")
	beta2 := trainCmd.Float64("beta2", 0.999, "Adam beta2")
	seed := trainCmd.Int64("seed", 1, "random seed")
	checkpoints := trainCmd.String("checkpoints", "./checkpoints", "checkpoint directory")
	logs := trainCmd.String("logs", "./logs", "metric and figure directory")
	logEvery := trainCmd.Int("log-every", 50, "steps between throughput lines")
	figureBatch := trainCmd.Int("figure-batch", 0, "validation batch rendered every epoch")
	initWeights := trainCmd.Bool("init-weights", true, "Xavier-initialize convolutions before training")
	dryRun := trainCmd.Bool("dry-run", false, "train on synthetic batches instead of -data")
	debug := trainCmd.Bool("debug", false, "debug logging")
	model := addModelFlags(trainCmd)
	trainCmd.Parse(args)

	util.InitLogger("train", *debug)
	deviceName := selectDevice()
	device := torch.NewDevice(deviceName)
	initializer.ManualSeed(*seed)

	plotLog, err := util.InitPlotLogger(*logs, "train")
	if err != nil {
		return err
	}
	defer plotLog.Close()

	var trainSrc, valSrc data.Source
	if *dryRun {
		shape := []int64{int64(*batchSize), 3, int64(data.FinalSize.Y), int64(data.FinalSize.X)}
		trainSrc = &data.Synthetic{Shape: shape, Value: 0.5, Batches: 4}
		valSrc = &data.Synthetic{Shape: shape, Value: 0.5, Batches: 1}
	} else {
		seq, err := data.OpenSequence(*dataDir)
		if err != nil {
			return err
		}
		if *calib != "" {
			c, err := data.LoadCalibration(*calib)
			if err != nil {
				return err
			}
			util.Logger.Infof("focal %.2f px, baseline %.4f m", c.Focal(), c.Baseline())
		}
		trainIdx, valIdx, _, err := data.Split(seq.Len(), data.DefaultSplit, *seed)
		if err != nil {
			return err
		}
		opts := data.Options{
			BatchSize:  *batchSize,
			NumWorkers: *workers,
			Shuffle:    true,
			Normalize:  *normalize,
			Seed:       *seed,
		}
		trainSrc = data.NewDataset(seq, trainIdx, opts)
		opts.Shuffle = false
		valSrc = data.NewDataset(seq, valIdx, opts)
		util.Logger.Infof("%d training pairs, %d validation pairs", len(trainIdx), len(valIdx))
	}

	m := model.build(device,
		ml.OptimizerParameters{"lr": *lr, "beta1": *beta1, "beta2": *beta2},
		ml.WithResultVisualizer(visual.NewDepthVisualizer(*figureBatch)),
	)
	if *initWeights {
		m.InitWeights()
	}

	t, err := trainer.New(trainer.Config{
		Epochs:        *epochs,
		Device:        deviceName,
		CheckpointDir: *checkpoints,
		LogDir:        *logs,
		LogEvery:      *logEvery,
		Seed:          *seed,
	}, trainer.NewFileLogger(*logs, util.PlotLogger), util.Logger)
	if err != nil {
		return err
	}
	result, err := t.Fit(ctx, m, trainSrc, valSrc)
	if err != nil {
		return err
	}
	util.Logger.Infof("trained %d epochs, best epoch %d with %s %.4f",
		result.Epochs, result.BestEpoch, ml.LossKey, result.BestLoss)
	return nil
}

// frameDepth predicts the (1,H,W) depth map of a single-image batch.
func frameDepth(m *ml.UnsupervisedDepthModel, batch torch.Tensor) torch.Tensor {
	return m.Depth(batch).Squeeze(0)
}

// asBatch adds a leading batch axis to a (3,H,W) image.
func asBatch(t torch.Tensor, device torch.Device) torch.Tensor {
	batch := t.View(append([]int64{1}, t.Shape()...)...)
	return batch.To(device, batch.Dtype())
}

func infer(ctx context.Context, args []string) error {
	inferCmd := flag.NewFlagSet("infer", flag.ExitOnError)
	load := inferCmd.String("load", "./checkpoints/best.gob", "the model file")
	dataDir := inferCmd.String("data", "./data/kitti/2011_09_26_drive_0001_sync", "KITTI raw drive directory")
	out := inferCmd.String("out", "./predictions", "output directory")
	calib := inferCmd.String("calib", "", "calib_cam_to_cam.txt of the drive; required by -cloud")
	cloud := inferCmd.Bool("cloud", false, "write a PLY point cloud per frame")
	normalize := inferCmd.Bool("normalize", false, "normalize images with ImageNet statistics")
	frames := inferCmd.Int("frames", 0, "number of frame pairs to process; 0 means all")
	debug := inferCmd.Bool("debug", false, "debug logging")
	model := addModelFlags(inferCmd)
	inferCmd.Parse(args)

	util.InitLogger("infer", *debug)
	device := torch.NewDevice(selectDevice())
	defer torch.FinishGC()

	m := model.build(device, nil)
	if err := trainer.Restore(*load, m, device); err != nil {
		return err
	}
	m.Train(false)

	seq, err := data.OpenSequence(*dataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		return errors.Wrap(err, "create output dir")
	}

	var intrinsics *data.Calibration
	if *cloud {
		if *calib == "" {
			return errors.New("-cloud needs -calib")
		}
		c, err := data.LoadCalibration(*calib)
		if err != nil {
			return err
		}
		size, err := data.FrameSize(seq.Left[0])
		if err != nil {
			return err
		}
		intrinsics = c.Scale(float64(data.FinalSize.X)/float64(size.X), float64(data.FinalSize.Y)/float64(size.Y))
	}

	n := seq.Len()
	if *frames > 0 && *frames < n {
		n = *frames
	}
	traj := geometry.NewTrajectory()
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		views := seq.Frames(i)
		current, err := data.LoadImage(views[0], data.FinalSize, *normalize)
		if err != nil {
			return err
		}
		next, err := data.LoadImage(views[1], data.FinalSize, *normalize)
		if err != nil {
			return err
		}
		cur, nxt := asBatch(current, device), asBatch(next, device)

		depth := frameDepth(m, cur)
		name := fmt.Sprintf("%06d", i)
		if err := visual.SaveDepth(filepath.Join(*out, name+".png"), depth); err != nil {
			return err
		}
		if intrinsics != nil {
			if err := writeCloud(filepath.Join(*out, name+".ply"), depth, intrinsics); err != nil {
				return err
			}
		}

		rotation, translation := m.Pose(nxt, cur).Vectors(0)
		util.Debug(fmt.Sprintf("frame %d: rotation %v translation %v", i, rotation, translation))
		traj.Append(geometry.FromPose(rotation, translation))
		torch.GC()
	}

	if err := writeTrajectory(filepath.Join(*out, "trajectory.txt"), traj.Positions()); err != nil {
		return err
	}
	util.Logger.Infof("wrote %d depth maps, trajectory length %.3f", n, traj.Length())
	return nil
}

func writeCloud(path string, depth torch.Tensor, calib *data.Calibration) (err error) {
	points, err := geometry.Backproject(ml.Values(depth), int(depth.Shape()[2]), calib.Intrinsics())
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create point cloud")
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	return geometry.WritePLY(f, points)
}

func writeTrajectory(path string, positions []r3.Vector) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create trajectory")
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	for _, p := range positions {
		if _, err := fmt.Fprintf(f, "%f %f %f\n", p.X, p.Y, p.Z); err != nil {
			return errors.Wrap(err, "write trajectory")
		}
	}
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s needs subcommand train or infer\n", os.Args[0])
		os.Exit(1)
	}

	// torch.GC and torch.FinishGC must run on the same thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "train":
		err = train(ctx, os.Args[2:])
	case "infer":
		err = infer(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Usage: %s needs subcommand train or infer\n", os.Args[0])
		os.Exit(1)
	}
	if err != nil {
		util.Logger.Fatal(err)
	}
}
