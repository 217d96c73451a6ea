package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"depthpose/criterion"
	"depthpose/data"
	"depthpose/ml"
	"depthpose/nets"
	"depthpose/visual"

	torch "github.com/wangkuiyi/gotorch"
	"gonum.org/v1/gonum/mat"
)

func TestFrameDepthSavesMapAndCloud(t *testing.T) {
	cpu := torch.NewDevice("cpu")
	m := ml.NewUnsupervisedDepthModel(
		nets.NewPoseNet(cpu),
		nets.NewDepthNet(cpu),
		criterion.NewConsistency(1, 1, 0.1),
		nil,
		ml.WithDevice(cpu),
	)
	m.Train(false)

	frame := asBatch(torch.Full([]int64{3, 16, 32}, 0.5, false), cpu)
	depth := frameDepth(m, frame)
	if got, want := depth.Shape(), []int64{1, 16, 32}; !reflect.DeepEqual(got, want) {
		t.Fatalf("depth shape = %v, want %v", got, want)
	}

	dir := t.TempDir()
	png := filepath.Join(dir, "000000.png")
	if err := visual.SaveDepth(png, depth); err != nil {
		t.Fatalf("SaveDepth: %v", err)
	}
	if info, err := os.Stat(png); err != nil || info.Size() == 0 {
		t.Fatalf("depth map not written: %v", err)
	}

	calib := &data.Calibration{
		Left: mat.NewDense(3, 4, []float64{
			20, 0, 16, 0,
			0, 20, 8, 0,
			0, 0, 1, 0,
		}),
	}
	ply := filepath.Join(dir, "000000.ply")
	if err := writeCloud(ply, depth, calib); err != nil {
		t.Fatalf("writeCloud: %v", err)
	}
	raw, err := os.ReadFile(ply)
	if err != nil {
		t.Fatalf("read cloud: %v", err)
	}
	if !strings.Contains(string(raw), "element vertex 512") {
		t.Fatalf("cloud header does not hold 16x32 points:\n%.200s", raw)
	}
}
