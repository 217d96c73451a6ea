package trainer

import (
	"strings"

	"github.com/pkg/errors"
)

// DefaultDevice is used when Config.Device is empty.
const DefaultDevice = "cpu"

// Config captures the runtime knobs of a fit.
type Config struct {
	Epochs        int
	// Device names where batches are moved: "cpu", "cuda" or "cuda:N".
	Device        string
	CheckpointDir string
	LogDir        string
	LogEvery      int
	// LimitTrainBatches and LimitValBatches cap the batches per epoch; zero
	// means the whole source.
	LimitTrainBatches int
	LimitValBatches   int
	Seed              int64
}

// Validate verifies the config is runnable and fills defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.CheckpointDir == "" {
		return errors.New("checkpoint dir must be set")
	}
	if c.LogDir == "" {
		return errors.New("log dir must be set")
	}
	if c.LimitTrainBatches < 0 || c.LimitValBatches < 0 {
		return errors.Errorf("batch limits must be >= 0 (got %d, %d)", c.LimitTrainBatches, c.LimitValBatches)
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.Device != "cpu" && c.Device != "cuda" && !strings.HasPrefix(c.Device, "cuda:") {
		return errors.Errorf("unknown device %q", c.Device)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	return nil
}
