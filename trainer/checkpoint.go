package trainer

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
)

// Checkpoint file names inside Config.CheckpointDir.
const (
	BestCheckpoint = "best.gob"
	LastCheckpoint = "last.gob"
)

const checkpointRetries = 3

// SaveCheckpoint gob-encodes a CPU copy of states to path. The file is written
// next to path and renamed into place, retrying transient failures.
func SaveCheckpoint(path string, states map[string]torch.Tensor) error {
	cpu := torch.NewDevice("cpu")
	host := make(map[string]torch.Tensor, len(states))
	for name, t := range states {
		host[name] = t.To(cpu, t.Dtype())
	}

	write := func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		f, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*")
		if err != nil {
			return err
		}
		if err := gob.NewEncoder(f).Encode(host); err != nil {
			f.Close()
			os.Remove(f.Name())
			return backoff.Permanent(errors.Wrap(err, "encode checkpoint"))
		}
		if err := f.Close(); err != nil {
			os.Remove(f.Name())
			return err
		}
		return os.Rename(f.Name(), path)
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), checkpointRetries)
	return errors.Wrapf(backoff.Retry(write, policy), "save checkpoint %s", path)
}

// LoadCheckpoint decodes a state dict written by SaveCheckpoint.
func LoadCheckpoint(path string) (map[string]torch.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()

	states := make(map[string]torch.Tensor)
	if err := gob.NewDecoder(f).Decode(&states); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	return states, nil
}

// StateLoader accepts a state dict produced by a Module.
type StateLoader interface {
	SetStateDict(states map[string]torch.Tensor, device torch.Device) error
}

// Restore loads the checkpoint at path into module on device.
func Restore(path string, module StateLoader, device torch.Device) error {
	states, err := LoadCheckpoint(path)
	if err != nil {
		return err
	}
	return errors.Wrapf(module.SetStateDict(states, device), "restore %s", path)
}
