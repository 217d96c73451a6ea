package util

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

var PlotLogger *log.Logger = log.New(io.Discard, "", 0)

// NewPlotLogger opens dir/plot_logs_<tag>.txt for metric lines. The caller
// closes the returned file.
func NewPlotLogger(dir, tag string) (*log.Logger, io.Closer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "create log dir")
	}
	fname := filepath.Join(dir, fmt.Sprintf("plot_logs_%s.txt", tag))
	file, err := os.Create(fname)
	if err != nil {
		return nil, nil, errors.Wrap(err, "create plot log")
	}
	prefix := fmt.Sprintf("plot_logs_%s: ", tag)
	return log.New(file, prefix, 0), file, nil
}

// InitPlotLogger points PlotLogger at a fresh per-run file.
func InitPlotLogger(dir, tag string) (io.Closer, error) {
	logger, closer, err := NewPlotLogger(dir, tag)
	if err != nil {
		return nil, err
	}
	PlotLogger = logger
	return closer, nil
}
