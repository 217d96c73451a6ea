package trainer

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"depthpose/ml"

	"github.com/pkg/errors"
)

// FileLogger writes metric lines to a plot logger and figures as
// <channel>_<step>.png under dir.
type FileLogger struct {
	dir  string
	plot *log.Logger
	mu   sync.Mutex
}

var _ ml.Logger = (*FileLogger)(nil)

func NewFileLogger(dir string, plot *log.Logger) *FileLogger {
	return &FileLogger{dir: dir, plot: plot}
}

// LogMetrics writes one line: the step followed by name=value pairs sorted by
// name.
func (l *FileLogger) LogMetrics(values map[string]float64, step int) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "step=%d", step)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%.6f", name, values[name])
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.plot.Output(2, b.String())
}

func (l *FileLogger) LogFigure(channel string, figure ml.Figure, step int) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return errors.Wrap(err, "create figure dir")
	}
	path := filepath.Join(l.dir, fmt.Sprintf("%s_%d.png", channel, step))
	return errors.Wrapf(figure.Save(path), "save figure %s", channel)
}
