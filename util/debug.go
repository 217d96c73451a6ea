package util

import (
	"github.com/edaniels/golog"
)

// Logger is the process logger. It is replaced by InitLogger.
var Logger golog.Logger = golog.NewDevelopmentLogger("depthpose")

var debug bool = true

// InitLogger names the process logger. Debug output is kept only when debug
// is set.
func InitLogger(name string, debugMode bool) {
	debug = debugMode
	if debug {
		Logger = golog.NewDevelopmentLogger(name)
	} else {
		Logger = golog.NewLogger(name)
	}
}

func Debug[T any](s T) {
	if debug {
		Logger.Debug(s)
	}
}
