package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// callerHook rewrites the caller logrus reports. The wrapper methods on Log
// and Entry add stack frames, so without this every line would point at this
// package instead of the real call site.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire walks the stack past logrus and this package and pins the first
// foreign frame as the entry's caller.
func (h *callerHook) Fire(entry *logrus.Entry) error {
	// Depth 6 skips runtime.Callers, Fire itself and the logrus fire path.
	pcs := make([]uintptr, 16)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.PC != 0 && !loggingFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func loggingFrame(fn string) bool {
	return strings.Contains(fn, "sirupsen/logrus") || strings.Contains(fn, "bookflow/logger")
}
