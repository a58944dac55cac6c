package logger

import (
	"os"
	"sync/atomic"
)

var defLogger atomic.Pointer[Logger]

func init() {
	SetDefault(NewSlog(os.Stdout, InfoLevel, false))
}

// SetDefault replaces the process-wide logger returned by GetLogger.
// Components capture the logger when they are created, so main should call it first.
func SetDefault(l Logger) {
	if l != nil {
		defLogger.Store(&l)
	}
}

// GetLogger returns the process-wide logger.
func GetLogger() Logger {
	return *defLogger.Load()
}
