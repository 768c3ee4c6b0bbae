// Package logging provides a package-level, printf-style logging facade
// backed by go.uber.org/zap (logging.Info("...", args...)).
package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.RWMutex
	sugar  *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	sugar = l.Sugar()
}

// SetLogger replaces the underlying zap logger, e.g. with a development
// config for CLI use.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	sugar = l.Sugar()
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Debug(format string, args ...interface{}) { current().Debugf(format, args...) }
func Info(format string, args ...interface{})  { current().Infof(format, args...) }
func Warn(format string, args ...interface{})  { current().Warnf(format, args...) }
func Error(format string, args ...interface{}) { current().Errorf(format, args...) }

// Sync flushes any buffered log entries. Callers should defer it in main.
func Sync() error {
	return current().Sync()
}
