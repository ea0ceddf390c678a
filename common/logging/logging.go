// Package logging provides named, chainable structured loggers shared
// by every component that performs I/O or runs a background loop.
package logging

import (
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Logger is a named structured logger. It is a thin wrapper around
// hclog.Logger so call sites read as logger.With("k", v).Error("msg", "k", v)
// regardless of which concrete logging library backs it.
type Logger struct {
	hclog.Logger
}

// With returns a derived Logger carrying the given structured fields.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{l.Logger.With(keyvals...)}
}

var (
	rootOnce sync.Once
	root     hclog.Logger
)

func rootLogger() hclog.Logger {
	rootOnce.Do(func() {
		root = hclog.New(&hclog.LoggerOptions{
			Name:            "rowsync",
			Level:           levelFromEnv(),
			Output:          os.Stderr,
			IncludeLocation: false,
		})
	})
	return root
}

func levelFromEnv() hclog.Level {
	if lvl := os.Getenv("ROWSYNC_LOG_LEVEL"); lvl != "" {
		return hclog.LevelFromString(lvl)
	}
	return hclog.Info
}

// GetLogger returns a named child of the process-wide root logger.
func GetLogger(name string) *Logger {
	return &Logger{rootLogger().Named(name)}
}

// SetLevel adjusts the process-wide root logger's level, primarily for
// tests that want to silence or amplify output.
func SetLevel(level string) {
	rootLogger().SetLevel(hclog.LevelFromString(level))
}
