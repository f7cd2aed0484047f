// Package logger builds the logr.Logger used throughout protosup.
package logger

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var levelStrings = map[string]zapcore.Level{
	"debug": zap.DebugLevel,
	"info":  zap.InfoLevel,
	"error": zap.ErrorLevel,
}

// ParseLevel converts a level name into a zap level.
// An empty name selects info.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zap.InfoLevel, nil
	}
	level, ok := levelStrings[strings.ToLower(name)]
	if !ok {
		return zap.InfoLevel, fmt.Errorf("unknown log level %q (expected debug, info or error)", name)
	}
	return level, nil
}

// New creates a console logger writing to stderr at the given level,
// returning the logger and a flush function.
//
// At debug level logr V(1) messages are enabled.
func New(level string) (logr.Logger, func(), error) {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return logr.Discard(), func() {}, err
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	zapLogger, err := cfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("build logger: %w", err)
	}

	flush := func() {
		_ = zapLogger.Sync() // Best effort
	}
	return zapr.NewLogger(zapLogger), flush, nil
}

// Warn logs msg as a warning. logr has no warning level, so warnings are
// V(0) info messages tagged with "warning"=true.
func Warn(log logr.Logger, msg string, keysAndValues ...any) {
	log.Info(msg, append([]any{"warning", true}, keysAndValues...)...)
}
