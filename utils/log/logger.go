// Package log builds the zap logger used by the binary.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console logger at info level, colored per level.
func New() (*zap.Logger, error) {
	return build(zapcore.InfoLevel)
}

// NewDebug returns a console logger that also emits debug records.
func NewDebug() (*zap.Logger, error) {
	return build(zapcore.DebugLevel)
}

func build(level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.DisableStacktrace = level != zapcore.DebugLevel
	return cfg.Build()
}
