// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls logger construction.
type Options struct {
	Development bool
	// File, when set, additionally writes JSON logs to a size-rotated file.
	File string
	// MaxSizeMB is the rotation threshold for File. Zero means 200.
	MaxSizeMB int
}

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// NewWithOptions builds a logger and, when a log file is configured, tees
// console output with a lumberjack-rotated JSON file. The returned closer
// flushes and closes the file; it is a no-op without one.
func NewWithOptions(opts Options) (*zap.Logger, io.Closer, error) {
	base, err := New(opts.Development)
	if err != nil {
		return nil, nil, err
	}
	if opts.File == "" {
		return base, nopCloser{}, nil
	}

	rotator := fileRotator(opts)
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zapcore.InfoLevel
	if opts.Development {
		level = zapcore.DebugLevel
	}
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level)
	logger := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	return logger, rotator, nil
}

func fileRotator(opts Options) *lumberjack.Logger {
	size := opts.MaxSizeMB
	if size <= 0 {
		size = 200
	}
	return &lumberjack.Logger{
		Filename:  opts.File,
		MaxSize:   size,
		LocalTime: true,
		Compress:  true,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Stderr is the fallback sink used when logger construction fails early.
func Stderr() *zap.Logger {
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	))
}
