package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the process logger: console output for a terminal, JSON
// lines otherwise (launcher-captured stdout/stderr). Every line carries the
// rank so interleaved output from many processes stays readable.
func newLogger(level string, rank int) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log-level %q: %w", level, err)
	}
	var cfg zap.Config
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	if rank >= 0 {
		logger = logger.With(zap.Int("rank", rank))
	}
	return logger, nil
}

// initLogger installs the global logger and returns it. Setup failures fall
// back to a production logger so the caller can still report them.
func initLogger(level string, rank int) *zap.Logger {
	logger, err := newLogger(level, rank)
	if err != nil {
		logger = zap.Must(zap.NewProduction())
		logger.Warn("falling back to default logger", zap.Error(err))
	}
	zap.ReplaceGlobals(logger)
	return logger
}
