// Package logging builds the zap loggers used across peerchat.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a console-encoded logger writing to w at the given level.
func New(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(zapcore.AddSync(w)),
		lvl,
	)
	return zap.New(core), nil
}

// NewFile returns a logger appending to path, creating parent directories.
// The returned close function flushes the logger and closes the file.
func NewFile(level, path string) (*zap.Logger, func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	log, err := New(level, f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	closeFn := func() error {
		_ = log.Sync()
		return f.Close()
	}
	return log, closeFn, nil
}
