// Package logging builds the process logger: a zap core exposed through
// the standard *slog.Logger API.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Options selects level and encoding
type Options struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json or console
	Output io.Writer
}

// Logger is an slog logger backed by a zap core
type Logger struct {
	*slog.Logger
	core zapcore.Core
}

// New builds a Logger. Unknown levels or formats are rejected.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", FormatJSON:
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "time"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	case FormatConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), zap.NewAtomicLevelAt(level))
	return &Logger{
		Logger: slog.New(zapslog.NewHandler(core)),
		core:   core,
	}, nil
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return level, fmt.Errorf("logging: unknown level %q", name)
	}
	return level, nil
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	return l.core.Sync()
}
