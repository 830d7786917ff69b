package logging

import (
	"github.com/canopy-network/chainfeed/pkg/utils"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options overrides LOG_LEVEL and LOG_ENCODING. Zero values fall back to the
// environment.
type Options struct {
	Level    string
	Encoding string
	// Stderr sends every log line to stderr, for commands whose stdout is data.
	Stderr bool
}

func New() (*zap.Logger, error) {
	return NewWithOptions(Options{})
}

func NewWithOptions(opts Options) (*zap.Logger, error) {
	level := opts.Level
	if level == "" {
		level = utils.Env("LOG_LEVEL", "info")
	}
	encoding := opts.Encoding
	if encoding == "" {
		encoding = utils.Env("LOG_ENCODING", "json")
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = encoding
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.Development = true
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg.OutputPaths = []string{"stdout"}
	if opts.Stderr {
		cfg.OutputPaths = []string{"stderr"}
	}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if encoding == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return l, nil
}
