// Package observability provides logging, metrics, tracing and resource
// monitoring for the conversion engine. External callers construct a logger
// once and pass it into the orchestrator; there is no global logging setup
// hidden inside the engine.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig controls logger construction.
type LoggingConfig struct {
	// Level is a zap level name: debug, info, warn, error
	Level string
	// Development switches to console encoding with stack traces
	Development bool
}

// NewLogger builds a structured logger in the engine's house format.
func NewLogger(config LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	encoding := "json"
	if config.Development {
		encoding = "console"
	}

	logConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: config.Development,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := logConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// SessionLogger scopes a logger to one session conversion.
func SessionLogger(logger *zap.Logger, sessionID string) *zap.Logger {
	return logger.With(zap.String("session", sessionID))
}
