// Package logging constructs the process-wide structured logger every
// dispatch driver threads through its constructor, the way the teacher
// threads *core.Runner and trace.Sink through dag.Executor.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger at the given level ("debug", "info", "warn", "error").
func New(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// Submission returns a child logger annotated with the submission field
// every driver log line carries.
func Submission(log *zap.Logger, sid string) *zap.Logger {
	return log.With(zap.String("sid", sid))
}

// File returns a child logger annotated with submission and file fields.
func File(log *zap.Logger, sid, fileHash, fileType string) *zap.Logger {
	return log.With(zap.String("sid", sid), zap.String("file_hash", fileHash), zap.String("file_type", fileType))
}

// Service returns a child logger additionally annotated with the service name.
func Service(log *zap.Logger, sid, fileHash, service string) *zap.Logger {
	return log.With(zap.String("sid", sid), zap.String("file_hash", fileHash), zap.String("service_name", service))
}
