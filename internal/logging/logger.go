// Package logging builds the zap loggers used by every crawler process.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options shape a process logger.
type Options struct {
	// Development selects the colored console encoder and debug level.
	Development bool
	// Role and NodeID are attached to every entry when set.
	Role   string
	NodeID string
}

// New builds a zap.Logger configured for development or production.
func New(opts Options) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.DisableStacktrace = !opts.Development

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	var fields []zap.Field
	if opts.Role != "" {
		fields = append(fields, zap.String("role", opts.Role))
	}
	if opts.NodeID != "" {
		fields = append(fields, zap.String("node", opts.NodeID))
	}
	return logger.With(fields...), nil
}
