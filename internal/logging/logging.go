// Package logging builds the process-wide structured logger, grounded on
// the-mhdi-eSIaaS's zap.Logger usage (core/node/node.go, cmd/providerd/main.go)
// and its config-driven level ("cfg.Node.LogLevel" fed through a logger.New
// constructor in that repo's pkg/logger package).
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger at the given level ("debug", "info", "warn",
// "error"). It uses zap's production JSON encoder config, matching the
// structured-field style the-mhdi-eSIaaS uses throughout (zap.String,
// zap.Error) — this proxy's core only ever sees the Sugar() view of it
// through internal/obs.Logger, but the process-level logger built here
// stays the typed *zap.Logger idiom the pack's own examples use.
func New(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: building zap logger: %w", err)
	}
	return logger, nil
}
