// Package logging builds the zap.Logger used across the server and client
// binaries. Structured logging is carried as an ambient concern even
// though spec.md's Non-goals exclude an observability surface; grounded in
// go.uber.org/zap as declared in the sibling orchestrator package
// (_examples/e2b-dev-infra/packages/orchestrator/go.mod) and in that
// package's zap.NewDevelopmentConfig()+AddStacktrace usage for debug runs.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New builds a production-shaped JSON logger, or — when debug is true — a
// human-readable development logger with stack traces attached to every
// Error-level (and above) entry.
func New(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		logger, err := cfg.Build(zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			return nil, fmt.Errorf("logging: build development logger: %w", err)
		}
		return logger, nil
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logging: build production logger: %w", err)
	}
	return logger, nil
}
