// Package logging builds the engine's zap logger and keeps sensitive record
// values out of log output.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New returns a logger appropriate for the environment: development encoding
// for "local", production JSON otherwise.
func New(env string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "local" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}
