// Package logging builds the zap loggers shared by the api and worker binaries.
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New returns a production JSON logger for prod-like environments and a
// development console logger otherwise.
func New(env string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	switch env {
	case "prod", "production", "staging":
		logger, err = zap.NewProduction()
	default:
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}
