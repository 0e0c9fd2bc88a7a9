package utils

import (
	"fmt"

	"go.uber.org/zap"
)

// NewSugaredLogger creates a sugared logger named after the process
// identity. Verbose selects the development config (debug level, console
// encoding), otherwise the production config is used.
func NewSugaredLogger(identity string, verbose bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if verbose {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if identity != "" {
		l = l.Named(identity)
	}
	return l.Sugar(), nil
}
