// Package logging provides the structured logger shared by Rhizo's core
// components. It wraps zap so the transaction manager's commit, abort, and
// recovery diagnostics carry structured fields instead of formatted strings.
package logging

import "go.uber.org/zap"

// New returns a production zap.Logger. Callers that need test-friendly
// output should use Nop or NewDevelopment instead.
func New() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		// zap.NewProduction only fails on a broken encoder config, which
		// never happens with the default config used here.
		panic(err)
	}
	return logger
}

// NewDevelopment returns a human-readable logger suitable for the CLI.
func NewDevelopment() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return logger
}

// Nop returns a logger that discards everything, used as the default in
// tests and in components constructed without an explicit logger.
func Nop() *zap.Logger {
	return zap.NewNop()
}
