// Package logging builds slog loggers with the console and JSON handlers
// used across the daemon, plus the attr helpers shared by all components.
package logging
