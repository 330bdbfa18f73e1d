// Package config loads, normalizes, and validates the TOML configuration
// shared by the tankobon CLI and the tankobond worker daemon.
package config
