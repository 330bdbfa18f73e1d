// Package testsupport provides shared constructors for package tests: temp
// configs, catalog stores, and canned provider data.
package testsupport

import (
	"path/filepath"
	"testing"

	"tankobon/internal/catalog"
	"tankobon/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "library")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Extension.ID = "test-ext"
	cfg.Worker.PollIntervalMS = 10
	cfg.Sync.BatchDelayMS = 1

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// WithConcurrency overrides the worker page-fetch concurrency.
func WithConcurrency(n int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Worker.Concurrency = n
	}
}

// WithStorage overrides the storage quota settings.
func WithStorage(storage config.Storage) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Storage = storage
	}
}

// MustOpenStore opens a catalog store for the config and closes it with the test.
func MustOpenStore(t testing.TB, cfg *config.Config) *catalog.Store {
	t.Helper()

	store, err := catalog.Open(cfg.CatalogDBPath())
	if err != nil {
		t.Fatalf("open catalog store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
