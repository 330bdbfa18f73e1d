package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration for the worker daemon.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Extension identifies the content-source extension the worker loads and the
// gateway it resolves manga details and chapter pages through.
type Extension struct {
	ID             string `toml:"id"`
	Path           string `toml:"path"`
	BaseURL        string `toml:"base_url"`
	RequestTimeout int    `toml:"request_timeout"`
}

// Worker contains download worker tuning.
type Worker struct {
	Concurrency    int `toml:"concurrency"`
	PollIntervalMS int `toml:"poll_interval_ms"`

	// Frozen-download policy thresholds. Operator-tunable constants, not
	// derived from observed throughput.
	FrozenZeroProgressSecs   int `toml:"frozen_zero_progress_secs"`
	FrozenStalledSecs        int `toml:"frozen_stalled_secs"`
	FrozenMinProgressPercent int `toml:"frozen_min_progress_percent"`
}

// Storage contains quota and eviction configuration.
type Storage struct {
	MaxStorageGB            float64 `toml:"max_storage_gb"`
	AutoCleanup             bool    `toml:"auto_cleanup"`
	CleanupStrategy         string  `toml:"cleanup_strategy"`
	CleanupThresholdPercent float64 `toml:"cleanup_threshold_percent"`
	TargetFreeGB            float64 `toml:"target_free_gb"`
}

// Sync contains background metadata sync rate limiting.
type Sync struct {
	BatchSize       int `toml:"batch_size"`
	BatchDelayMS    int `toml:"batch_delay_ms"`
	StaleAfterHours int `toml:"stale_after_hours"`
}

// IPC contains socket location and controller-side phase timeouts.
type IPC struct {
	Socket           string `toml:"socket"`
	StartTimeoutSecs int    `toml:"start_timeout_secs"`
	StopTimeoutSecs  int    `toml:"stop_timeout_secs"`
	QueryTimeoutSecs int    `toml:"query_timeout_secs"`
	ReadyTimeoutSecs int    `toml:"ready_timeout_secs"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// ProviderCache contains TTL cache settings for content-provider responses.
type ProviderCache struct {
	TTLSecs    int `toml:"ttl_secs"`
	MaxEntries int `toml:"max_entries"`
}

// Events contains event coalescing tuning.
type Events struct {
	FlushWindowMS int `toml:"flush_window_ms"`
	MaxBuffered   int `toml:"max_buffered"`
}

// Config encapsulates all configuration values for tankobon.
//
// Configuration sections by subsystem:
//   - Paths: offline library root and log directory
//   - Extension: content source identity and gateway connection
//   - Worker: download concurrency, queue polling, frozen-download policy
//   - Storage: quota, auto-cleanup toggle, eviction strategy
//   - Sync: background metadata refresh rate limiting
//   - IPC: control socket and per-phase timeouts
//   - ProviderCache: TTL cache over content-provider responses
//   - Events: coalescer flush window and buffer cap
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Extension     Extension     `toml:"extension"`
	Worker        Worker        `toml:"worker"`
	Storage       Storage       `toml:"storage"`
	Sync          Sync          `toml:"sync"`
	IPC           IPC           `toml:"ipc"`
	ProviderCache ProviderCache `toml:"provider_cache"`
	Events        Events        `toml:"events"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/tankobon/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("tankobon.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// CatalogDBPath returns the location of the SQLite catalog database.
func (c *Config) CatalogDBPath() string {
	return filepath.Join(c.Paths.DataDir, "catalog.db")
}

// SocketPath returns the IPC socket location, defaulting into the data dir.
func (c *Config) SocketPath() string {
	if strings.TrimSpace(c.IPC.Socket) != "" {
		return c.IPC.Socket
	}
	return filepath.Join(c.Paths.DataDir, "tankobond.sock")
}

// PollInterval returns the worker queue polling interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMS) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
