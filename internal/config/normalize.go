package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeExtension()
	c.normalizeWorker()
	c.normalizeStorage()
	c.normalizeSync()
	c.normalizeIPC()
	c.normalizeProviderCache()
	c.normalizeEvents()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeExtension() {
	c.Extension.ID = strings.TrimSpace(c.Extension.ID)
	c.Extension.Path = strings.TrimSpace(c.Extension.Path)
	c.Extension.BaseURL = strings.TrimRight(strings.TrimSpace(c.Extension.BaseURL), "/")
	if c.Extension.BaseURL == "" {
		c.Extension.BaseURL = defaultExtensionBaseURL
	}
	if c.Extension.RequestTimeout <= 0 {
		c.Extension.RequestTimeout = defaultExtensionRequestTimeout
	}
}

func (c *Config) normalizeWorker() {
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = defaultWorkerConcurrency
	}
	if c.Worker.PollIntervalMS <= 0 {
		c.Worker.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Worker.FrozenZeroProgressSecs <= 0 {
		c.Worker.FrozenZeroProgressSecs = defaultFrozenZeroProgressSecs
	}
	if c.Worker.FrozenStalledSecs <= 0 {
		c.Worker.FrozenStalledSecs = defaultFrozenStalledSecs
	}
	if c.Worker.FrozenMinProgressPercent <= 0 {
		c.Worker.FrozenMinProgressPercent = defaultFrozenMinProgressPct
	}
}

func (c *Config) normalizeStorage() {
	if c.Storage.MaxStorageGB <= 0 {
		c.Storage.MaxStorageGB = defaultMaxStorageGB
	}
	c.Storage.CleanupStrategy = strings.ToLower(strings.TrimSpace(c.Storage.CleanupStrategy))
	if c.Storage.CleanupStrategy == "" {
		c.Storage.CleanupStrategy = defaultCleanupStrategy
	}
	if c.Storage.CleanupThresholdPercent <= 0 || c.Storage.CleanupThresholdPercent > 100 {
		c.Storage.CleanupThresholdPercent = defaultCleanupThresholdPct
	}
	if c.Storage.TargetFreeGB <= 0 {
		c.Storage.TargetFreeGB = defaultTargetFreeGB
	}
}

func (c *Config) normalizeSync() {
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = defaultSyncBatchSize
	}
	if c.Sync.BatchDelayMS < 0 {
		c.Sync.BatchDelayMS = defaultSyncBatchDelayMS
	}
	if c.Sync.StaleAfterHours <= 0 {
		c.Sync.StaleAfterHours = defaultSyncStaleAfterHours
	}
}

func (c *Config) normalizeIPC() {
	c.IPC.Socket = strings.TrimSpace(c.IPC.Socket)
	if c.IPC.StartTimeoutSecs <= 0 {
		c.IPC.StartTimeoutSecs = defaultStartTimeoutSecs
	}
	if c.IPC.StopTimeoutSecs <= 0 {
		c.IPC.StopTimeoutSecs = defaultStopTimeoutSecs
	}
	if c.IPC.QueryTimeoutSecs <= 0 {
		c.IPC.QueryTimeoutSecs = defaultQueryTimeoutSecs
	}
	if c.IPC.ReadyTimeoutSecs <= 0 {
		c.IPC.ReadyTimeoutSecs = defaultReadyTimeoutSecs
	}
}

func (c *Config) normalizeProviderCache() {
	if c.ProviderCache.TTLSecs <= 0 {
		c.ProviderCache.TTLSecs = defaultProviderCacheTTLSecs
	}
	if c.ProviderCache.MaxEntries <= 0 {
		c.ProviderCache.MaxEntries = defaultProviderCacheEntries
	}
}

func (c *Config) normalizeEvents() {
	if c.Events.FlushWindowMS <= 0 {
		c.Events.FlushWindowMS = defaultEventFlushWindowMS
	}
	if c.Events.MaxBuffered <= 0 {
		c.Events.MaxBuffered = defaultEventMaxBuffered
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
