package config

const (
	defaultDataDir                 = "~/.local/share/tankobon/library"
	defaultLogDir                  = "~/.local/share/tankobon/logs"
	defaultExtensionBaseURL        = "http://127.0.0.1:7850"
	defaultExtensionRequestTimeout = 30
	defaultWorkerConcurrency       = 3
	defaultPollIntervalMS          = 1000
	defaultFrozenZeroProgressSecs  = 30
	defaultFrozenStalledSecs       = 120
	defaultFrozenMinProgressPct    = 10
	defaultMaxStorageGB            = 10.0
	defaultCleanupStrategy         = "oldest"
	defaultCleanupThresholdPct     = 90.0
	defaultTargetFreeGB            = 1.0
	defaultSyncBatchSize           = 3
	defaultSyncBatchDelayMS        = 500
	defaultSyncStaleAfterHours     = 24
	defaultStartTimeoutSecs        = 10
	defaultStopTimeoutSecs         = 5
	defaultQueryTimeoutSecs        = 5
	defaultReadyTimeoutSecs        = 15
	defaultProviderCacheTTLSecs    = 300
	defaultProviderCacheEntries    = 256
	defaultEventFlushWindowMS      = 500
	defaultEventMaxBuffered        = 50
	defaultLogFormat               = "console"
	defaultLogLevel                = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
		},
		Extension: Extension{
			BaseURL:        defaultExtensionBaseURL,
			RequestTimeout: defaultExtensionRequestTimeout,
		},
		Worker: Worker{
			Concurrency:              defaultWorkerConcurrency,
			PollIntervalMS:           defaultPollIntervalMS,
			FrozenZeroProgressSecs:   defaultFrozenZeroProgressSecs,
			FrozenStalledSecs:        defaultFrozenStalledSecs,
			FrozenMinProgressPercent: defaultFrozenMinProgressPct,
		},
		Storage: Storage{
			MaxStorageGB:            defaultMaxStorageGB,
			AutoCleanup:             false,
			CleanupStrategy:         defaultCleanupStrategy,
			CleanupThresholdPercent: defaultCleanupThresholdPct,
			TargetFreeGB:            defaultTargetFreeGB,
		},
		Sync: Sync{
			BatchSize:       defaultSyncBatchSize,
			BatchDelayMS:    defaultSyncBatchDelayMS,
			StaleAfterHours: defaultSyncStaleAfterHours,
		},
		IPC: IPC{
			StartTimeoutSecs: defaultStartTimeoutSecs,
			StopTimeoutSecs:  defaultStopTimeoutSecs,
			QueryTimeoutSecs: defaultQueryTimeoutSecs,
			ReadyTimeoutSecs: defaultReadyTimeoutSecs,
		},
		ProviderCache: ProviderCache{
			TTLSecs:    defaultProviderCacheTTLSecs,
			MaxEntries: defaultProviderCacheEntries,
		},
		Events: Events{
			FlushWindowMS: defaultEventFlushWindowMS,
			MaxBuffered:   defaultEventMaxBuffered,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
