package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidStrategies enumerates the supported eviction strategies.
var ValidStrategies = []string{"oldest", "largest", "least-accessed"}

// Validate checks configuration invariants that normalization cannot repair.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Extension.ID) == "" {
		problems = append(problems, "extension.id must be set")
	}
	if !validStrategy(c.Storage.CleanupStrategy) {
		problems = append(problems, fmt.Sprintf(
			"storage.cleanup_strategy %q is not one of %s",
			c.Storage.CleanupStrategy, strings.Join(ValidStrategies, ", ")))
	}
	if c.Storage.TargetFreeGB >= c.Storage.MaxStorageGB {
		problems = append(problems, "storage.target_free_gb must be smaller than storage.max_storage_gb")
	}
	if c.Worker.FrozenMinProgressPercent >= 100 {
		problems = append(problems, "worker.frozen_min_progress_percent must be below 100")
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

func validStrategy(strategy string) bool {
	for _, known := range ValidStrategies {
		if strategy == known {
			return true
		}
	}
	return false
}
