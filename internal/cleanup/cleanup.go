// Package cleanup enforces the storage quota by evicting whole manga from
// the offline library until enough space is reclaimed.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"tankobon/internal/catalog"
	"tankobon/internal/config"
	"tankobon/internal/events"
	"tankobon/internal/logging"
	"tankobon/internal/storage"
)

// Eviction strategies.
const (
	StrategyOldest        = "oldest"
	StrategyLargest       = "largest"
	StrategyLeastAccessed = "least-accessed"
)

// Engine runs quota checks and evictions against the storage manager.
type Engine struct {
	cfg     *config.Config
	manager *storage.Manager
	logger  *slog.Logger
	emit    func(events.Event)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logging.WithComponent(logger, "cleanup")
		}
	}
}

// WithEmitter routes cleanup events into the given sink.
func WithEmitter(emit func(events.Event)) Option {
	return func(e *Engine) {
		if emit != nil {
			e.emit = emit
		}
	}
}

// New creates a cleanup engine.
func New(cfg *config.Config, manager *storage.Manager, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		manager: manager,
		logger:  logging.NewNop(),
		emit:    func(events.Event) {},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Report describes one cleanup run. Errors holds per-manga failures; a run
// with errors can still have freed enough space.
type Report struct {
	Strategy     string   `json:"strategy"`
	NeededBytes  int64    `json:"neededBytes"`
	FreedBytes   int64    `json:"freedBytes"`
	ItemsRemoved int      `json:"itemsRemoved"`
	Errors       []string `json:"errors,omitempty"`
}

// ShouldCleanup reports whether usage has crossed the auto-cleanup threshold.
func (e *Engine) ShouldCleanup(ctx context.Context) (bool, error) {
	if !e.cfg.Storage.AutoCleanup {
		return false, nil
	}
	maxBytes := e.manager.MaxStorageBytes()
	if maxBytes <= 0 {
		return false, nil
	}
	stats, err := e.manager.GetStorageStats(ctx)
	if err != nil {
		return false, err
	}
	threshold := float64(maxBytes) * e.cfg.Storage.CleanupThresholdPercent / 100
	return float64(stats.UsedBytes) >= threshold, nil
}

// neededBytes computes how much must be freed to get back under the quota
// with the configured headroom.
func (e *Engine) neededBytes(usedBytes int64) int64 {
	maxBytes := e.manager.MaxStorageBytes()
	targetFree := int64(e.cfg.Storage.TargetFreeGB * float64(1<<30))
	return usedBytes - (maxBytes - targetFree)
}

// PerformCleanup evicts manga per the configured strategy until the needed
// space is reclaimed. Eviction is greedy over whole manga; a manga that
// fails to delete is reported and skipped, not retried.
func (e *Engine) PerformCleanup(ctx context.Context) (*Report, error) {
	strategy := e.cfg.Storage.CleanupStrategy
	if strategy == "" {
		strategy = StrategyOldest
	}
	report := &Report{Strategy: strategy}

	maxBytes := e.manager.MaxStorageBytes()
	if maxBytes <= 0 {
		return report, nil
	}
	stats, err := e.manager.GetStorageStats(ctx)
	if err != nil {
		return nil, err
	}
	report.NeededBytes = e.neededBytes(stats.UsedBytes)
	if report.NeededBytes <= 0 {
		return report, nil
	}

	candidates, err := e.manager.GetDownloadedManga(ctx)
	if err != nil {
		return nil, err
	}
	e.sortCandidates(candidates, strategy)

	for _, manga := range candidates {
		if report.FreedBytes >= report.NeededBytes {
			break
		}
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		size := manga.TotalSizeBytes
		if err := e.manager.DeleteManga(ctx, manga.MangaID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", manga.MangaID, err))
			e.logger.Warn("eviction failed",
				logging.String(logging.FieldMangaID, manga.MangaID), logging.Error(err))
			continue
		}
		report.FreedBytes += size
		report.ItemsRemoved++
		e.logger.Info("manga evicted",
			logging.String(logging.FieldMangaID, manga.MangaID),
			logging.Int64("bytes", size),
			logging.String("strategy", strategy))
	}

	e.manager.Metrics().CleanupPerformed(report.FreedBytes)
	e.emit(events.Event{
		Kind:       events.KindCleanupPerformed,
		FreedBytes: report.FreedBytes,
		ItemsFreed: report.ItemsRemoved,
	})
	return report, nil
}

// RunIfNeeded checks the threshold and performs a cleanup when crossed.
func (e *Engine) RunIfNeeded(ctx context.Context) (*Report, error) {
	needed, err := e.ShouldCleanup(ctx)
	if err != nil {
		return nil, err
	}
	if !needed {
		return nil, nil
	}
	return e.PerformCleanup(ctx)
}

func (e *Engine) sortCandidates(candidates []*catalog.Manga, strategy string) {
	switch strategy {
	case StrategyLargest:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].TotalSizeBytes > candidates[j].TotalSizeBytes
		})
	case StrategyLeastAccessed:
		accessed := make(map[string]time.Time, len(candidates))
		for _, manga := range candidates {
			accessed[manga.MangaID] = e.lastAccess(manga)
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return accessed[candidates[i].MangaID].Before(accessed[candidates[j].MangaID])
		})
	default:
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].DownloadedAt.Before(candidates[j].DownloadedAt)
		})
	}
}

// lastAccess reads the access time of the manga directory. Readers open page
// files under it, so the directory atime tracks when the manga was last
// opened. A manga whose directory cannot be read falls back to the catalog
// row's update time.
func (e *Engine) lastAccess(manga *catalog.Manga) time.Time {
	var st unix.Stat_t
	if err := unix.Stat(e.manager.MangaDir(manga.Slug), &st); err != nil {
		return manga.LastUpdatedAt
	}
	return time.Unix(st.Atim.Sec, st.Atim.Nsec)
}
