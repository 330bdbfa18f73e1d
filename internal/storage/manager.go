// Package storage is the offline library manager. It owns the on-disk layout,
// the JSON sidecars, the catalog rows that describe downloaded content, and
// the download queue operations exposed over IPC.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"tankobon/internal/catalog"
	"tankobon/internal/config"
	"tankobon/internal/events"
	"tankobon/internal/fetcher"
	"tankobon/internal/logging"
	"tankobon/internal/metrics"
	"tankobon/internal/provider"
	"tankobon/internal/textutil"
)

// Manager coordinates catalog rows, sidecar files, and page directories.
type Manager struct {
	cfg      *config.Config
	store    *catalog.Store
	provider provider.Provider
	fetch    *fetcher.Fetcher
	logger   *slog.Logger
	emit     func(events.Event)
	registry *metrics.Registry
}

// mangaInvalidator is implemented by the caching provider wrapper.
type mangaInvalidator interface {
	InvalidateManga(extensionID, mangaID string)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logging.WithComponent(logger, "storage")
		}
	}
}

// WithEmitter routes manager events into the given sink.
func WithEmitter(emit func(events.Event)) ManagerOption {
	return func(m *Manager) {
		if emit != nil {
			m.emit = emit
		}
	}
}

// WithMetrics attaches a metrics registry.
func WithMetrics(registry *metrics.Registry) ManagerOption {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// NewManager creates a storage manager.
func NewManager(cfg *config.Config, store *catalog.Store, prov provider.Provider, fetch *fetcher.Fetcher, opts ...ManagerOption) *Manager {
	m := &Manager{
		cfg:      cfg,
		store:    store,
		provider: prov,
		fetch:    fetch,
		logger:   logging.NewNop(),
		emit:     func(events.Event) {},
		registry: metrics.NewRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store exposes the underlying catalog store.
func (m *Manager) Store() *catalog.Store { return m.store }

// Metrics exposes the metrics registry shared with the worker.
func (m *Manager) Metrics() *metrics.Registry { return m.registry }

// ExtensionID returns the configured content-source extension id.
func (m *Manager) ExtensionID() string { return m.cfg.Extension.ID }

// invalidateProviderCache drops cached provider responses for one manga.
func (m *Manager) invalidateProviderCache(extensionID, mangaID string) {
	if inv, ok := m.provider.(mangaInvalidator); ok {
		inv.InvalidateManga(extensionID, mangaID)
	}
}

// StorageStats summarizes library usage against the configured quota.
type StorageStats struct {
	UsedBytes     int64              `json:"usedBytes"`
	MaxBytes      int64              `json:"maxBytes"`
	FreeDiskBytes int64              `json:"freeDiskBytes"`
	MangaCount    int                `json:"mangaCount"`
	ChapterCount  int                `json:"chapterCount"`
	Queue         catalog.QueueStats `json:"queue"`
}

// MaxStorageBytes converts the configured quota to bytes. Zero means no quota.
func (m *Manager) MaxStorageBytes() int64 {
	return int64(m.cfg.Storage.MaxStorageGB * float64(1<<30))
}

// GetStorageStats reports catalog totals plus free space on the data volume.
func (m *Manager) GetStorageStats(ctx context.Context) (*StorageStats, error) {
	used, err := m.store.TotalSizeBytes(ctx)
	if err != nil {
		return nil, wrap(ErrStorage, "storage stats", "", err)
	}
	mangas, err := m.store.ListManga(ctx)
	if err != nil {
		return nil, wrap(ErrStorage, "storage stats", "", err)
	}
	chapterCount := 0
	for _, manga := range mangas {
		n, err := m.store.CountChapters(ctx, manga.ExtensionID, manga.MangaID)
		if err != nil {
			return nil, wrap(ErrStorage, "storage stats", "", err)
		}
		chapterCount += n
	}
	queueStats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, wrap(ErrStorage, "storage stats", "", err)
	}

	stats := &StorageStats{
		UsedBytes:    used,
		MaxBytes:     m.MaxStorageBytes(),
		MangaCount:   len(mangas),
		ChapterCount: chapterCount,
		Queue:        queueStats,
	}
	var fs unix.Statfs_t
	if err := unix.Statfs(m.cfg.Paths.DataDir, &fs); err == nil {
		stats.FreeDiskBytes = int64(fs.Bavail) * fs.Bsize
	}
	return stats, nil
}

// PrepareManga makes sure the manga has a catalog row, a slugged directory,
// and a cover, creating them on first download. It returns the catalog row
// together with fresh provider details.
func (m *Manager) PrepareManga(ctx context.Context, mangaID string) (*catalog.Manga, *provider.MangaDetails, error) {
	extensionID := m.cfg.Extension.ID
	details, err := m.provider.MangaDetails(ctx, extensionID, mangaID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, nil, wrap(ErrNotFound, "prepare manga", mangaID, err)
		}
		return nil, nil, wrap(ErrProvider, "prepare manga", mangaID, err)
	}

	manga, err := m.store.GetManga(ctx, extensionID, mangaID)
	if err != nil {
		return nil, nil, wrap(ErrStorage, "prepare manga", mangaID, err)
	}
	if manga != nil {
		return manga, details, nil
	}

	slug := textutil.UniqueSlug(details.Title, mangaID, func(candidate string) bool {
		taken, err := m.store.SlugTaken(ctx, candidate, extensionID, mangaID)
		return err == nil && taken
	})
	if err := os.MkdirAll(m.MangaDir(slug), 0o755); err != nil {
		return nil, nil, wrap(ErrStorage, "prepare manga", "create directory", err)
	}

	coverFile := m.fetchCover(ctx, slug, details.CoverURL)
	now := time.Now().UTC()
	record := catalog.Manga{
		ExtensionID:   extensionID,
		MangaID:       mangaID,
		Slug:          slug,
		Title:         details.Title,
		CoverFile:     coverFile,
		DownloadedAt:  now,
		LastUpdatedAt: now,
	}
	if err := m.store.UpsertManga(ctx, record); err != nil {
		return nil, nil, wrap(ErrStorage, "prepare manga", mangaID, err)
	}
	manga, err = m.store.GetManga(ctx, extensionID, mangaID)
	if err != nil || manga == nil {
		return nil, nil, wrap(ErrStorage, "prepare manga", "reload row", err)
	}

	if err := m.writeMetadataSidecar(ctx, manga, details); err != nil {
		m.logger.Warn("metadata sidecar write failed",
			logging.String(logging.FieldMangaID, mangaID), logging.Error(err))
	}
	return manga, details, nil
}

// fetchCover downloads the cover image next to metadata.json. Cover failures
// never fail a download.
func (m *Manager) fetchCover(ctx context.Context, slug, coverURL string) string {
	if coverURL == "" {
		return ""
	}
	ext := "jpg"
	if e := filepath.Ext(coverURL); len(e) > 1 && len(e) <= 6 {
		ext = e[1:]
	}
	// The extension comes straight from the URL; keep it filesystem-safe.
	name := textutil.SanitizeFileName("cover." + ext)
	if _, err := m.fetch.FetchPage(ctx, coverURL, filepath.Join(m.MangaDir(slug), name)); err != nil {
		m.logger.Warn("cover fetch failed", logging.String("url", coverURL), logging.Error(err))
		return ""
	}
	return name
}

// RecordChapter persists a fully downloaded chapter: pages sidecar, catalog
// row, manga size, and the refreshed manga sidecar.
func (m *Manager) RecordChapter(ctx context.Context, manga *catalog.Manga, info provider.ChapterInfo, folderName string, pages []PageRecord) error {
	var sizeBytes int64
	for _, page := range pages {
		sizeBytes += page.SizeBytes
	}

	sidecar := ChapterPages{
		ExtensionID:  manga.ExtensionID,
		MangaID:      manga.MangaID,
		ChapterID:    info.ID,
		Title:        info.Title,
		Number:       info.Number,
		DownloadedAt: time.Now().UTC(),
		Pages:        pages,
	}
	if err := writeSidecar(m.PagesPath(manga.Slug, folderName), &sidecar); err != nil {
		return wrap(ErrStorage, "record chapter", info.ID, err)
	}

	chapter := catalog.Chapter{
		ExtensionID: manga.ExtensionID,
		MangaID:     manga.MangaID,
		ChapterID:   info.ID,
		Title:       info.Title,
		Number:      info.Number,
		FolderName:  folderName,
		PageCount:   len(pages),
		SizeBytes:   sizeBytes,
	}
	if err := m.store.UpsertChapter(ctx, chapter); err != nil {
		return wrap(ErrStorage, "record chapter", info.ID, err)
	}

	if err := m.refreshMangaSize(ctx, manga); err != nil {
		return err
	}
	if err := m.syncMetadataSidecar(ctx, manga.ExtensionID, manga.MangaID); err != nil {
		m.logger.Warn("metadata sidecar refresh failed",
			logging.String(logging.FieldMangaID, manga.MangaID), logging.Error(err))
	}
	return nil
}

// refreshMangaSize recomputes the on-disk size of a manga directory and
// stores it on the catalog row.
func (m *Manager) refreshMangaSize(ctx context.Context, manga *catalog.Manga) error {
	size, err := dirSize(m.MangaDir(manga.Slug))
	if err != nil {
		return wrap(ErrStorage, "refresh manga size", manga.MangaID, err)
	}
	if err := m.store.UpdateMangaSize(ctx, manga.ExtensionID, manga.MangaID, size); err != nil {
		return wrap(ErrStorage, "refresh manga size", manga.MangaID, err)
	}
	return nil
}

// writeMetadataSidecar writes a manga sidecar from a catalog row plus fresh
// provider details.
func (m *Manager) writeMetadataSidecar(ctx context.Context, manga *catalog.Manga, details *provider.MangaDetails) error {
	chapters, err := m.store.ListChapters(ctx, manga.ExtensionID, manga.MangaID)
	if err != nil {
		return fmt.Errorf("list chapters: %w", err)
	}
	meta := MangaMetadata{
		ExtensionID:    manga.ExtensionID,
		MangaID:        manga.MangaID,
		Slug:           manga.Slug,
		Title:          manga.Title,
		CoverFile:      manga.CoverFile,
		TotalSizeBytes: manga.TotalSizeBytes,
		DownloadedAt:   manga.DownloadedAt,
		LastUpdatedAt:  manga.LastUpdatedAt,
		Chapters:       make([]ChapterMetadata, 0, len(chapters)),
	}
	if details != nil {
		meta.Description = details.Description
	}
	for _, chapter := range chapters {
		meta.Chapters = append(meta.Chapters, ChapterMetadata{
			ChapterID:    chapter.ChapterID,
			Title:        chapter.Title,
			Number:       chapter.Number,
			FolderName:   chapter.FolderName,
			PageCount:    chapter.PageCount,
			SizeBytes:    chapter.SizeBytes,
			DownloadedAt: chapter.DownloadedAt,
		})
	}
	return writeSidecar(m.MetadataPath(manga.Slug), &meta)
}
