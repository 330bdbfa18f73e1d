package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"tankobon/internal/catalog"
	"tankobon/internal/events"
	"tankobon/internal/logging"
	"tankobon/internal/provider"
)

// GetMangaMetadata returns the manga sidecar, repairing it first when it is
// missing, unreadable, or out of step with the catalog rows.
func (m *Manager) GetMangaMetadata(ctx context.Context, mangaID string) (*MangaMetadata, error) {
	extensionID := m.cfg.Extension.ID
	manga, err := m.store.GetManga(ctx, extensionID, mangaID)
	if err != nil {
		return nil, wrap(ErrStorage, "manga metadata", mangaID, err)
	}
	if manga == nil {
		return nil, wrap(ErrNotFound, "manga metadata", mangaID, nil)
	}

	chapterIDs, err := m.store.ChapterIDSet(ctx, extensionID, mangaID)
	if err != nil {
		return nil, wrap(ErrStorage, "manga metadata", mangaID, err)
	}

	sidecar, readErr := m.ReadMangaMetadata(manga.Slug)
	if readErr == nil && metadataConsistent(sidecar, chapterIDs) {
		return sidecar, nil
	}

	if readErr != nil {
		m.logger.Info("rebuilding manga sidecar",
			logging.String(logging.FieldMangaID, mangaID), logging.Error(readErr))
	} else {
		m.logger.Info("manga sidecar out of sync, rebuilding",
			logging.String(logging.FieldMangaID, mangaID))
	}
	return m.rebuildMetadataSidecar(ctx, manga, sidecar)
}

// metadataConsistent reports whether the sidecar chapter set matches the
// catalog chapter set exactly.
func metadataConsistent(sidecar *MangaMetadata, chapterIDs map[string]struct{}) bool {
	if sidecar == nil || len(sidecar.Chapters) != len(chapterIDs) {
		return false
	}
	seen := make(map[string]struct{}, len(sidecar.Chapters))
	for _, chapter := range sidecar.Chapters {
		seen[chapter.ChapterID] = struct{}{}
	}
	for id := range chapterIDs {
		if _, ok := seen[id]; !ok {
			return false
		}
	}
	return true
}

// rebuildMetadataSidecar reconstructs the manga sidecar from the catalog
// rows, preferring per-chapter detail from pages sidecars, then catalog rows.
// The description survives from the old sidecar when one was readable,
// otherwise a best-effort provider fetch fills it.
func (m *Manager) rebuildMetadataSidecar(ctx context.Context, manga *catalog.Manga, previous *MangaMetadata) (*MangaMetadata, error) {
	chapters, err := m.store.ListChapters(ctx, manga.ExtensionID, manga.MangaID)
	if err != nil {
		return nil, wrap(ErrStorage, "rebuild metadata", manga.MangaID, err)
	}

	meta := &MangaMetadata{
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

	switch {
	case previous != nil && previous.Description != "":
		meta.Description = previous.Description
	default:
		if details, err := m.provider.MangaDetails(ctx, manga.ExtensionID, manga.MangaID); err == nil {
			meta.Description = details.Description
		}
	}

	for _, chapter := range chapters {
		entry := ChapterMetadata{
			ChapterID:    chapter.ChapterID,
			Title:        chapter.Title,
			Number:       chapter.Number,
			FolderName:   chapter.FolderName,
			PageCount:    chapter.PageCount,
			SizeBytes:    chapter.SizeBytes,
			DownloadedAt: chapter.DownloadedAt,
		}
		if pages, err := m.ReadChapterPages(manga.Slug, chapter.FolderName); err == nil {
			entry.PageCount = len(pages.Pages)
			var size int64
			for _, page := range pages.Pages {
				size += page.SizeBytes
			}
			entry.SizeBytes = size
			if pages.Title != "" {
				entry.Title = pages.Title
			}
			if pages.Number != "" {
				entry.Number = pages.Number
			}
		}
		meta.Chapters = append(meta.Chapters, entry)
	}

	if err := writeSidecar(m.MetadataPath(manga.Slug), meta); err != nil {
		return nil, wrap(ErrStorage, "rebuild metadata", manga.MangaID, err)
	}
	return meta, nil
}

// syncMetadataSidecar refreshes the sidecar after a catalog mutation.
func (m *Manager) syncMetadataSidecar(ctx context.Context, extensionID, mangaID string) error {
	manga, err := m.store.GetManga(ctx, extensionID, mangaID)
	if err != nil {
		return err
	}
	if manga == nil {
		return nil
	}
	previous, _ := m.ReadMangaMetadata(manga.Slug)
	_, err = m.rebuildMetadataSidecar(ctx, manga, previous)
	return err
}

// RefreshMangaMetadata re-fetches provider details for one manga, announces
// chapters that are available remotely but not downloaded, and rewrites the
// sidecar. The provider cache is bypassed.
func (m *Manager) RefreshMangaMetadata(ctx context.Context, mangaID string) (*MangaMetadata, error) {
	extensionID := m.cfg.Extension.ID
	manga, err := m.store.GetManga(ctx, extensionID, mangaID)
	if err != nil {
		return nil, wrap(ErrStorage, "refresh metadata", mangaID, err)
	}
	if manga == nil {
		return nil, wrap(ErrNotFound, "refresh metadata", mangaID, nil)
	}

	m.invalidateProviderCache(extensionID, mangaID)
	details, err := m.provider.MangaDetails(ctx, extensionID, mangaID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, wrap(ErrNotFound, "refresh metadata", mangaID, err)
		}
		return nil, wrap(ErrProvider, "refresh metadata", mangaID, err)
	}

	downloaded, err := m.store.ChapterIDSet(ctx, extensionID, mangaID)
	if err != nil {
		return nil, wrap(ErrStorage, "refresh metadata", mangaID, err)
	}
	var newChapters []string
	for _, chapter := range details.Chapters {
		if _, ok := downloaded[chapter.ID]; !ok {
			newChapters = append(newChapters, chapter.ID)
		}
	}
	if len(newChapters) > 0 {
		m.emit(events.Event{
			Kind:        events.KindNewChaptersAvailable,
			ExtensionID: extensionID,
			MangaID:     mangaID,
			MangaTitle:  details.Title,
			ChapterIDs:  newChapters,
		})
	}

	manga.Title = details.Title
	if err := m.store.UpsertManga(ctx, *manga); err != nil {
		return nil, wrap(ErrStorage, "refresh metadata", mangaID, err)
	}
	if err := m.store.TouchManga(ctx, extensionID, mangaID); err != nil {
		return nil, wrap(ErrStorage, "refresh metadata", mangaID, err)
	}
	manga, err = m.store.GetManga(ctx, extensionID, mangaID)
	if err != nil || manga == nil {
		return nil, wrap(ErrStorage, "refresh metadata", "reload row", err)
	}

	previous, _ := m.ReadMangaMetadata(manga.Slug)
	meta, err := m.rebuildMetadataSidecar(ctx, manga, previous)
	if err != nil {
		return nil, err
	}
	meta.Description = details.Description
	if err := writeSidecar(m.MetadataPath(manga.Slug), meta); err != nil {
		return nil, wrap(ErrStorage, "refresh metadata", mangaID, err)
	}
	return meta, nil
}

// SyncStaleMetadata refreshes manga whose metadata is older than the
// configured staleness window. Members of one batch refresh concurrently;
// batches run back to back with a delay in between so a large library does
// not monopolize the gateway.
func (m *Manager) SyncStaleMetadata(ctx context.Context) (int, error) {
	staleAfter := time.Duration(m.cfg.Sync.StaleAfterHours) * time.Hour
	cutoff := time.Now().Add(-staleAfter)

	stale, err := m.store.ListMangaStale(ctx, cutoff)
	if err != nil {
		return 0, wrap(ErrStorage, "sync metadata", "", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	batchSize := m.cfg.Sync.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	delay := time.Duration(m.cfg.Sync.BatchDelayMS) * time.Millisecond

	var (
		mu        sync.Mutex
		refreshed int
	)
	for start := 0; start < len(stale); start += batchSize {
		if start > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return refreshed, ctx.Err()
			case <-time.After(delay):
			}
		}
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		end := start + batchSize
		if end > len(stale) {
			end = len(stale)
		}

		var wg sync.WaitGroup
		for _, manga := range stale[start:end] {
			wg.Add(1)
			go func(mangaID string) {
				defer wg.Done()
				if _, err := m.RefreshMangaMetadata(ctx, mangaID); err != nil {
					m.logger.Warn("metadata sync failed",
						logging.String(logging.FieldMangaID, mangaID), logging.Error(err))
					return
				}
				mu.Lock()
				refreshed++
				mu.Unlock()
			}(manga.MangaID)
		}
		wg.Wait()
	}
	m.logger.Info("metadata sync finished", logging.Int("refreshed", refreshed), logging.Int("stale", len(stale)))
	return refreshed, nil
}

// ChapterCountReport compares the local chapter set against the provider's.
type ChapterCountReport struct {
	MangaID     string   `json:"mangaId"`
	LocalCount  int      `json:"localCount"`
	RemoteCount int      `json:"remoteCount"`
	MissingIDs  []string `json:"missingIds,omitempty"`
	UpToDate    bool     `json:"upToDate"`
}

// ValidateMangaChapterCount reports whether the offline copy of a manga still
// has every chapter the provider lists.
func (m *Manager) ValidateMangaChapterCount(ctx context.Context, mangaID string) (*ChapterCountReport, error) {
	extensionID := m.cfg.Extension.ID
	manga, err := m.store.GetManga(ctx, extensionID, mangaID)
	if err != nil {
		return nil, wrap(ErrStorage, "validate chapters", mangaID, err)
	}
	if manga == nil {
		return nil, wrap(ErrNotFound, "validate chapters", mangaID, nil)
	}

	details, err := m.provider.MangaDetails(ctx, extensionID, mangaID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, wrap(ErrNotFound, "validate chapters", mangaID, err)
		}
		return nil, wrap(ErrProvider, "validate chapters", mangaID, err)
	}

	downloaded, err := m.store.ChapterIDSet(ctx, extensionID, mangaID)
	if err != nil {
		return nil, wrap(ErrStorage, "validate chapters", mangaID, err)
	}

	report := &ChapterCountReport{
		MangaID:     mangaID,
		LocalCount:  len(downloaded),
		RemoteCount: len(details.Chapters),
	}
	for _, chapter := range details.Chapters {
		if _, ok := downloaded[chapter.ID]; !ok {
			report.MissingIDs = append(report.MissingIDs, chapter.ID)
		}
	}
	report.UpToDate = len(report.MissingIDs) == 0
	return report, nil
}
