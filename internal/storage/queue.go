package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"tankobon/internal/catalog"
	"tankobon/internal/events"
	"tankobon/internal/logging"
	"tankobon/internal/provider"
)

// QueueChapterDownload enqueues one chapter. Queueing is idempotent: a
// chapter that is already downloaded or already queued is rejected with
// ErrAlreadyDownloaded rather than duplicated.
func (m *Manager) QueueChapterDownload(ctx context.Context, mangaID, chapterID string, priority int) (*catalog.Item, error) {
	if strings.TrimSpace(mangaID) == "" || strings.TrimSpace(chapterID) == "" {
		return nil, wrap(ErrValidation, "queue chapter", "manga id and chapter id required", nil)
	}
	extensionID := m.cfg.Extension.ID

	existing, err := m.store.GetChapter(ctx, extensionID, mangaID, chapterID)
	if err != nil {
		return nil, wrap(ErrStorage, "queue chapter", chapterID, err)
	}
	if existing != nil {
		return nil, wrap(ErrAlreadyDownloaded, "queue chapter", chapterID, nil)
	}
	active, err := m.store.HasActiveChapter(ctx, extensionID, mangaID, chapterID)
	if err != nil {
		return nil, wrap(ErrStorage, "queue chapter", chapterID, err)
	}
	if active {
		return nil, wrap(ErrAlreadyDownloaded, "queue chapter", "already queued", nil)
	}

	item := catalog.Item{
		ExtensionID: extensionID,
		MangaID:     mangaID,
		ChapterID:   chapterID,
		Priority:    priority,
	}
	if manga, err := m.store.GetManga(ctx, extensionID, mangaID); err == nil && manga != nil {
		item.MangaSlug = manga.Slug
		item.MangaTitle = manga.Title
	}

	queued, err := m.store.Enqueue(ctx, item)
	if err != nil {
		return nil, wrap(ErrStorage, "queue chapter", chapterID, err)
	}

	m.registry.DownloadQueued(1)
	m.emit(events.Event{
		Kind:        events.KindDownloadQueued,
		QueueID:     queued.ID,
		ExtensionID: extensionID,
		MangaID:     mangaID,
		ChapterID:   chapterID,
	})
	m.logger.Info("chapter queued",
		logging.Int64(logging.FieldQueueID, queued.ID),
		logging.String(logging.FieldMangaID, mangaID),
		logging.String(logging.FieldChapterID, chapterID))
	return queued, nil
}

// QueueMangaDownload enqueues the chapters of a manga that are not yet
// downloaded or queued. A non-empty chapterIDs list narrows the work to just
// those chapters; an empty list means every chapter the provider lists.
// However many rows that produces, subscribers see a single queued event
// carrying the first assigned id and the chapter list.
func (m *Manager) QueueMangaDownload(ctx context.Context, mangaID string, chapterIDs []string, priority int) ([]int64, error) {
	if strings.TrimSpace(mangaID) == "" {
		return nil, wrap(ErrValidation, "queue manga", "manga id required", nil)
	}
	extensionID := m.cfg.Extension.ID

	details, err := m.provider.MangaDetails(ctx, extensionID, mangaID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			return nil, wrap(ErrNotFound, "queue manga", mangaID, err)
		}
		return nil, wrap(ErrProvider, "queue manga", mangaID, err)
	}
	if len(details.Chapters) == 0 {
		return nil, wrap(ErrValidation, "queue manga", "no chapters listed", nil)
	}

	downloaded, err := m.store.ChapterIDSet(ctx, extensionID, mangaID)
	if err != nil {
		return nil, wrap(ErrStorage, "queue manga", mangaID, err)
	}

	var want map[string]struct{}
	if len(chapterIDs) > 0 {
		want = make(map[string]struct{}, len(chapterIDs))
		for _, id := range chapterIDs {
			want[id] = struct{}{}
		}
	}

	var (
		items     []catalog.Item
		queuedIDs []string
	)
	for _, chapter := range details.Chapters {
		if want != nil {
			if _, ok := want[chapter.ID]; !ok {
				continue
			}
		}
		if _, ok := downloaded[chapter.ID]; ok {
			continue
		}
		active, err := m.store.HasActiveChapter(ctx, extensionID, mangaID, chapter.ID)
		if err != nil {
			return nil, wrap(ErrStorage, "queue manga", mangaID, err)
		}
		if active {
			continue
		}
		items = append(items, catalog.Item{
			ExtensionID: extensionID,
			MangaID:     mangaID,
			MangaTitle:  details.Title,
			ChapterID:   chapter.ID,
			Priority:    priority,
		})
		queuedIDs = append(queuedIDs, chapter.ID)
	}
	if len(items) == 0 {
		return nil, wrap(ErrAlreadyDownloaded, "queue manga", mangaID, nil)
	}

	ids, err := m.store.EnqueueBatch(ctx, items)
	if err != nil {
		return nil, wrap(ErrStorage, "queue manga", mangaID, err)
	}

	m.registry.DownloadQueued(len(ids))
	m.emit(events.Event{
		Kind:        events.KindDownloadQueued,
		QueueID:     ids[0],
		ExtensionID: extensionID,
		MangaID:     mangaID,
		MangaTitle:  details.Title,
		ChapterIDs:  queuedIDs,
	})
	m.logger.Info("manga queued",
		logging.String(logging.FieldMangaID, mangaID),
		logging.Int("chapters", len(ids)))
	return ids, nil
}

// CancelDownload removes a pending or running queue item. The worker notices
// the disappearance at its next sync point and abandons the chapter without
// leaving a sidecar behind.
func (m *Manager) CancelDownload(ctx context.Context, id int64) error {
	item, err := m.store.GetItem(ctx, id)
	if err != nil {
		return wrap(ErrStorage, "cancel download", "", err)
	}
	if item == nil {
		return wrap(ErrNotFound, "cancel download", "", nil)
	}
	if item.Status == catalog.StatusCompleted {
		return wrap(ErrValidation, "cancel download", "already completed", nil)
	}

	if _, err := m.store.RemoveItem(ctx, id); err != nil {
		return wrap(ErrStorage, "cancel download", "", err)
	}
	if _, err := m.store.AddHistory(ctx, catalog.HistoryEntry{
		ExtensionID:  item.ExtensionID,
		MangaID:      item.MangaID,
		MangaTitle:   item.MangaTitle,
		ChapterID:    item.ChapterID,
		Status:       catalog.StatusFailed,
		ErrorMessage: catalog.CancelledReason,
	}); err != nil {
		m.logger.Warn("cancel history record failed", logging.Int64(logging.FieldQueueID, id), logging.Error(err))
	}

	m.emit(events.Event{
		Kind:        events.KindDownloadFailed,
		QueueID:     id,
		ExtensionID: item.ExtensionID,
		MangaID:     item.MangaID,
		ChapterID:   item.ChapterID,
		Error:       catalog.CancelledReason,
	})
	m.logger.Info("download cancelled", logging.Int64(logging.FieldQueueID, id))
	return nil
}

// RetryDownload resets a failed, paused, or stuck item back to queued.
func (m *Manager) RetryDownload(ctx context.Context, id int64) error {
	item, err := m.store.GetItem(ctx, id)
	if err != nil {
		return wrap(ErrStorage, "retry download", "", err)
	}
	if item == nil {
		return wrap(ErrNotFound, "retry download", "", nil)
	}

	retried, err := m.store.RetryItem(ctx, id)
	if err != nil {
		return wrap(ErrStorage, "retry download", "", err)
	}
	if !retried {
		return wrap(ErrValidation, "retry download", "item is not retryable", nil)
	}

	m.registry.DownloadRetried()
	m.emit(events.Event{
		Kind:        events.KindDownloadRetried,
		QueueID:     id,
		ExtensionID: item.ExtensionID,
		MangaID:     item.MangaID,
		ChapterID:   item.ChapterID,
	})
	return nil
}

// IsFrozen reports whether a downloading item has stopped making progress:
// either no progress at all past zeroAfter, or under minProgressPct past
// stalledAfter. Both comparisons are strict.
func IsFrozen(item *catalog.Item, now time.Time, zeroAfter, stalledAfter time.Duration, minProgressPct float64) bool {
	if item == nil || item.Status != catalog.StatusDownloading || item.StartedAt == nil {
		return false
	}
	elapsed := now.Sub(*item.StartedAt)
	if elapsed > zeroAfter && item.ProgressCurrent == 0 {
		return true
	}
	if elapsed > stalledAfter && item.ProgressRatio()*100 < minProgressPct {
		return true
	}
	return false
}

// RetryFrozenDownloads re-queues every downloading item the frozen policy
// flags and returns how many were reset.
func (m *Manager) RetryFrozenDownloads(ctx context.Context) (int, error) {
	items, err := m.store.ListQueue(ctx, catalog.StatusDownloading)
	if err != nil {
		return 0, wrap(ErrStorage, "retry frozen", "", err)
	}

	now := time.Now()
	zeroAfter := time.Duration(m.cfg.Worker.FrozenZeroProgressSecs) * time.Second
	stalledAfter := time.Duration(m.cfg.Worker.FrozenStalledSecs) * time.Second
	minPct := float64(m.cfg.Worker.FrozenMinProgressPercent)

	count := 0
	for _, item := range items {
		if !IsFrozen(item, now, zeroAfter, stalledAfter, minPct) {
			continue
		}
		retried, err := m.store.RetryItem(ctx, item.ID)
		if err != nil {
			return count, wrap(ErrStorage, "retry frozen", "", err)
		}
		if !retried {
			continue
		}
		count++
		m.registry.DownloadRetried()
		m.emit(events.Event{
			Kind:        events.KindDownloadRetried,
			QueueID:     item.ID,
			ExtensionID: item.ExtensionID,
			MangaID:     item.MangaID,
			ChapterID:   item.ChapterID,
		})
		m.logger.Info("frozen download re-queued", logging.Int64(logging.FieldQueueID, item.ID))
	}
	return count, nil
}

// GetQueuedDownloads lists queue items, optionally filtered by status.
func (m *Manager) GetQueuedDownloads(ctx context.Context, statuses ...catalog.Status) ([]*catalog.Item, error) {
	items, err := m.store.ListQueue(ctx, statuses...)
	if err != nil {
		return nil, wrap(ErrStorage, "list queue", "", err)
	}
	return items, nil
}

// GetDownloadProgress returns the current queue row for one item.
func (m *Manager) GetDownloadProgress(ctx context.Context, id int64) (*catalog.Item, error) {
	item, err := m.store.GetItem(ctx, id)
	if err != nil {
		return nil, wrap(ErrStorage, "download progress", "", err)
	}
	if item == nil {
		return nil, wrap(ErrNotFound, "download progress", "", nil)
	}
	return item, nil
}
