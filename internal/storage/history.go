package storage

import (
	"context"

	"tankobon/internal/catalog"
)

// PromoteCompleted moves a finished queue item into the history log. Queue
// rows only ever hold pending and failed work; successes live in history.
func (m *Manager) PromoteCompleted(ctx context.Context, item *catalog.Item, totalBytes int64) error {
	if _, err := m.store.RemoveItem(ctx, item.ID); err != nil {
		return wrap(ErrStorage, "promote completed", "", err)
	}
	if _, err := m.store.AddHistory(ctx, catalog.HistoryEntry{
		ExtensionID: item.ExtensionID,
		MangaID:     item.MangaID,
		MangaTitle:  item.MangaTitle,
		ChapterID:   item.ChapterID,
		Status:      catalog.StatusCompleted,
		TotalBytes:  totalBytes,
	}); err != nil {
		return wrap(ErrStorage, "promote completed", "", err)
	}
	return nil
}

// GetDownloadHistory lists finished downloads, newest first.
func (m *Manager) GetDownloadHistory(ctx context.Context, limit int) ([]*catalog.HistoryEntry, error) {
	entries, err := m.store.ListHistory(ctx, limit)
	if err != nil {
		return nil, wrap(ErrStorage, "list history", "", err)
	}
	return entries, nil
}

// DeleteHistoryItem removes one history entry.
func (m *Manager) DeleteHistoryItem(ctx context.Context, id int64) error {
	removed, err := m.store.DeleteHistory(ctx, id)
	if err != nil {
		return wrap(ErrStorage, "delete history", "", err)
	}
	if !removed {
		return wrap(ErrNotFound, "delete history", "", nil)
	}
	return nil
}

// ClearDownloadHistory removes every history entry and returns the count.
func (m *Manager) ClearDownloadHistory(ctx context.Context) (int64, error) {
	count, err := m.store.ClearHistory(ctx)
	if err != nil {
		return 0, wrap(ErrStorage, "clear history", "", err)
	}
	return count, nil
}
