package storage

import (
	"context"
	"os"

	"tankobon/internal/events"
	"tankobon/internal/logging"
)

// DeleteChapter removes one downloaded chapter: its page directory, its
// catalog row, and its entry in the manga sidecar.
func (m *Manager) DeleteChapter(ctx context.Context, mangaID, chapterID string) error {
	extensionID := m.cfg.Extension.ID
	chapter, err := m.store.GetChapter(ctx, extensionID, mangaID, chapterID)
	if err != nil {
		return wrap(ErrStorage, "delete chapter", chapterID, err)
	}
	if chapter == nil {
		return wrap(ErrNotFound, "delete chapter", chapterID, nil)
	}
	manga, err := m.store.GetManga(ctx, extensionID, mangaID)
	if err != nil {
		return wrap(ErrStorage, "delete chapter", chapterID, err)
	}

	if manga != nil {
		if err := os.RemoveAll(m.ChapterDir(manga.Slug, chapter.FolderName)); err != nil {
			return wrap(ErrStorage, "delete chapter", "remove directory", err)
		}
	}
	if _, err := m.store.DeleteChapter(ctx, extensionID, mangaID, chapterID); err != nil {
		return wrap(ErrStorage, "delete chapter", chapterID, err)
	}

	m.emit(events.Event{
		Kind:        events.KindChapterDeleted,
		ExtensionID: extensionID,
		MangaID:     mangaID,
		ChapterID:   chapterID,
	})
	m.logger.Info("chapter deleted",
		logging.String(logging.FieldMangaID, mangaID),
		logging.String(logging.FieldChapterID, chapterID))

	// The last chapter takes the manga with it.
	remaining, err := m.store.CountChapters(ctx, extensionID, mangaID)
	if err != nil {
		return wrap(ErrStorage, "delete chapter", "count remaining", err)
	}
	if remaining == 0 && manga != nil {
		return m.DeleteManga(ctx, mangaID)
	}

	if manga != nil {
		if err := m.refreshMangaSize(ctx, manga); err != nil {
			m.logger.Warn("size refresh after delete failed",
				logging.String(logging.FieldMangaID, mangaID), logging.Error(err))
		}
		if err := m.syncMetadataSidecar(ctx, extensionID, mangaID); err != nil {
			m.logger.Warn("sidecar refresh after delete failed",
				logging.String(logging.FieldMangaID, mangaID), logging.Error(err))
		}
	}
	return nil
}

// DeleteManga removes a manga and everything under it.
func (m *Manager) DeleteManga(ctx context.Context, mangaID string) error {
	extensionID := m.cfg.Extension.ID
	manga, err := m.store.GetManga(ctx, extensionID, mangaID)
	if err != nil {
		return wrap(ErrStorage, "delete manga", mangaID, err)
	}
	if manga == nil {
		return wrap(ErrNotFound, "delete manga", mangaID, nil)
	}

	if err := os.RemoveAll(m.MangaDir(manga.Slug)); err != nil {
		return wrap(ErrStorage, "delete manga", "remove directory", err)
	}
	if err := m.store.DeleteManga(ctx, extensionID, mangaID); err != nil {
		return wrap(ErrStorage, "delete manga", mangaID, err)
	}
	m.invalidateProviderCache(extensionID, mangaID)

	m.emit(events.Event{
		Kind:        events.KindMangaDeleted,
		ExtensionID: extensionID,
		MangaID:     mangaID,
		MangaTitle:  manga.Title,
	})
	m.logger.Info("manga deleted", logging.String(logging.FieldMangaID, mangaID))
	return nil
}

// NukeOfflineData wipes the entire offline library: every manga directory,
// every catalog row, the queue, and the history.
func (m *Manager) NukeOfflineData(ctx context.Context) error {
	mangas, err := m.store.ListManga(ctx)
	if err != nil {
		return wrap(ErrStorage, "nuke offline data", "", err)
	}
	for _, manga := range mangas {
		if err := os.RemoveAll(m.MangaDir(manga.Slug)); err != nil {
			return wrap(ErrStorage, "nuke offline data", manga.Slug, err)
		}
		m.invalidateProviderCache(manga.ExtensionID, manga.MangaID)
	}
	if err := m.store.NukeOfflineData(ctx); err != nil {
		return wrap(ErrStorage, "nuke offline data", "", err)
	}
	m.logger.Info("offline data nuked", logging.Int("manga", len(mangas)))
	return nil
}
