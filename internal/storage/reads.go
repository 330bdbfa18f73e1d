package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tankobon/internal/catalog"
)

// GetDownloadedManga lists every manga in the offline library.
func (m *Manager) GetDownloadedManga(ctx context.Context) ([]*catalog.Manga, error) {
	mangas, err := m.store.ListManga(ctx)
	if err != nil {
		return nil, wrap(ErrStorage, "list manga", "", err)
	}
	return mangas, nil
}

// GetDownloadedChapters lists the downloaded chapters of one manga.
func (m *Manager) GetDownloadedChapters(ctx context.Context, mangaID string) ([]*catalog.Chapter, error) {
	chapters, err := m.store.ListChapters(ctx, m.cfg.Extension.ID, mangaID)
	if err != nil {
		return nil, wrap(ErrStorage, "list chapters", mangaID, err)
	}
	return chapters, nil
}

// IsMangaDownloaded reports whether any part of a manga is present in the
// library.
func (m *Manager) IsMangaDownloaded(ctx context.Context, mangaID string) (bool, error) {
	manga, err := m.store.GetManga(ctx, m.cfg.Extension.ID, mangaID)
	if err != nil {
		return false, wrap(ErrStorage, "manga downloaded", mangaID, err)
	}
	return manga != nil, nil
}

// IsChapterDownloaded reports whether a chapter is present in the library.
func (m *Manager) IsChapterDownloaded(ctx context.Context, mangaID, chapterID string) (bool, error) {
	chapter, err := m.store.GetChapter(ctx, m.cfg.Extension.ID, mangaID, chapterID)
	if err != nil {
		return false, wrap(ErrStorage, "chapter downloaded", chapterID, err)
	}
	return chapter != nil, nil
}

// GetChapterPages returns the page listing for a downloaded chapter. When the
// pages sidecar is missing or unreadable it is rebuilt from the files on disk
// and written back.
func (m *Manager) GetChapterPages(ctx context.Context, mangaID, chapterID string) (*ChapterPages, error) {
	extensionID := m.cfg.Extension.ID
	chapter, err := m.store.GetChapter(ctx, extensionID, mangaID, chapterID)
	if err != nil {
		return nil, wrap(ErrStorage, "chapter pages", chapterID, err)
	}
	if chapter == nil {
		return nil, wrap(ErrNotFound, "chapter pages", chapterID, nil)
	}
	manga, err := m.store.GetManga(ctx, extensionID, mangaID)
	if err != nil || manga == nil {
		return nil, wrap(ErrNotFound, "chapter pages", "manga row missing", err)
	}

	if pages, err := m.ReadChapterPages(manga.Slug, chapter.FolderName); err == nil {
		return pages, nil
	}

	rebuilt, err := m.rebuildChapterPages(manga, chapter)
	if err != nil {
		return nil, err
	}
	if err := writeSidecar(m.PagesPath(manga.Slug, chapter.FolderName), rebuilt); err != nil {
		return nil, wrap(ErrStorage, "chapter pages", "rewrite sidecar", err)
	}
	return rebuilt, nil
}

// rebuildChapterPages reconstructs a pages sidecar from the directory
// contents, in file name order.
func (m *Manager) rebuildChapterPages(manga *catalog.Manga, chapter *catalog.Chapter) (*ChapterPages, error) {
	dir := m.ChapterDir(manga.Slug, chapter.FolderName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrap(ErrStorage, "rebuild pages", chapter.ChapterID, err)
	}

	var pages []PageRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || name == pagesFileName || strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".part") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		pages = append(pages, PageRecord{File: name, SizeBytes: info.Size()})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].File < pages[j].File })
	for i := range pages {
		pages[i].Index = i
	}

	return &ChapterPages{
		ExtensionID:  chapter.ExtensionID,
		MangaID:      chapter.MangaID,
		ChapterID:    chapter.ChapterID,
		Title:        chapter.Title,
		Number:       chapter.Number,
		DownloadedAt: chapter.DownloadedAt,
		Pages:        pages,
	}, nil
}

// GetPagePath resolves the absolute path of one page image.
func (m *Manager) GetPagePath(ctx context.Context, mangaID, chapterID string, pageIndex int) (string, error) {
	extensionID := m.cfg.Extension.ID
	chapter, err := m.store.GetChapter(ctx, extensionID, mangaID, chapterID)
	if err != nil {
		return "", wrap(ErrStorage, "page path", chapterID, err)
	}
	if chapter == nil {
		return "", wrap(ErrNotFound, "page path", chapterID, nil)
	}
	manga, err := m.store.GetManga(ctx, extensionID, mangaID)
	if err != nil || manga == nil {
		return "", wrap(ErrNotFound, "page path", "manga row missing", err)
	}

	pages, err := m.GetChapterPages(ctx, mangaID, chapterID)
	if err != nil {
		return "", err
	}
	if pageIndex < 0 || pageIndex >= len(pages.Pages) {
		return "", wrap(ErrNotFound, "page path", "page index out of range", nil)
	}
	return filepath.Join(m.ChapterDir(manga.Slug, chapter.FolderName), pages.Pages[pageIndex].File), nil
}
