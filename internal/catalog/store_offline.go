package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const mangaColumns = "id, extension_id, manga_id, manga_slug, title, cover_file, downloaded_at, last_updated_at, total_size_bytes"

const chapterColumns = "id, extension_id, manga_id, chapter_id, title, number, folder_name, page_count, size_bytes, downloaded_at"

// UpsertManga inserts or refreshes the catalog row for a downloaded manga.
func (s *Store) UpsertManga(ctx context.Context, m Manga) error {
	now := time.Now().UTC()
	downloadedAt := m.DownloadedAt
	if downloadedAt.IsZero() {
		downloadedAt = now
	}
	lastUpdatedAt := m.LastUpdatedAt
	if lastUpdatedAt.IsZero() {
		lastUpdatedAt = now
	}

	_, err := s.execWithRetry(ctx,
		`INSERT INTO offline_manga (
            extension_id, manga_id, manga_slug, title, cover_file,
            downloaded_at, last_updated_at, total_size_bytes
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (extension_id, manga_id) DO UPDATE SET
            manga_slug = excluded.manga_slug,
            title = excluded.title,
            cover_file = excluded.cover_file,
            last_updated_at = excluded.last_updated_at,
            total_size_bytes = excluded.total_size_bytes`,
		m.ExtensionID,
		m.MangaID,
		m.Slug,
		nullableString(m.Title),
		nullableString(m.CoverFile),
		downloadedAt.Format(time.RFC3339Nano),
		lastUpdatedAt.Format(time.RFC3339Nano),
		m.TotalSizeBytes,
	)
	if err != nil {
		return fmt.Errorf("upsert manga: %w", err)
	}
	return nil
}

// GetManga fetches one downloaded manga row. Returns nil when absent.
func (s *Store) GetManga(ctx context.Context, extensionID, mangaID string) (*Manga, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mangaColumns+` FROM offline_manga WHERE extension_id = ? AND manga_id = ?`,
		extensionID, mangaID,
	)
	manga, err := scanManga(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get manga: %w", err)
	}
	return manga, nil
}

// ListManga returns every downloaded manga ordered by download time.
func (s *Store) ListManga(ctx context.Context) ([]*Manga, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT `+mangaColumns+` FROM offline_manga ORDER BY downloaded_at`)
	if err != nil {
		return nil, fmt.Errorf("list manga: %w", err)
	}
	defer rows.Close()

	var result []*Manga
	for rows.Next() {
		manga, err := scanManga(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, manga)
	}
	return result, rows.Err()
}

// ListMangaStale returns manga whose last_updated_at is older than cutoff.
func (s *Store) ListMangaStale(ctx context.Context, cutoff time.Time) ([]*Manga, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mangaColumns+` FROM offline_manga WHERE last_updated_at < ? ORDER BY last_updated_at`,
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale manga: %w", err)
	}
	defer rows.Close()

	var result []*Manga
	for rows.Next() {
		manga, err := scanManga(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, manga)
	}
	return result, rows.Err()
}

// DeleteManga removes a manga row and all of its chapter rows.
func (s *Store) DeleteManga(ctx context.Context, extensionID, mangaID string) error {
	ctx = ensureContext(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete manga tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM offline_chapters WHERE extension_id = ? AND manga_id = ?`,
		extensionID, mangaID,
	); err != nil {
		return fmt.Errorf("delete manga chapters: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM offline_manga WHERE extension_id = ? AND manga_id = ?`,
		extensionID, mangaID,
	); err != nil {
		return fmt.Errorf("delete manga: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete manga: %w", err)
	}
	return nil
}

// UpdateMangaSize stores the recomputed on-disk size for a manga.
func (s *Store) UpdateMangaSize(ctx context.Context, extensionID, mangaID string, sizeBytes int64) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE offline_manga SET total_size_bytes = ? WHERE extension_id = ? AND manga_id = ?`,
		sizeBytes, extensionID, mangaID,
	)
	if err != nil {
		return fmt.Errorf("update manga size: %w", err)
	}
	return nil
}

// TouchManga bumps last_updated_at to now.
func (s *Store) TouchManga(ctx context.Context, extensionID, mangaID string) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE offline_manga SET last_updated_at = ? WHERE extension_id = ? AND manga_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), extensionID, mangaID,
	)
	if err != nil {
		return fmt.Errorf("touch manga: %w", err)
	}
	return nil
}

// SlugTaken reports whether any other manga already owns the slug.
func (s *Store) SlugTaken(ctx context.Context, slug, extensionID, mangaID string) (bool, error) {
	ctx = ensureContext(ctx)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM offline_manga
         WHERE manga_slug = ? AND NOT (extension_id = ? AND manga_id = ?)`,
		slug, extensionID, mangaID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check slug: %w", err)
	}
	return count > 0, nil
}

// TotalSizeBytes sums the recorded size of every downloaded manga.
func (s *Store) TotalSizeBytes(ctx context.Context) (int64, error) {
	ctx = ensureContext(ctx)
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(total_size_bytes) FROM offline_manga`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("total size: %w", err)
	}
	return total.Int64, nil
}

// UpsertChapter inserts or refreshes the catalog row for a downloaded chapter.
func (s *Store) UpsertChapter(ctx context.Context, c Chapter) error {
	downloadedAt := c.DownloadedAt
	if downloadedAt.IsZero() {
		downloadedAt = time.Now().UTC()
	}

	_, err := s.execWithRetry(ctx,
		`INSERT INTO offline_chapters (
            extension_id, manga_id, chapter_id, title, number, folder_name,
            page_count, size_bytes, downloaded_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (extension_id, manga_id, chapter_id) DO UPDATE SET
            title = excluded.title,
            number = excluded.number,
            folder_name = excluded.folder_name,
            page_count = excluded.page_count,
            size_bytes = excluded.size_bytes`,
		c.ExtensionID,
		c.MangaID,
		c.ChapterID,
		nullableString(c.Title),
		nullableString(c.Number),
		c.FolderName,
		c.PageCount,
		c.SizeBytes,
		downloadedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert chapter: %w", err)
	}
	return nil
}

// GetChapter fetches one downloaded chapter row. Returns nil when absent.
func (s *Store) GetChapter(ctx context.Context, extensionID, mangaID, chapterID string) (*Chapter, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+chapterColumns+` FROM offline_chapters
         WHERE extension_id = ? AND manga_id = ? AND chapter_id = ?`,
		extensionID, mangaID, chapterID,
	)
	chapter, err := scanChapter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter: %w", err)
	}
	return chapter, nil
}

// ListChapters returns the downloaded chapters of one manga, oldest first.
func (s *Store) ListChapters(ctx context.Context, extensionID, mangaID string) ([]*Chapter, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chapterColumns+` FROM offline_chapters
         WHERE extension_id = ? AND manga_id = ? ORDER BY downloaded_at, id`,
		extensionID, mangaID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var result []*Chapter
	for rows.Next() {
		chapter, err := scanChapter(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, chapter)
	}
	return result, rows.Err()
}

// ChapterIDSet returns the set of chapter ids recorded for a manga.
func (s *Store) ChapterIDSet(ctx context.Context, extensionID, mangaID string) (map[string]struct{}, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT chapter_id FROM offline_chapters WHERE extension_id = ? AND manga_id = ?`,
		extensionID, mangaID,
	)
	if err != nil {
		return nil, fmt.Errorf("chapter id set: %w", err)
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		set[id] = struct{}{}
	}
	return set, rows.Err()
}

// DeleteChapter removes one chapter row.
func (s *Store) DeleteChapter(ctx context.Context, extensionID, mangaID, chapterID string) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`DELETE FROM offline_chapters WHERE extension_id = ? AND manga_id = ? AND chapter_id = ?`,
		extensionID, mangaID, chapterID,
	)
	if err != nil {
		return false, fmt.Errorf("delete chapter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// CountChapters returns the number of chapter rows for a manga.
func (s *Store) CountChapters(ctx context.Context, extensionID, mangaID string) (int, error) {
	ctx = ensureContext(ctx)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM offline_chapters WHERE extension_id = ? AND manga_id = ?`,
		extensionID, mangaID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chapters: %w", err)
	}
	return count, nil
}

// NukeOfflineData removes every offline row, queue row, and history entry.
func (s *Store) NukeOfflineData(ctx context.Context) error {
	ctx = ensureContext(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin nuke tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"download_queue", "offline_chapters", "offline_manga", "download_history"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit nuke: %w", err)
	}
	return nil
}

func scanManga(scanner interface{ Scan(dest ...any) error }) (*Manga, error) {
	var (
		id            int64
		extensionID   string
		mangaID       string
		slug          string
		title         sql.NullString
		coverFile     sql.NullString
		downloadedRaw sql.NullString
		updatedRaw    sql.NullString
		totalSize     sql.NullInt64
	)
	if err := scanner.Scan(
		&id, &extensionID, &mangaID, &slug, &title, &coverFile,
		&downloadedRaw, &updatedRaw, &totalSize,
	); err != nil {
		return nil, err
	}

	manga := &Manga{
		ID:             id,
		ExtensionID:    extensionID,
		MangaID:        mangaID,
		Slug:           slug,
		Title:          title.String,
		CoverFile:      coverFile.String,
		TotalSizeBytes: totalSize.Int64,
	}
	if downloaded, err := parseTimeString(downloadedRaw.String); err == nil {
		manga.DownloadedAt = downloaded
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		manga.LastUpdatedAt = updated
	}
	return manga, nil
}

func scanChapter(scanner interface{ Scan(dest ...any) error }) (*Chapter, error) {
	var (
		id            int64
		extensionID   string
		mangaID       string
		chapterID     string
		title         sql.NullString
		number        sql.NullString
		folderName    string
		pageCount     sql.NullInt64
		sizeBytes     sql.NullInt64
		downloadedRaw sql.NullString
	)
	if err := scanner.Scan(
		&id, &extensionID, &mangaID, &chapterID, &title, &number,
		&folderName, &pageCount, &sizeBytes, &downloadedRaw,
	); err != nil {
		return nil, err
	}

	chapter := &Chapter{
		ID:          id,
		ExtensionID: extensionID,
		MangaID:     mangaID,
		ChapterID:   chapterID,
		Title:       title.String,
		Number:      number.String,
		FolderName:  folderName,
		PageCount:   int(pageCount.Int64),
		SizeBytes:   sizeBytes.Int64,
	}
	if downloaded, err := parseTimeString(downloadedRaw.String); err == nil {
		chapter.DownloadedAt = downloaded
	}
	return chapter, nil
}
