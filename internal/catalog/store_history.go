package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const historyColumns = "id, extension_id, manga_id, manga_title, chapter_id, chapter_title, status, error_message, total_bytes, completed_at"

// AddHistory appends one finished download to the history log.
func (s *Store) AddHistory(ctx context.Context, entry HistoryEntry) (int64, error) {
	completedAt := entry.CompletedAt
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	res, err := s.execWithRetry(ctx,
		`INSERT INTO download_history (
            extension_id, manga_id, manga_title, chapter_id, chapter_title,
            status, error_message, total_bytes, completed_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ExtensionID,
		entry.MangaID,
		nullableString(entry.MangaTitle),
		nullableString(entry.ChapterID),
		nullableString(entry.ChapterTitle),
		entry.Status,
		nullableString(entry.ErrorMessage),
		entry.TotalBytes,
		completedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert history: %w", err)
	}
	return res.LastInsertId()
}

// ListHistory returns history entries newest first, capped at limit when
// limit > 0.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]*HistoryEntry, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + historyColumns + ` FROM download_history ORDER BY completed_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []*HistoryEntry
	for rows.Next() {
		entry, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteHistory removes one history entry by id.
func (s *Store) DeleteHistory(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM download_history WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete history entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearHistory removes every history entry and returns the count.
func (s *Store) ClearHistory(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM download_history`)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}

func scanHistory(scanner interface{ Scan(dest ...any) error }) (*HistoryEntry, error) {
	var (
		id           int64
		extensionID  string
		mangaID      string
		mangaTitle   sql.NullString
		chapterID    sql.NullString
		chapterTitle sql.NullString
		statusStr    string
		errorMessage sql.NullString
		totalBytes   sql.NullInt64
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&id, &extensionID, &mangaID, &mangaTitle, &chapterID, &chapterTitle,
		&statusStr, &errorMessage, &totalBytes, &completedRaw,
	); err != nil {
		return nil, err
	}

	entry := &HistoryEntry{
		ID:           id,
		ExtensionID:  extensionID,
		MangaID:      mangaID,
		MangaTitle:   mangaTitle.String,
		ChapterID:    chapterID.String,
		ChapterTitle: chapterTitle.String,
		Status:       Status(statusStr),
		ErrorMessage: errorMessage.String,
		TotalBytes:   totalBytes.Int64,
	}
	if completed, err := parseTimeString(completedRaw.String); err == nil {
		entry.CompletedAt = completed
	}
	return entry, nil
}
