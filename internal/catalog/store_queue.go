package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const queueColumns = "id, extension_id, manga_id, manga_slug, manga_title, chapter_id, status, priority, queued_at, started_at, completed_at, progress_current, progress_total, error_message"

// Enqueue inserts a new queue row with status queued and returns it.
func (s *Store) Enqueue(ctx context.Context, item Item) (*Item, error) {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()

	res, err := s.execWithRetry(ctx,
		`INSERT INTO download_queue (
            extension_id, manga_id, manga_slug, manga_title, chapter_id,
            status, priority, queued_at, progress_current, progress_total
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
		item.ExtensionID,
		item.MangaID,
		nullableString(item.MangaSlug),
		nullableString(item.MangaTitle),
		nullableString(item.ChapterID),
		StatusQueued,
		item.Priority,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert queue item: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetItem(ctx, id)
}

// EnqueueBatch inserts several queue rows in one transaction and returns the
// assigned ids in input order.
func (s *Store) EnqueueBatch(ctx context.Context, items []Item) ([]int64, error) {
	ctx = ensureContext(ctx)
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO download_queue (
                extension_id, manga_id, manga_slug, manga_title, chapter_id,
                status, priority, queued_at, progress_current, progress_total
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)`,
			item.ExtensionID,
			item.MangaID,
			nullableString(item.MangaSlug),
			nullableString(item.MangaTitle),
			nullableString(item.ChapterID),
			StatusQueued,
			item.Priority,
			now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert queue item: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("last insert id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue: %w", err)
	}
	return ids, nil
}

// GetItem fetches a queue item by identifier. Returns nil when absent.
func (s *Store) GetItem(ctx context.Context, id int64) (*Item, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+queueColumns+` FROM download_queue WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// NextQueued returns the highest-priority oldest queued item, or nil.
func (s *Store) NextQueued(ctx context.Context) (*Item, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM download_queue
         WHERE status = ? ORDER BY priority DESC, queued_at ASC, id ASC LIMIT 1`,
		StatusQueued,
	)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next queued item: %w", err)
	}
	return item, nil
}

// ListQueue returns queue items filtered by status set (or all items when no
// status is provided), priority-ordered.
func (s *Store) ListQueue(ctx context.Context, statuses ...Status) ([]*Item, error) {
	ctx = ensureContext(ctx)
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + queueColumns + ` FROM download_queue`
	orderClause := ` ORDER BY priority DESC, queued_at ASC, id ASC`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// HasActiveChapter reports whether a queued or downloading row already exists
// for the chapter.
func (s *Store) HasActiveChapter(ctx context.Context, extensionID, mangaID, chapterID string) (bool, error) {
	ctx = ensureContext(ctx)
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM download_queue
         WHERE extension_id = ? AND manga_id = ? AND chapter_id = ? AND status IN (?, ?)`,
		extensionID, mangaID, chapterID, StatusQueued, StatusDownloading,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check active chapter: %w", err)
	}
	return count > 0, nil
}

// MarkDownloading transitions an item to downloading and stamps started_at.
func (s *Store) MarkDownloading(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(ctx,
		`UPDATE download_queue
         SET status = ?, started_at = ?, error_message = NULL
         WHERE id = ?`,
		StatusDownloading, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark downloading: %w", err)
	}
	return nil
}

// UpdateProgress persists the progress numerator/denominator for an item.
func (s *Store) UpdateProgress(ctx context.Context, id int64, current, total int64) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE download_queue SET progress_current = ?, progress_total = ? WHERE id = ?`,
		current, total, id,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// MarkFailed records a failure message and flips the item to failed.
func (s *Store) MarkFailed(ctx context.Context, id int64, message string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(ctx,
		`UPDATE download_queue
         SET status = ?, error_message = ?, completed_at = ?
         WHERE id = ?`,
		StatusFailed, nullableString(message), now, id,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkCompleted stamps completed_at and flips the item to completed.
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.execWithRetry(ctx,
		`UPDATE download_queue
         SET status = ?, completed_at = ?, error_message = NULL
         WHERE id = ?`,
		StatusCompleted, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// RetryItem resets a failed or downloading item back to queued and clears the
// recorded error and progress.
func (s *Store) RetryItem(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE download_queue
         SET status = ?, error_message = NULL, started_at = NULL,
             progress_current = 0, progress_total = 0
         WHERE id = ? AND status IN (?, ?, ?)`,
		StatusQueued, id, StatusFailed, StatusDownloading, StatusPaused,
	)
	if err != nil {
		return false, fmt.Errorf("retry item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// RemoveItem deletes a queue row by identifier.
func (s *Store) RemoveItem(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM download_queue WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete queue item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClearQueue removes all rows matching the given statuses, or every row when
// none are given.
func (s *Store) ClearQueue(ctx context.Context, statuses ...Status) (int64, error) {
	ctx = ensureContext(ctx)
	if len(statuses) == 0 {
		res, err := s.execWithRetry(ctx, `DELETE FROM download_queue`)
		if err != nil {
			return 0, fmt.Errorf("clear queue: %w", err)
		}
		return res.RowsAffected()
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = status
	}
	res, err := s.execWithRetry(ctx, `DELETE FROM download_queue WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("clear queue by status: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns a count of queue items grouped by status.
func (s *Store) Stats(ctx context.Context) (QueueStats, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM download_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(QueueStats)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id           int64
		extensionID  string
		mangaID      string
		mangaSlug    sql.NullString
		mangaTitle   sql.NullString
		chapterID    sql.NullString
		statusStr    string
		priority     int
		queuedRaw    sql.NullString
		startedRaw   sql.NullString
		completedRaw sql.NullString
		progressCur  sql.NullInt64
		progressTot  sql.NullInt64
		errorMessage sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&extensionID,
		&mangaID,
		&mangaSlug,
		&mangaTitle,
		&chapterID,
		&statusStr,
		&priority,
		&queuedRaw,
		&startedRaw,
		&completedRaw,
		&progressCur,
		&progressTot,
		&errorMessage,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:              id,
		ExtensionID:     extensionID,
		MangaID:         mangaID,
		MangaSlug:       mangaSlug.String,
		MangaTitle:      mangaTitle.String,
		ChapterID:       chapterID.String,
		Status:          Status(statusStr),
		Priority:        priority,
		ProgressCurrent: progressCur.Int64,
		ProgressTotal:   progressTot.Int64,
		ErrorMessage:    errorMessage.String,
	}

	if queued, err := parseTimeString(queuedRaw.String); err == nil {
		item.QueuedAt = queued
	}
	if startedRaw.Valid {
		if started, err := parseTimeString(startedRaw.String); err == nil {
			item.StartedAt = &started
		}
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			item.CompletedAt = &completed
		}
	}
	return item, nil
}
