package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"tankobon/internal/catalog"
	"tankobon/internal/events"
	"tankobon/internal/fetcher"
	"tankobon/internal/logging"
	"tankobon/internal/provider"
	"tankobon/internal/storage"
	"tankobon/internal/textutil"
)

// downloadChapter fetches every page of one chapter and records it. Pages are
// fetched in fixed-size batches; each batch boundary is a sync point where
// progress is persisted and the queue row is re-checked, so a cancelled item
// stops within one batch and leaves no sidecar behind.
func (w *Worker) downloadChapter(ctx context.Context, item *catalog.Item) (int64, error) {
	return w.downloadChapterInto(ctx, item, func(pagesDone, totalPages int64) {
		if err := w.store.UpdateProgress(ctx, item.ID, pagesDone, totalPages); err != nil {
			w.logger.Warn("progress update failed",
				logging.Int64(logging.FieldQueueID, item.ID), logging.Error(err))
		}
		w.emit(events.Event{
			Kind:        events.KindDownloadProgress,
			QueueID:     item.ID,
			ExtensionID: item.ExtensionID,
			MangaID:     item.MangaID,
			ChapterID:   item.ChapterID,
			Current:     pagesDone,
			Total:       totalPages,
		})
	})
}

// downloadChapterInto runs the batched fetch loop for one chapter. onBatch is
// invoked after every persisted batch with the running page tally.
func (w *Worker) downloadChapterInto(ctx context.Context, item *catalog.Item, onBatch func(pagesDone, totalPages int64)) (int64, error) {
	manga, details, err := w.manager.PrepareManga(ctx, item.MangaID)
	if err != nil {
		return 0, err
	}
	info := findChapter(details, item.ChapterID)
	if info == nil {
		return 0, fmt.Errorf("chapter %s not listed by provider", item.ChapterID)
	}

	pages, err := w.provider.ChapterPages(ctx, item.ExtensionID, item.MangaID, item.ChapterID)
	if err != nil {
		return 0, fmt.Errorf("resolve pages: %w", err)
	}
	if len(pages) == 0 {
		return 0, fmt.Errorf("chapter %s has no pages", item.ChapterID)
	}

	// Gateways number pages inconsistently: zero-based, one-based, and sparse
	// runs all occur. Order by the advertised index, then renumber from zero
	// so the index doubles as the record slot and the on-disk file name.
	sort.Slice(pages, func(i, j int) bool { return pages[i].Index < pages[j].Index })
	for i := range pages {
		pages[i].Index = i
	}

	folderName := textutil.ChapterFolderName(info.Number, info.ID)
	chapterDir := w.manager.ChapterDir(manga.Slug, folderName)

	records := make([]storage.PageRecord, len(pages))
	total := int64(len(pages))
	concurrency := w.cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var completed int64
	for start := 0; start < len(pages); start += concurrency {
		if gone, err := w.itemGone(ctx, item.ID); err != nil {
			return 0, err
		} else if gone {
			os.RemoveAll(chapterDir)
			return 0, errCancelled
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		end := start + concurrency
		if end > len(pages) {
			end = len(pages)
		}
		if err := w.fetchBatch(ctx, pages[start:end], chapterDir, records); err != nil {
			return 0, err
		}

		completed += int64(end - start)
		onBatch(completed, total)
	}

	// Last chance to observe a cancellation before anything is recorded.
	if gone, err := w.itemGone(ctx, item.ID); err != nil {
		return 0, err
	} else if gone {
		os.RemoveAll(chapterDir)
		return 0, errCancelled
	}

	if err := w.manager.RecordChapter(ctx, manga, *info, folderName, records); err != nil {
		return 0, err
	}

	var totalBytes int64
	for _, record := range records {
		totalBytes += record.SizeBytes
	}
	return totalBytes, nil
}

// fetchBatch downloads one batch of pages concurrently into chapterDir and
// fills the matching slots of records.
func (w *Worker) fetchBatch(ctx context.Context, batch []provider.Page, chapterDir string, records []storage.PageRecord) error {
	var wg sync.WaitGroup
	errs := make([]error, len(batch))

	for i, page := range batch {
		wg.Add(1)
		go func(i int, page provider.Page) {
			defer wg.Done()
			fileName := textutil.PageFileName(page.Index, pageExt(page.URL))
			asset, err := w.fetch.FetchPage(ctx, page.URL, filepath.Join(chapterDir, fileName))
			if err != nil {
				errs[i] = fmt.Errorf("page %d: %w", page.Index, err)
				return
			}
			w.registry.PageFetched(asset.SizeBytes)
			// The URL extension is only a guess; the decoded image type is
			// authoritative.
			if corrected := textutil.PageFileName(page.Index, fetcher.ExtensionForMime(asset.MimeType)); corrected != fileName {
				if err := os.Rename(filepath.Join(chapterDir, fileName), filepath.Join(chapterDir, corrected)); err != nil {
					errs[i] = fmt.Errorf("page %d: %w", page.Index, err)
					return
				}
				fileName = corrected
			}
			records[page.Index] = storage.PageRecord{
				Index:     page.Index,
				File:      fileName,
				SizeBytes: asset.SizeBytes,
				MimeType:  asset.MimeType,
				Width:     asset.Width,
				Height:    asset.Height,
			}
		}(i, page)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// mangaProgressScale is the number of progress units one chapter contributes
// to a manga job.
const mangaProgressScale = 100

// downloadManga fetches every not-yet-downloaded chapter of a manga under a
// single queue item. Aggregate progress counts 100 units per chapter so a
// half-fetched chapter surfaces as a fraction instead of holding the tally at
// the previous chapter boundary.
func (w *Worker) downloadManga(ctx context.Context, item *catalog.Item) (int64, error) {
	_, details, err := w.manager.PrepareManga(ctx, item.MangaID)
	if err != nil {
		return 0, err
	}
	downloaded, err := w.store.ChapterIDSet(ctx, item.ExtensionID, item.MangaID)
	if err != nil {
		return 0, err
	}

	var pending []provider.ChapterInfo
	for _, chapter := range details.Chapters {
		if _, ok := downloaded[chapter.ID]; !ok {
			pending = append(pending, chapter)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	total := int64(len(pending)) * mangaProgressScale
	var totalBytes int64
	for i, info := range pending {
		if gone, err := w.itemGone(ctx, item.ID); err != nil {
			return totalBytes, err
		} else if gone {
			return totalBytes, errCancelled
		}
		if ctx.Err() != nil {
			return totalBytes, ctx.Err()
		}

		chapterBase := int64(i) * mangaProgressScale
		chapterItem := *item
		chapterItem.ChapterID = info.ID
		bytes, err := w.downloadChapterInto(ctx, &chapterItem, func(pagesDone, totalPages int64) {
			current := chapterBase + pagesDone*mangaProgressScale/totalPages
			if err := w.store.UpdateProgress(ctx, item.ID, current, total); err != nil {
				w.logger.Warn("progress update failed",
					logging.Int64(logging.FieldQueueID, item.ID), logging.Error(err))
			}
			w.emit(events.Event{
				Kind:        events.KindDownloadProgress,
				QueueID:     item.ID,
				ExtensionID: item.ExtensionID,
				MangaID:     item.MangaID,
				Current:     current,
				Total:       total,
			})
		})
		if err != nil {
			return totalBytes, fmt.Errorf("chapter %s: %w", info.ID, err)
		}
		totalBytes += bytes
	}
	return totalBytes, nil
}

// itemGone reports whether the queue row vanished, which is how cancellation
// reaches a running download.
func (w *Worker) itemGone(ctx context.Context, id int64) (bool, error) {
	item, err := w.store.GetItem(ctx, id)
	if err != nil {
		return false, err
	}
	return item == nil, nil
}

func findChapter(details *provider.MangaDetails, chapterID string) *provider.ChapterInfo {
	for i := range details.Chapters {
		if details.Chapters[i].ID == chapterID {
			return &details.Chapters[i]
		}
	}
	return nil
}

// pageExt derives a file extension from the page URL, defaulting to jpg.
func pageExt(pageURL string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(stripQuery(pageURL)), "."))
	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp":
		if ext == "jpeg" {
			return "jpg"
		}
		return ext
	default:
		return "jpg"
	}
}

func stripQuery(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		return u[:i]
	}
	return u
}
