package catalog_test

import (
	"context"
	"testing"
	"time"

	"tankobon/internal/catalog"
	"tankobon/internal/testsupport"
)

func enqueue(t *testing.T, store *catalog.Store, item catalog.Item) *catalog.Item {
	t.Helper()
	queued, err := store.Enqueue(context.Background(), item)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return queued
}

func TestEnqueueAssignsIDAndDefaults(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	item := enqueue(t, store, catalog.Item{
		ExtensionID: "ext",
		MangaID:     "m1",
		MangaTitle:  "One Piece",
		ChapterID:   "c1",
	})
	if item.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if item.Status != catalog.StatusQueued {
		t.Fatalf("status = %q, want queued", item.Status)
	}
	if item.QueuedAt.IsZero() {
		t.Fatal("expected queued_at to be stamped")
	}
	if item.IsMangaJob() {
		t.Fatal("chapter item misreported as manga job")
	}
}

func TestNextQueuedHonorsPriorityThenFIFO(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	low := enqueue(t, store, catalog.Item{ExtensionID: "ext", MangaID: "m1", ChapterID: "c1"})
	high := enqueue(t, store, catalog.Item{ExtensionID: "ext", MangaID: "m1", ChapterID: "c2", Priority: 5})

	next, err := store.NextQueued(ctx)
	if err != nil {
		t.Fatalf("NextQueued failed: %v", err)
	}
	if next == nil || next.ID != high.ID {
		t.Fatalf("expected high-priority item %d first, got %+v", high.ID, next)
	}

	if err := store.MarkDownloading(ctx, high.ID); err != nil {
		t.Fatalf("MarkDownloading failed: %v", err)
	}
	next, err = store.NextQueued(ctx)
	if err != nil {
		t.Fatalf("NextQueued failed: %v", err)
	}
	if next == nil || next.ID != low.ID {
		t.Fatalf("expected FIFO item %d next, got %+v", low.ID, next)
	}
}

func TestMarkDownloadingStampsStartAndClearsError(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	item := enqueue(t, store, catalog.Item{ExtensionID: "ext", MangaID: "m1", ChapterID: "c1"})
	if err := store.MarkFailed(ctx, item.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if _, err := store.RetryItem(ctx, item.ID); err != nil {
		t.Fatalf("RetryItem failed: %v", err)
	}
	if err := store.MarkDownloading(ctx, item.ID); err != nil {
		t.Fatalf("MarkDownloading failed: %v", err)
	}

	fetched, err := store.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if fetched.Status != catalog.StatusDownloading {
		t.Fatalf("status = %q, want downloading", fetched.Status)
	}
	if fetched.StartedAt == nil {
		t.Fatal("expected started_at to be stamped")
	}
	if fetched.ErrorMessage != "" {
		t.Fatalf("expected cleared error, got %q", fetched.ErrorMessage)
	}
}

func TestRetryItemOnlyTouchesRetryableStatuses(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	item := enqueue(t, store, catalog.Item{ExtensionID: "ext", MangaID: "m1", ChapterID: "c1"})
	if err := store.MarkCompleted(ctx, item.ID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	retried, err := store.RetryItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("RetryItem failed: %v", err)
	}
	if retried {
		t.Fatal("completed item must not be retryable")
	}
}

func TestRemoveItemReportsDisappearance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	item := enqueue(t, store, catalog.Item{ExtensionID: "ext", MangaID: "m1", ChapterID: "c1"})
	removed, err := store.RemoveItem(ctx, item.ID)
	if err != nil || !removed {
		t.Fatalf("RemoveItem = (%v, %v), want (true, nil)", removed, err)
	}

	fetched, err := store.GetItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if fetched != nil {
		t.Fatalf("expected nil for removed item, got %+v", fetched)
	}

	removed, err = store.RemoveItem(ctx, item.ID)
	if err != nil || removed {
		t.Fatalf("second RemoveItem = (%v, %v), want (false, nil)", removed, err)
	}
}

func TestHasActiveChapterSeesQueuedAndDownloading(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	item := enqueue(t, store, catalog.Item{ExtensionID: "ext", MangaID: "m1", ChapterID: "c1"})

	active, err := store.HasActiveChapter(ctx, "ext", "m1", "c1")
	if err != nil || !active {
		t.Fatalf("HasActiveChapter(queued) = (%v, %v), want (true, nil)", active, err)
	}

	if err := store.MarkDownloading(ctx, item.ID); err != nil {
		t.Fatalf("MarkDownloading failed: %v", err)
	}
	active, err = store.HasActiveChapter(ctx, "ext", "m1", "c1")
	if err != nil || !active {
		t.Fatalf("HasActiveChapter(downloading) = (%v, %v), want (true, nil)", active, err)
	}

	if err := store.MarkFailed(ctx, item.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	active, err = store.HasActiveChapter(ctx, "ext", "m1", "c1")
	if err != nil || active {
		t.Fatalf("HasActiveChapter(failed) = (%v, %v), want (false, nil)", active, err)
	}
}

func TestStatsGroupsByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	enqueue(t, store, catalog.Item{ExtensionID: "ext", MangaID: "m1", ChapterID: "c1"})
	item := enqueue(t, store, catalog.Item{ExtensionID: "ext", MangaID: "m1", ChapterID: "c2"})
	if err := store.MarkFailed(ctx, item.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats[catalog.StatusQueued] != 1 || stats[catalog.StatusFailed] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
	if stats.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", stats.Active())
	}
}

func TestMangaAndChapterRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	manga := catalog.Manga{
		ExtensionID:    "ext",
		MangaID:        "m1",
		Slug:           "one-piece",
		Title:          "One Piece",
		CoverFile:      "cover.jpg",
		TotalSizeBytes: 1024,
	}
	if err := store.UpsertManga(ctx, manga); err != nil {
		t.Fatalf("UpsertManga failed: %v", err)
	}
	if err := store.UpsertChapter(ctx, catalog.Chapter{
		ExtensionID: "ext",
		MangaID:     "m1",
		ChapterID:   "c1",
		Title:       "Romance Dawn",
		Number:      "1",
		FolderName:  "chapter-1",
		PageCount:   20,
		SizeBytes:   512,
	}); err != nil {
		t.Fatalf("UpsertChapter failed: %v", err)
	}

	fetched, err := store.GetManga(ctx, "ext", "m1")
	if err != nil {
		t.Fatalf("GetManga failed: %v", err)
	}
	if fetched == nil || fetched.Slug != "one-piece" {
		t.Fatalf("unexpected manga: %+v", fetched)
	}

	ids, err := store.ChapterIDSet(ctx, "ext", "m1")
	if err != nil {
		t.Fatalf("ChapterIDSet failed: %v", err)
	}
	if _, ok := ids["c1"]; !ok || len(ids) != 1 {
		t.Fatalf("unexpected chapter id set: %v", ids)
	}

	// Upsert with a new page count must replace, not duplicate.
	if err := store.UpsertChapter(ctx, catalog.Chapter{
		ExtensionID: "ext",
		MangaID:     "m1",
		ChapterID:   "c1",
		FolderName:  "chapter-1",
		PageCount:   21,
	}); err != nil {
		t.Fatalf("second UpsertChapter failed: %v", err)
	}
	count, err := store.CountChapters(ctx, "ext", "m1")
	if err != nil {
		t.Fatalf("CountChapters failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("CountChapters = %d, want 1", count)
	}
	chapter, err := store.GetChapter(ctx, "ext", "m1", "c1")
	if err != nil {
		t.Fatalf("GetChapter failed: %v", err)
	}
	if chapter.PageCount != 21 {
		t.Fatalf("PageCount = %d, want 21", chapter.PageCount)
	}
}

func TestDeleteMangaCascadesChapters(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	if err := store.UpsertManga(ctx, catalog.Manga{ExtensionID: "ext", MangaID: "m1", Slug: "s"}); err != nil {
		t.Fatalf("UpsertManga failed: %v", err)
	}
	for _, chapterID := range []string{"c1", "c2"} {
		if err := store.UpsertChapter(ctx, catalog.Chapter{
			ExtensionID: "ext", MangaID: "m1", ChapterID: chapterID, FolderName: "f",
		}); err != nil {
			t.Fatalf("UpsertChapter failed: %v", err)
		}
	}

	if err := store.DeleteManga(ctx, "ext", "m1"); err != nil {
		t.Fatalf("DeleteManga failed: %v", err)
	}
	count, err := store.CountChapters(ctx, "ext", "m1")
	if err != nil {
		t.Fatalf("CountChapters failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected chapters to cascade, %d remain", count)
	}
}

func TestListMangaStale(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := store.UpsertManga(ctx, catalog.Manga{
		ExtensionID: "ext", MangaID: "stale", Slug: "stale",
		DownloadedAt: old, LastUpdatedAt: old,
	}); err != nil {
		t.Fatalf("UpsertManga failed: %v", err)
	}
	if err := store.UpsertManga(ctx, catalog.Manga{ExtensionID: "ext", MangaID: "fresh", Slug: "fresh"}); err != nil {
		t.Fatalf("UpsertManga failed: %v", err)
	}

	stale, err := store.ListMangaStale(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ListMangaStale failed: %v", err)
	}
	if len(stale) != 1 || stale[0].MangaID != "stale" {
		t.Fatalf("unexpected stale list: %+v", stale)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	id, err := store.AddHistory(ctx, catalog.HistoryEntry{
		ExtensionID: "ext",
		MangaID:     "m1",
		MangaTitle:  "One Piece",
		ChapterID:   "c1",
		Status:      catalog.StatusCompleted,
		TotalBytes:  2048,
	})
	if err != nil {
		t.Fatalf("AddHistory failed: %v", err)
	}

	entries, err := store.ListHistory(ctx, 10)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id || entries[0].TotalBytes != 2048 {
		t.Fatalf("unexpected history: %+v", entries)
	}

	removed, err := store.DeleteHistory(ctx, id)
	if err != nil || !removed {
		t.Fatalf("DeleteHistory = (%v, %v), want (true, nil)", removed, err)
	}
	cleared, err := store.ClearHistory(ctx)
	if err != nil || cleared != 0 {
		t.Fatalf("ClearHistory = (%d, %v), want (0, nil)", cleared, err)
	}
}

func TestNukeOfflineDataClearsEverything(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	enqueue(t, store, catalog.Item{ExtensionID: "ext", MangaID: "m1", ChapterID: "c1"})
	if err := store.UpsertManga(ctx, catalog.Manga{ExtensionID: "ext", MangaID: "m1", Slug: "s"}); err != nil {
		t.Fatalf("UpsertManga failed: %v", err)
	}
	if _, err := store.AddHistory(ctx, catalog.HistoryEntry{
		ExtensionID: "ext", MangaID: "m1", Status: catalog.StatusCompleted,
	}); err != nil {
		t.Fatalf("AddHistory failed: %v", err)
	}

	if err := store.NukeOfflineData(ctx); err != nil {
		t.Fatalf("NukeOfflineData failed: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("expected empty queue, got %v", stats)
	}
	manga, err := store.ListManga(ctx)
	if err != nil {
		t.Fatalf("ListManga failed: %v", err)
	}
	if len(manga) != 0 {
		t.Fatalf("expected no manga, got %d", len(manga))
	}
}
