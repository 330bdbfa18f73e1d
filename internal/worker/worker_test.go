package worker_test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tankobon/internal/catalog"
	"tankobon/internal/config"
	"tankobon/internal/events"
	"tankobon/internal/fetcher"
	"tankobon/internal/provider"
	"tankobon/internal/storage"
	"tankobon/internal/testsupport"
	"tankobon/internal/worker"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) emit(event events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) byKind(kind events.Kind) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, event := range r.events {
		if event.Kind == kind {
			out = append(out, event)
		}
	}
	return out
}

type fixture struct {
	cfg      *config.Config
	store    *catalog.Store
	provider *testsupport.FakeProvider
	manager  *storage.Manager
	worker   *worker.Worker
	recorder *eventRecorder
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	fake := testsupport.NewFakeProvider()
	recorder := &eventRecorder{}
	fetch := fetcher.New()
	manager := storage.NewManager(cfg, store, fake, fetch, storage.WithEmitter(recorder.emit))
	w := worker.New(cfg, manager, fake, fetch, worker.WithEmitter(recorder.emit))
	return &fixture{cfg: cfg, store: store, provider: fake, manager: manager, worker: w, recorder: recorder}
}

func (f *fixture) startWorker(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := f.worker.Start(ctx); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := f.worker.Stop(stopCtx); err != nil {
			t.Errorf("stop worker: %v", err)
		}
	})
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerDownloadsChapterInBatches(t *testing.T) {
	f := newFixture(t, testsupport.WithConcurrency(3))
	server := testsupport.ImageServer(t)

	urls := testsupport.PageURLs(server.URL, 10)
	f.provider.AddManga("m1", provider.MangaDetails{
		Title:    "Vinland Saga",
		Chapters: []provider.ChapterInfo{{ID: "c1", Title: "Somewhere Not Here", Number: "1"}},
	})
	f.provider.SetPages("m1", "c1", urls...)

	ctx := context.Background()
	item, err := f.manager.QueueChapterDownload(ctx, "m1", "c1", 0)
	if err != nil {
		t.Fatalf("queue chapter: %v", err)
	}

	f.startWorker(t)
	waitFor(t, "history entry", func() bool {
		entries, err := f.store.ListHistory(ctx, 0)
		return err == nil && len(entries) == 1
	})

	// Batches of 3 over 10 pages persist progress exactly four times.
	progress := f.recorder.byKind(events.KindDownloadProgress)
	if len(progress) != 4 {
		t.Fatalf("expected 4 progress events, got %d", len(progress))
	}
	wantCurrent := []int64{3, 6, 9, 10}
	for i, event := range progress {
		if event.QueueID != item.ID || event.Current != wantCurrent[i] || event.Total != 10 {
			t.Fatalf("progress event %d = %+v, want current %d of 10", i, event, wantCurrent[i])
		}
	}

	if got := f.recorder.byKind(events.KindDownloadCompleted); len(got) != 1 {
		t.Fatalf("expected 1 completed event, got %d", len(got))
	}

	// The queue row was promoted into history.
	if remaining, err := f.store.GetItem(ctx, item.ID); err != nil || remaining != nil {
		t.Fatalf("queue row must be gone after completion, got %v err %v", remaining, err)
	}
	entries, err := f.store.ListHistory(ctx, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("history: %v %v", entries, err)
	}
	if entries[0].Status != catalog.StatusCompleted || entries[0].ChapterID != "c1" {
		t.Fatalf("unexpected history entry: %+v", entries[0])
	}

	// Catalog row, sidecars, and pages exist.
	chapter, err := f.store.GetChapter(ctx, "test-ext", "m1", "c1")
	if err != nil || chapter == nil {
		t.Fatalf("chapter row: %v %v", chapter, err)
	}
	if chapter.PageCount != 10 {
		t.Fatalf("page count = %d, want 10", chapter.PageCount)
	}
	pages, err := f.manager.GetChapterPages(ctx, "m1", "c1")
	if err != nil {
		t.Fatalf("chapter pages: %v", err)
	}
	if len(pages.Pages) != 10 {
		t.Fatalf("sidecar pages = %d, want 10", len(pages.Pages))
	}
	for i, page := range pages.Pages {
		if page.Index != i || page.SizeBytes <= 0 || page.Width != 3 || page.Height != 4 {
			t.Fatalf("page record %d malformed: %+v", i, page)
		}
	}

	manga, err := f.store.GetManga(ctx, "test-ext", "m1")
	if err != nil || manga == nil {
		t.Fatalf("manga row: %v %v", manga, err)
	}
	if manga.Slug != "vinland-saga" {
		t.Fatalf("slug = %q", manga.Slug)
	}
	if manga.TotalSizeBytes <= 0 {
		t.Fatalf("manga size must be recorded, got %d", manga.TotalSizeBytes)
	}
}

// oneBasedProvider rewrites page indices to the one-based numbering some
// gateways use.
type oneBasedProvider struct {
	*testsupport.FakeProvider
}

func (p *oneBasedProvider) ChapterPages(ctx context.Context, extensionID, mangaID, chapterID string) ([]provider.Page, error) {
	pages, err := p.FakeProvider.ChapterPages(ctx, extensionID, mangaID, chapterID)
	if err != nil {
		return nil, err
	}
	for i := range pages {
		pages[i].Index = i + 1
	}
	return pages, nil
}

func TestWorkerNormalizesGatewayPageNumbers(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithConcurrency(2))
	store := testsupport.MustOpenStore(t, cfg)
	fake := testsupport.NewFakeProvider()
	prov := &oneBasedProvider{FakeProvider: fake}
	recorder := &eventRecorder{}
	fetch := fetcher.New()
	manager := storage.NewManager(cfg, store, prov, fetch, storage.WithEmitter(recorder.emit))
	w := worker.New(cfg, manager, prov, fetch, worker.WithEmitter(recorder.emit))
	f := &fixture{cfg: cfg, store: store, provider: fake, manager: manager, worker: w, recorder: recorder}

	server := testsupport.ImageServer(t)
	fake.AddManga("m1", provider.MangaDetails{
		Title:    "Berserk",
		Chapters: []provider.ChapterInfo{{ID: "c1", Number: "1"}},
	})
	fake.SetPages("m1", "c1", testsupport.PageURLs(server.URL, 5)...)

	ctx := context.Background()
	if _, err := manager.QueueChapterDownload(ctx, "m1", "c1", 0); err != nil {
		t.Fatalf("queue chapter: %v", err)
	}

	f.startWorker(t)
	waitFor(t, "chapter to complete", func() bool {
		chapter, err := store.GetChapter(ctx, "test-ext", "m1", "c1")
		return err == nil && chapter != nil
	})

	if failed := recorder.byKind(events.KindDownloadFailed); len(failed) != 0 {
		t.Fatalf("one-based page numbering broke the download: %+v", failed)
	}
	pages, err := manager.GetChapterPages(ctx, "m1", "c1")
	if err != nil {
		t.Fatalf("chapter pages: %v", err)
	}
	if len(pages.Pages) != 5 {
		t.Fatalf("sidecar pages = %d, want 5", len(pages.Pages))
	}
	for i, page := range pages.Pages {
		if page.Index != i || page.File != fmt.Sprintf("%03d.png", i+1) {
			t.Fatalf("page record %d not renumbered from zero: %+v", i, page)
		}
	}
}

func TestWorkerReportsFractionalMangaProgress(t *testing.T) {
	f := newFixture(t, testsupport.WithConcurrency(1))
	server := testsupport.ImageServer(t)

	f.provider.AddManga("m1", provider.MangaDetails{
		Title: "Berserk",
		Chapters: []provider.ChapterInfo{
			{ID: "c1", Number: "1"},
			{ID: "c2", Number: "2"},
		},
	})
	f.provider.SetPages("m1", "c1", testsupport.PageURLs(server.URL, 2)...)
	f.provider.SetPages("m1", "c2", testsupport.PageURLs(server.URL, 2)...)

	// A manga job is one queue row without a chapter id.
	ctx := context.Background()
	item, err := f.store.Enqueue(ctx, catalog.Item{
		ExtensionID: "test-ext",
		MangaID:     "m1",
		MangaTitle:  "Berserk",
	})
	if err != nil {
		t.Fatalf("enqueue manga job: %v", err)
	}

	f.startWorker(t)
	waitFor(t, "manga job to complete", func() bool {
		entries, err := f.store.ListHistory(ctx, 0)
		return err == nil && len(entries) == 1
	})

	// Two chapters of two pages at concurrency 1: every page batch moves the
	// aggregate on the 100-units-per-chapter scale, so a half-done chapter is
	// visible between chapter boundaries.
	progress := f.recorder.byKind(events.KindDownloadProgress)
	wantCurrent := []int64{50, 100, 150, 200}
	if len(progress) != len(wantCurrent) {
		t.Fatalf("expected %d progress events, got %d: %+v", len(wantCurrent), len(progress), progress)
	}
	for i, event := range progress {
		if event.QueueID != item.ID || event.Current != wantCurrent[i] || event.Total != 200 {
			t.Fatalf("progress event %d = %+v, want current %d of 200", i, event, wantCurrent[i])
		}
	}

	for _, chapterID := range []string{"c1", "c2"} {
		chapter, err := f.store.GetChapter(ctx, "test-ext", "m1", chapterID)
		if err != nil || chapter == nil {
			t.Fatalf("chapter %s row missing: %v %v", chapterID, chapter, err)
		}
	}
	if remaining, err := f.store.GetItem(ctx, item.ID); err != nil || remaining != nil {
		t.Fatalf("manga job row must be gone after completion, got %v err %v", remaining, err)
	}
}

func TestWorkerNamesPagesByImageType(t *testing.T) {
	f := newFixture(t, testsupport.WithConcurrency(2))
	// The server serves PNGs no matter what the URL claims.
	server := testsupport.ImageServer(t)

	f.provider.AddManga("m1", provider.MangaDetails{
		Title:    "Berserk",
		Chapters: []provider.ChapterInfo{{ID: "c1", Number: "1"}},
	})
	f.provider.SetPages("m1", "c1",
		server.URL+"/pages/001.jpg",
		server.URL+"/pages/002.jpg",
	)

	ctx := context.Background()
	if _, err := f.manager.QueueChapterDownload(ctx, "m1", "c1", 0); err != nil {
		t.Fatalf("queue chapter: %v", err)
	}

	f.startWorker(t)
	waitFor(t, "chapter to complete", func() bool {
		chapter, err := f.store.GetChapter(ctx, "test-ext", "m1", "c1")
		return err == nil && chapter != nil
	})

	pages, err := f.manager.GetChapterPages(ctx, "m1", "c1")
	if err != nil {
		t.Fatalf("chapter pages: %v", err)
	}
	if len(pages.Pages) != 2 {
		t.Fatalf("sidecar pages = %d, want 2", len(pages.Pages))
	}
	manga, err := f.store.GetManga(ctx, "test-ext", "m1")
	if err != nil || manga == nil {
		t.Fatalf("manga row: %v %v", manga, err)
	}
	chapterDir := f.manager.ChapterDir(manga.Slug, "chapter-1")
	for i, page := range pages.Pages {
		if page.File != fmt.Sprintf("%03d.png", i+1) || page.MimeType != "image/png" {
			t.Fatalf("page %d kept the url extension: %+v", i, page)
		}
		if _, err := os.Stat(filepath.Join(chapterDir, page.File)); err != nil {
			t.Fatalf("renamed page file missing: %v", err)
		}
	}

	// No stray files under the guessed names.
	entries, err := os.ReadDir(chapterDir)
	if err != nil {
		t.Fatalf("read chapter dir: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("chapter dir should hold 2 pages plus the sidecar, got %d entries", len(entries))
	}
}

func TestWorkerAbandonsCancelledDownload(t *testing.T) {
	f := newFixture(t, testsupport.WithConcurrency(2))

	payload := testPNG(t)
	release := make(chan struct{})
	var once sync.Once
	firstRequest := make(chan struct{})
	blocking := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(firstRequest) })
		<-release
		w.Header().Set("Content-Type", "image/png")
		w.Write(payload)
	}))
	defer blocking.Close()
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	f.provider.AddManga("m1", provider.MangaDetails{
		Title:    "Berserk",
		Chapters: []provider.ChapterInfo{{ID: "c1", Number: "1"}},
	})
	f.provider.SetPages("m1", "c1", testsupport.PageURLs(blocking.URL, 6)...)

	ctx := context.Background()
	item, err := f.manager.QueueChapterDownload(ctx, "m1", "c1", 0)
	if err != nil {
		t.Fatalf("queue chapter: %v", err)
	}

	f.startWorker(t)
	<-firstRequest

	// Cancel while the first batch is in flight, then let it finish.
	if err := f.manager.CancelDownload(ctx, item.ID); err != nil {
		t.Fatalf("cancel download: %v", err)
	}
	close(release)

	waitFor(t, "worker to go idle", func() bool { return f.worker.Current() == 0 })

	if chapter, err := f.store.GetChapter(ctx, "test-ext", "m1", "c1"); err != nil || chapter != nil {
		t.Fatalf("no chapter row may exist after cancel, got %v err %v", chapter, err)
	}
	manga, err := f.store.GetManga(ctx, "test-ext", "m1")
	if err != nil || manga == nil {
		t.Fatalf("manga row: %v %v", manga, err)
	}
	if _, err := os.Stat(f.manager.PagesPath(manga.Slug, "chapter-1")); !os.IsNotExist(err) {
		t.Fatal("pages sidecar must not exist for a cancelled chapter")
	}
	if _, err := os.Stat(f.manager.ChapterDir(manga.Slug, "chapter-1")); !os.IsNotExist(err) {
		t.Fatal("chapter directory must be removed on cancel")
	}

	entries, err := f.store.ListHistory(ctx, 0)
	if err != nil || len(entries) != 1 {
		t.Fatalf("history after cancel: %v %v", entries, err)
	}
	if entries[0].ErrorMessage != catalog.CancelledReason {
		t.Fatalf("history entry must carry the cancel reason, got %q", entries[0].ErrorMessage)
	}
}

func TestWorkerIsolatesFailures(t *testing.T) {
	f := newFixture(t, testsupport.WithConcurrency(2))
	good := testsupport.ImageServer(t)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer bad.Close()

	f.provider.AddManga("m1", provider.MangaDetails{
		Title: "One Piece",
		Chapters: []provider.ChapterInfo{
			{ID: "broken", Number: "1"},
			{ID: "fine", Number: "2"},
		},
	})
	f.provider.SetPages("m1", "broken", testsupport.PageURLs(bad.URL, 3)...)
	f.provider.SetPages("m1", "fine", testsupport.PageURLs(good.URL, 3)...)

	ctx := context.Background()
	// Higher priority so the broken chapter is claimed first.
	brokenItem, err := f.manager.QueueChapterDownload(ctx, "m1", "broken", 5)
	if err != nil {
		t.Fatalf("queue broken: %v", err)
	}
	if _, err := f.manager.QueueChapterDownload(ctx, "m1", "fine", 0); err != nil {
		t.Fatalf("queue fine: %v", err)
	}

	f.startWorker(t)
	waitFor(t, "fine chapter to complete", func() bool {
		chapter, err := f.store.GetChapter(ctx, "test-ext", "m1", "fine")
		return err == nil && chapter != nil
	})

	failed, err := f.store.GetItem(ctx, brokenItem.ID)
	if err != nil || failed == nil {
		t.Fatalf("failed item must stay in queue: %v %v", failed, err)
	}
	if failed.Status != catalog.StatusFailed || failed.ErrorMessage == "" {
		t.Fatalf("broken item not marked failed: %+v", failed)
	}
	if got := f.recorder.byKind(events.KindDownloadFailed); len(got) != 1 {
		t.Fatalf("expected 1 failed event, got %d", len(got))
	}
}

func TestWorkerStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if f.worker.Active() {
		t.Fatal("worker must start inactive")
	}
	if err := f.worker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.worker.Start(ctx); err == nil {
		t.Fatal("second start must fail")
	}
	if !f.worker.Active() {
		t.Fatal("worker must be active after start")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := f.worker.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.worker.Active() {
		t.Fatal("worker must be inactive after stop")
	}
	if err := f.worker.Stop(stopCtx); err != nil {
		t.Fatalf("stop when stopped: %v", err)
	}
}
