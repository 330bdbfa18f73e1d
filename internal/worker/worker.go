// Package worker drains the download queue: it claims queued items one at a
// time, fetches their pages, and hands finished chapters to the storage
// manager.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tankobon/internal/catalog"
	"tankobon/internal/config"
	"tankobon/internal/events"
	"tankobon/internal/fetcher"
	"tankobon/internal/logging"
	"tankobon/internal/metrics"
	"tankobon/internal/provider"
	"tankobon/internal/storage"
)

// errCancelled marks a download abandoned because its queue row disappeared.
var errCancelled = errors.New("download cancelled")

// Worker owns the polling loop that processes queue items.
type Worker struct {
	cfg      *config.Config
	manager  *storage.Manager
	store    *catalog.Store
	provider provider.Provider
	fetch    *fetcher.Fetcher
	logger   *slog.Logger
	emit     func(events.Event)
	registry *metrics.Registry

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool

	current atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logging.WithComponent(logger, "worker")
		}
	}
}

// WithEmitter routes worker events into the given sink.
func WithEmitter(emit func(events.Event)) Option {
	return func(w *Worker) {
		if emit != nil {
			w.emit = emit
		}
	}
}

// New creates a worker bound to the manager's store and metrics.
func New(cfg *config.Config, manager *storage.Manager, prov provider.Provider, fetch *fetcher.Fetcher, opts ...Option) *Worker {
	w := &Worker{
		cfg:      cfg,
		manager:  manager,
		store:    manager.Store(),
		provider: prov,
		fetch:    fetch,
		logger:   logging.NewNop(),
		emit:     func(events.Event) {},
		registry: manager.Metrics(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the polling loop. Calling Start on a running worker is an
// error.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("worker already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go w.run(runCtx)
	w.logger.Info("worker started",
		logging.Duration("poll_interval", w.cfg.PollInterval()),
		logging.Int("concurrency", w.cfg.Worker.Concurrency))
	return nil
}

// Stop halts the loop and waits for the in-flight item to settle, bounded by
// ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("worker stop: %w", ctx.Err())
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.logger.Info("worker stopped")
	return nil
}

// Active reports whether the polling loop is running.
func (w *Worker) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Current returns the queue id being processed, zero when idle.
func (w *Worker) Current() int64 {
	return w.current.Load()
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		if ctx.Err() != nil {
			return
		}
		item, err := w.store.NextQueued(ctx)
		if err != nil {
			w.logger.Error("queue poll failed", logging.Error(err))
			if !w.waitForNextPoll(ctx) {
				return
			}
			continue
		}
		if item == nil {
			if !w.waitForNextPoll(ctx) {
				return
			}
			continue
		}
		w.process(ctx, item)
	}
}

// waitForNextPoll sleeps one poll interval, returning false on shutdown.
func (w *Worker) waitForNextPoll(ctx context.Context) bool {
	timer := time.NewTimer(w.cfg.PollInterval())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// process runs one queue item end to end. A failing item is marked failed
// and the loop moves on; one bad chapter never stalls the queue.
func (w *Worker) process(ctx context.Context, item *catalog.Item) {
	w.current.Store(item.ID)
	defer w.current.Store(0)

	if err := w.store.MarkDownloading(ctx, item.ID); err != nil {
		w.logger.Error("mark downloading failed", logging.Int64(logging.FieldQueueID, item.ID), logging.Error(err))
		return
	}
	w.emit(events.Event{
		Kind:        events.KindDownloadStarted,
		QueueID:     item.ID,
		ExtensionID: item.ExtensionID,
		MangaID:     item.MangaID,
		ChapterID:   item.ChapterID,
	})
	w.logger.Info("download started",
		logging.Int64(logging.FieldQueueID, item.ID),
		logging.String(logging.FieldMangaID, item.MangaID),
		logging.String(logging.FieldChapterID, item.ChapterID))

	var (
		totalBytes int64
		err        error
	)
	if item.IsMangaJob() {
		totalBytes, err = w.downloadManga(ctx, item)
	} else {
		totalBytes, err = w.downloadChapter(ctx, item)
	}

	switch {
	case errors.Is(err, errCancelled):
		w.logger.Info("download abandoned, item removed",
			logging.Int64(logging.FieldQueueID, item.ID))
	case ctx.Err() != nil:
		// Shutdown mid-download: leave the row downloading so the frozen
		// policy or the next start picks it back up.
		w.logger.Info("download interrupted by shutdown",
			logging.Int64(logging.FieldQueueID, item.ID))
	case err != nil:
		if markErr := w.store.MarkFailed(ctx, item.ID, err.Error()); markErr != nil {
			w.logger.Error("mark failed failed", logging.Int64(logging.FieldQueueID, item.ID), logging.Error(markErr))
		}
		w.registry.DownloadFailed()
		w.emit(events.Event{
			Kind:        events.KindDownloadFailed,
			QueueID:     item.ID,
			ExtensionID: item.ExtensionID,
			MangaID:     item.MangaID,
			ChapterID:   item.ChapterID,
			Error:       err.Error(),
		})
		w.logger.Error("download failed",
			logging.Int64(logging.FieldQueueID, item.ID), logging.Error(err))
	default:
		if err := w.manager.PromoteCompleted(ctx, item, totalBytes); err != nil {
			w.logger.Error("history promotion failed",
				logging.Int64(logging.FieldQueueID, item.ID), logging.Error(err))
		}
		w.registry.DownloadCompleted()
		w.emit(events.Event{
			Kind:        events.KindDownloadCompleted,
			QueueID:     item.ID,
			ExtensionID: item.ExtensionID,
			MangaID:     item.MangaID,
			ChapterID:   item.ChapterID,
			Total:       totalBytes,
		})
		w.logger.Info("download completed",
			logging.Int64(logging.FieldQueueID, item.ID),
			logging.Int64("bytes", totalBytes))
	}
}
