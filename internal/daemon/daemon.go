// Package daemon assembles the worker process: single-instance lock, catalog
// store, storage manager, download worker, cleanup engine, event pipeline,
// and the IPC server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"tankobon/internal/catalog"
	"tankobon/internal/cleanup"
	"tankobon/internal/config"
	"tankobon/internal/events"
	"tankobon/internal/fetcher"
	"tankobon/internal/ipc"
	"tankobon/internal/logging"
	"tankobon/internal/provider"
	"tankobon/internal/storage"
	"tankobon/internal/worker"
)

// ErrAlreadyRunning indicates another daemon instance holds the lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// Daemon owns the full subsystem lifecycle.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	lock      *flock.Flock
	store     *catalog.Store
	manager   *storage.Manager
	worker    *worker.Worker
	engine    *cleanup.Engine
	bus       *events.Bus
	coalescer *events.Coalescer
	server    *ipc.Server

	unsubscribe func()
	started     bool
}

// New creates an unstarted daemon.
func New(cfg *config.Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Daemon{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "daemon"),
	}
}

// LockPath returns the single-instance lock file location.
func LockPath(cfg *config.Config) string {
	return filepath.Join(cfg.Paths.LogDir, "tankobond.lock")
}

// Start acquires the instance lock, wires every component, starts the IPC
// server, and launches the download worker.
func (d *Daemon) Start(ctx context.Context) error {
	if d.started {
		return errors.New("daemon already started")
	}
	if err := d.cfg.EnsureDirectories(); err != nil {
		return err
	}

	d.lock = flock.New(LockPath(d.cfg))
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}

	store, err := catalog.Open(d.cfg.CatalogDBPath())
	if err != nil {
		d.lock.Unlock()
		return fmt.Errorf("open catalog: %w", err)
	}
	d.store = store

	prov, err := d.buildProvider()
	if err != nil {
		d.cleanupPartial()
		return err
	}
	fetch := fetcher.New(fetcher.WithLogger(d.logger))

	d.bus = events.NewBus(d.logger)
	d.coalescer = events.NewCoalescer(d.bus.Publish,
		time.Duration(d.cfg.Events.FlushWindowMS)*time.Millisecond,
		d.cfg.Events.MaxBuffered)

	d.manager = storage.NewManager(d.cfg, store, prov, fetch,
		storage.WithLogger(d.logger),
		storage.WithEmitter(d.coalescer.Push))
	d.worker = worker.New(d.cfg, d.manager, prov, fetch,
		worker.WithLogger(d.logger),
		worker.WithEmitter(d.coalescer.Push))
	d.engine = cleanup.New(d.cfg, d.manager,
		cleanup.WithLogger(d.logger),
		cleanup.WithEmitter(d.coalescer.Push))

	// Quota checks ride on download completions.
	d.unsubscribe = d.bus.Subscribe(func(envelope events.Envelope) {
		if !hasCompletion(envelope) {
			return
		}
		go func() {
			if _, err := d.engine.RunIfNeeded(context.Background()); err != nil {
				d.logger.Warn("auto cleanup failed", logging.Error(err))
			}
		}()
	})

	d.server = ipc.NewServer(d.cfg, d.manager, d.worker, d.engine, d.bus,
		ipc.WithServerLogger(d.logger))
	if err := d.server.Start(); err != nil {
		d.cleanupPartial()
		return err
	}

	if err := d.worker.Start(ctx); err != nil {
		d.cleanupPartial()
		return err
	}

	d.started = true
	d.logger.Info("daemon started",
		logging.String("data_dir", d.cfg.Paths.DataDir),
		logging.String("socket", d.cfg.SocketPath()))
	return nil
}

func (d *Daemon) buildProvider() (provider.Provider, error) {
	baseURL := d.cfg.Extension.BaseURL
	if baseURL == "" {
		return nil, errors.New("extension.base_url required")
	}
	var opts []provider.Option
	if d.cfg.Extension.RequestTimeout > 0 {
		opts = append(opts, provider.WithTimeout(time.Duration(d.cfg.Extension.RequestTimeout)*time.Second))
	}
	client, err := provider.NewClient(baseURL, opts...)
	if err != nil {
		return nil, err
	}
	return provider.NewCached(client,
		time.Duration(d.cfg.ProviderCache.TTLSecs)*time.Second,
		d.cfg.ProviderCache.MaxEntries), nil
}

// ReportFatal pushes an unrecoverable error to connected controllers.
func (d *Daemon) ReportFatal(err error, stack string) {
	if d.server != nil {
		d.server.ReportFatal(err, stack)
	}
}

// Stop shuts the daemon down in reverse start order.
func (d *Daemon) Stop(ctx context.Context) error {
	if !d.started {
		return nil
	}
	d.started = false

	var firstErr error
	if err := d.worker.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	// Flush buffered events while the IPC server can still broadcast them.
	d.coalescer.Close()
	if err := d.server.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	d.logger.Info("daemon stopped")
	return firstErr
}

func (d *Daemon) cleanupPartial() {
	if d.coalescer != nil {
		d.coalescer.Close()
	}
	if d.server != nil {
		d.server.Close()
	}
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.lock != nil {
		d.lock.Unlock()
	}
}

func hasCompletion(envelope events.Envelope) bool {
	if envelope.Type != events.EnvelopeDownloadUpdate {
		return false
	}
	for _, event := range envelope.Events {
		if event.Kind == events.KindDownloadCompleted {
			return true
		}
	}
	return false
}
