// Command tankobond is the offline download worker daemon. It owns the
// download queue, the offline library on disk, and the IPC socket the
// tankobon CLI talks to.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"tankobon/internal/config"
	"tankobon/internal/daemon"
	"tankobon/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "configuration file path")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	d := daemon.New(cfg, logger)
	if err := run(ctx, d); err != nil {
		d.ReportFatal(err, string(debug.Stack()))
		logger.Error("daemon failed", logging.Error(err))
		log.Fatalf("tankobond: %v", err)
	}
	logger.Info("tankobond shut down")
}

func run(ctx context.Context, d *daemon.Daemon) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Stop(stopCtx)
}
