package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sapliy/coordination/internal/coordinator"
	"github.com/sapliy/coordination/internal/platform"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("coordinator stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	p, err := platform.Open(ctx, "coordinator", ":8090")
	if err != nil {
		return err
	}
	defer p.Close(context.Background())

	var repo coordinator.Repository = coordinator.NewMemoryRepository()
	if p.DB != nil {
		if err := p.Migrate(coordinator.Migrate); err != nil {
			return err
		}
		repo = coordinator.NewPostgresRepository(p.DB)
	}

	cfg := p.Config.Coordinator
	svc := coordinator.NewService(repo, p.Caller, p.Pool, coordinator.Config{
		DefaultTimeout: cfg.TransactionTimeout,
		ScanInterval:   cfg.ScanInterval,
	}, p.Logger, coordinator.WithEvents(p.Events))

	if err := svc.Recover(ctx); err != nil {
		return err
	}
	p.Go(ctx, "timeout-watcher", svc.RunTimeoutWatcher)

	router := p.Router()
	NewHandler(svc).Register(router)
	return p.Serve(ctx, router)
}
