package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sapliy/coordination/internal/dlq"
	"github.com/sapliy/coordination/internal/platform"
	"github.com/sapliy/coordination/internal/saga"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("saga orchestrator stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	p, err := platform.Open(ctx, "saga", ":8091")
	if err != nil {
		return err
	}
	defer p.Close(context.Background())

	var repo saga.Repository = saga.NewMemoryRepository()
	if p.DB != nil {
		if err := p.Migrate(saga.Migrate); err != nil {
			return err
		}
		repo = saga.NewPostgresRepository(p.DB)
	}

	// Failed compensations go to the DLQ service named in the outbox settings.
	dead := dlq.NewClient(p.Caller, p.Config.Outbox.DLQService, p.Config.Outbox.DLQURL)
	svc := saga.NewService(repo, p.Caller, p.Pool, p.Logger,
		saga.WithEvents(p.Events),
		saga.WithDeadLetters(dead),
	)

	if err := svc.Recover(ctx); err != nil {
		return err
	}

	router := p.Router()
	NewHandler(svc).Register(router)
	return p.Serve(ctx, router)
}
