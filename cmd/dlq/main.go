package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sapliy/coordination/internal/dlq"
	"github.com/sapliy/coordination/internal/platform"
	"github.com/sapliy/coordination/pkg/messaging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("dead letter queue stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	p, err := platform.Open(ctx, "dlq", ":8093")
	if err != nil {
		return err
	}
	defer p.Close(context.Background())

	var repo dlq.Repository = dlq.NewMemoryRepository()
	if p.DB != nil {
		if err := p.Migrate(dlq.Migrate); err != nil {
			return err
		}
		repo = dlq.NewPostgresRepository(p.DB)
	}

	cfg := p.Config.DLQ
	svc := dlq.NewService(repo, p.Caller, p.Pool, dlq.Config{
		MaxRetries:        cfg.MaxRetries,
		DeliveryPath:      cfg.DeliveryPath,
		AutoRetryInterval: cfg.AutoRetryInterval,
		AutoRetryBase:     cfg.AutoRetryBase,
	}, p.Logger, dlq.WithEvents(p.Events))
	p.Go(ctx, "auto-retry", svc.RunAutoRetry)

	if rmq := p.Config.RabbitMQ; rmq.URL != "" && rmq.Queue != "" {
		mqCfg := messaging.DefaultConfig()
		mqCfg.URL = rmq.URL
		client, err := messaging.NewRabbitMQClient(mqCfg, p.Logger)
		if err != nil {
			return err
		}
		p.OnClose("rabbitmq", func(context.Context) error {
			client.Close()
			return nil
		})
		if _, err := client.DeclareQueueWithDLQ(rmq.Queue); err != nil {
			return fmt.Errorf("failed to declare %s: %w", rmq.Queue, err)
		}
		ingestor := dlq.NewIngestor(client, svc, rmq.Queue, p.Logger)
		p.Go(ctx, "ingest", func(ctx context.Context) {
			if err := ingestor.Run(ctx); err != nil && ctx.Err() == nil {
				p.Logger.Error("dead letter ingest stopped", "error", err)
			}
		})
	}

	router := p.Router()
	NewHandler(svc).Register(router)
	return p.Serve(ctx, router)
}
