package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/sapliy/coordination/internal/dlq"
	"github.com/sapliy/coordination/internal/outbox"
	"github.com/sapliy/coordination/internal/platform"
)

const leaseKey = "outbox:relay:leader"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("outbox relay stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	p, err := platform.Open(ctx, "outbox", ":8092")
	if err != nil {
		return err
	}
	defer p.Close(context.Background())

	var repo outbox.Repository = outbox.NewMemoryRepository()
	if p.DB != nil {
		if err := p.Migrate(outbox.Migrate); err != nil {
			return err
		}
		repo = outbox.NewPostgresRepository(p.DB)
	}

	cfg := p.Config.Outbox
	var opts []outbox.RelayOption
	opts = append(opts, outbox.WithRelayEvents(p.Events))
	if p.Redis != nil {
		opts = append(opts, outbox.WithLease(outbox.NewRedisLease(p.Redis, leaseKey, cfg.LeaseTTL)))
	} else {
		p.Logger.Warn("redis not configured, relay runs without a leader lease")
	}

	relay := outbox.NewRelay(repo, p.Caller,
		dlq.NewClient(p.Caller, cfg.DLQService, cfg.DLQURL),
		outbox.RelayConfig{
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.BatchSize,
			MaxRetries:   cfg.MaxRetries,
			DeliveryPath: cfg.DeliveryPath,
		}, p.Logger, opts...)
	p.Go(ctx, "relay", relay.Run)

	router := p.Router()
	NewHandler(outbox.NewService(repo, p.Logger)).Register(router)
	return p.Serve(ctx, router)
}
