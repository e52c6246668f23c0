// Package platform opens the infrastructure shared by the coordination
// services: configuration, logging, tracing, Postgres, Redis, Kafka events,
// service location, the resilient caller and the worker pool.
package platform

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sapliy/coordination/pkg/config"
	"github.com/sapliy/coordination/pkg/database"
	"github.com/sapliy/coordination/pkg/locator"
	"github.com/sapliy/coordination/pkg/messaging"
	"github.com/sapliy/coordination/pkg/observability"
	"github.com/sapliy/coordination/pkg/remote"
	"github.com/sapliy/coordination/pkg/server"
	"github.com/sapliy/coordination/pkg/worker"
)

// Version is reported as the tracing service version.
var Version = "0.1.0"

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

type Platform struct {
	Config *config.Config
	Logger *slog.Logger
	// DB is nil when no DSN or secret is configured; services fall back to memory stores.
	DB *sql.DB
	// Redis is nil when redis.addr is empty.
	Redis   *redis.Client
	Events  *messaging.Emitter
	Locator locator.Locator
	Caller  *remote.Caller
	Pool    *worker.Pool

	closers []closer

	mu    sync.Mutex
	stops []context.CancelFunc
	loops sync.WaitGroup
}

// Open loads the configuration for service and connects everything it names.
// Optional dependencies that are not configured are left nil.
func Open(ctx context.Context, service, defaultAddr string) (*Platform, error) {
	cfg, err := config.Load(service, defaultAddr)
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(service, cfg.LogLevel).Logger
	slog.SetDefault(logger)

	p := &Platform{Config: cfg, Logger: logger}
	if err := p.open(ctx); err != nil {
		p.Close(context.Background())
		return nil, err
	}
	return p, nil
}

func (p *Platform) open(ctx context.Context) error {
	cfg := p.Config

	shutdown, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    cfg.Service,
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Environment:    cfg.Tracing.Environment,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		// Tracing is best effort.
		p.Logger.Warn("failed to initialize tracer", "error", err)
	} else {
		p.OnClose("tracer", shutdown)
	}

	if err := p.openDatabase(ctx); err != nil {
		return err
	}

	if cfg.Redis.Addr != "" {
		p.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := p.Redis.Ping(ctx).Err(); err != nil {
			p.Logger.Warn("redis not reachable, continuing", "addr", cfg.Redis.Addr, "error", err)
		}
		p.OnClose("redis", func(context.Context) error { return p.Redis.Close() })
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer := messaging.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		p.OnClose("kafka", func(context.Context) error { return producer.Close() })
		p.Events = messaging.NewEmitter(producer, cfg.Service, p.Logger)
		p.OnClose("events", p.Events.Close)
	}

	loc, err := p.openLocator()
	if err != nil {
		return err
	}
	p.Locator = loc
	p.Caller = remote.NewCaller(loc, cfg.Remote.Caller(), p.Logger)
	p.Pool = worker.NewPool(cfg.Workers, p.Logger)
	return nil
}

func (p *Platform) openDatabase(ctx context.Context) error {
	dbCfg := p.Config.Database
	if dbCfg.DSN == "" && dbCfg.SecretID == "" {
		p.Logger.Warn("no database configured, state is kept in memory only")
		return nil
	}

	var secrets config.SecretGetter
	if dbCfg.SecretID != "" {
		client, err := config.NewSecretsClient(ctx, dbCfg.AWSRegion)
		if err != nil {
			return err
		}
		secrets = client
	}
	dsn, err := config.ResolveDSN(ctx, dbCfg, secrets)
	if err != nil {
		return err
	}

	db, err := database.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	p.DB = db
	p.OnClose("database", func(context.Context) error { return db.Close() })
	p.Logger.Info("database connection established")
	return nil
}

func (p *Platform) openLocator() (locator.Locator, error) {
	cfg := p.Config.Locator

	var static locator.Locator
	if len(cfg.Static) > 0 {
		s, err := locator.ParseStatic(cfg.Static)
		if err != nil {
			return nil, fmt.Errorf("locator.static: %w", err)
		}
		static = s
	}

	var registry locator.Locator
	if cfg.ConsulAddr != "" {
		c, err := locator.NewConsul(cfg.ConsulAddr)
		if err != nil {
			return nil, err
		}
		registry = c
	}

	var cache *locator.RedisCache
	if p.Redis != nil && registry != nil {
		cache = locator.NewRedisCache(p.Redis, cfg.CacheTTL)
	}
	return locator.NewChain(registry, cache, static, p.Logger), nil
}

// Migrate applies a component's migrations when a database is configured and
// migrations are enabled.
func (p *Platform) Migrate(migrate func(db *sql.DB, logger *slog.Logger) error) error {
	if p.DB == nil || !p.Config.Database.Migrate {
		return nil
	}
	if err := migrate(p.DB, p.Logger); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Router returns the service router with /health, /health/breakers and /metrics mounted.
func (p *Platform) Router() *mux.Router {
	r := server.NewRouter(p.Config.Service)
	server.MountBreakers(r, p.Caller)
	return r
}

// Serve runs the HTTP server until ctx is done.
func (p *Platform) Serve(ctx context.Context, h http.Handler) error {
	h = server.Handler(p.Config.Service, h, &observability.Logger{Logger: p.Logger})
	return server.Run(ctx, p.Config.HTTPAddr, h, p.Config.ShutdownTimeout, p.Logger)
}

// Go runs a long-lived background loop. Close cancels its context and waits
// for it to return before anything else is shut down.
func (p *Platform) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.stops = append(p.stops, cancel)
	p.loops.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.loops.Done()
		defer cancel()
		fn(ctx)
		p.Logger.Debug("background loop stopped", "loop", name)
	}()
}

// Close stops the background loops, drains the worker pool within the
// shutdown timeout and releases every connection in reverse order of opening.
func (p *Platform) Close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.shutdownTimeout())
	defer cancel()

	p.stopLoops(ctx)
	if p.Pool != nil {
		if err := p.Pool.Drain(ctx); err != nil {
			p.Logger.Warn("background work did not finish before shutdown", "error", err)
		}
	}
	for i := len(p.closers) - 1; i >= 0; i-- {
		c := p.closers[i]
		if err := c.fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.Logger.Warn("failed to close", "resource", c.name, "error", err)
		}
	}
	p.closers = nil
}

func (p *Platform) stopLoops(ctx context.Context) {
	p.mu.Lock()
	stops := p.stops
	p.stops = nil
	p.mu.Unlock()
	for _, stop := range stops {
		stop()
	}

	done := make(chan struct{})
	go func() {
		p.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.Logger.Warn("background loops did not stop before shutdown", "error", ctx.Err())
	}
}

// OnClose registers fn to run during Close, after the background loops and
// the worker pool have finished.
func (p *Platform) OnClose(name string, fn func(ctx context.Context) error) {
	p.closers = append(p.closers, closer{name: name, fn: fn})
}

func (p *Platform) shutdownTimeout() time.Duration {
	if p.Config == nil || p.Config.ShutdownTimeout <= 0 {
		return 15 * time.Second
	}
	return p.Config.ShutdownTimeout
}
