// Package config loads service configuration from defaults, an optional YAML
// file named by CONFIG_FILE and COORD_* environment variables, in rising precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sapliy/coordination/pkg/apperr"
	"github.com/sapliy/coordination/pkg/remote"
	"github.com/sapliy/coordination/pkg/resilience"
	"github.com/spf13/viper"
)

const envPrefix = "COORD"

type Config struct {
	Service         string
	HTTPAddr        string
	LogLevel        slog.Level
	Workers         int
	ShutdownTimeout time.Duration

	Database    DatabaseConfig
	Redis       RedisConfig
	Kafka       KafkaConfig
	RabbitMQ    RabbitMQConfig
	Locator     LocatorConfig
	Tracing     TracingConfig
	Remote      RemoteConfig
	Coordinator CoordinatorConfig
	Outbox      OutboxConfig
	DLQ         DLQConfig
}

type DatabaseConfig struct {
	DSN       string
	SecretID  string
	AWSRegion string
	Migrate   bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type RabbitMQConfig struct {
	URL   string
	Queue string
}

type LocatorConfig struct {
	ConsulAddr string
	CacheTTL   time.Duration
	Static     []string
}

type TracingConfig struct {
	Endpoint    string
	Environment string
	SampleRatio float64
}

type RemoteConfig struct {
	Timeout          time.Duration
	BreakerThreshold uint32
	BreakerRecovery  time.Duration
	RetryAttempts    int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryFactor      float64
	RetryJitter      float64
}

// Caller converts the settings into a remote.Config.
func (r RemoteConfig) Caller() remote.Config {
	cfg := remote.DefaultConfig()
	cfg.Timeout = r.Timeout
	cfg.Breaker = resilience.BreakerConfig{
		FailureThreshold: r.BreakerThreshold,
		RecoveryTimeout:  r.BreakerRecovery,
	}
	cfg.Retry.MaxAttempts = r.RetryAttempts
	cfg.Retry.BaseDelay = r.RetryBaseDelay
	cfg.Retry.MaxDelay = r.RetryMaxDelay
	cfg.Retry.Factor = r.RetryFactor
	cfg.Retry.Jitter = r.RetryJitter
	return cfg
}

type CoordinatorConfig struct {
	TransactionTimeout time.Duration
	ScanInterval       time.Duration
}

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int
	DeliveryPath string
	LeaseTTL     time.Duration
	DLQService   string
	DLQURL       string
}

type DLQConfig struct {
	MaxRetries        int
	AutoRetryInterval time.Duration
	AutoRetryBase     time.Duration
	DeliveryPath      string
}

func setDefaults(v *viper.Viper, httpAddr string) {
	v.SetDefault("http_addr", httpAddr)
	v.SetDefault("log_level", "info")
	v.SetDefault("workers", 16)
	v.SetDefault("shutdown_timeout", "15s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.secret_id", "")
	v.SetDefault("database.aws_region", "")
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "coordination.events")

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.queue", "")

	v.SetDefault("locator.consul_addr", "")
	v.SetDefault("locator.cache_ttl", "5m")
	v.SetDefault("locator.static", "")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.environment", "development")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("remote.timeout", "5s")
	v.SetDefault("remote.breaker_threshold", 5)
	v.SetDefault("remote.breaker_recovery", "30s")
	v.SetDefault("remote.retry_attempts", 3)
	v.SetDefault("remote.retry_base_delay", "100ms")
	v.SetDefault("remote.retry_max_delay", "2s")
	v.SetDefault("remote.retry_factor", 2.0)
	v.SetDefault("remote.retry_jitter", 0.5)

	v.SetDefault("coordinator.transaction_timeout", "30s")
	v.SetDefault("coordinator.scan_interval", "1s")

	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.batch_size", 10)
	v.SetDefault("outbox.max_retries", 5)
	v.SetDefault("outbox.delivery_path", "/events")
	v.SetDefault("outbox.lease_ttl", "10s")
	v.SetDefault("outbox.dlq_service", "dlq")
	v.SetDefault("outbox.dlq_url", "")

	v.SetDefault("dlq.max_retries", 5)
	v.SetDefault("dlq.auto_retry_interval", "0s")
	v.SetDefault("dlq.auto_retry_base", "30s")
	v.SetDefault("dlq.delivery_path", "/events")
}

// Load reads the configuration for the named service. httpAddr is the
// service's default listen address.
func Load(service, httpAddr string) (*Config, error) {
	v := viper.New()
	setDefaults(v, httpAddr)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log_level"))); err != nil {
		return nil, apperr.Invalid("log_level: %v", err)
	}

	cfg := &Config{
		Service:         service,
		HTTPAddr:        v.GetString("http_addr"),
		LogLevel:        level,
		Workers:         v.GetInt("workers"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		Database: DatabaseConfig{
			DSN:       v.GetString("database.dsn"),
			SecretID:  v.GetString("database.secret_id"),
			AWSRegion: v.GetString("database.aws_region"),
			Migrate:   v.GetBool("database.migrate"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(v.GetString("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:   v.GetString("rabbitmq.url"),
			Queue: v.GetString("rabbitmq.queue"),
		},
		Locator: LocatorConfig{
			ConsulAddr: v.GetString("locator.consul_addr"),
			CacheTTL:   v.GetDuration("locator.cache_ttl"),
			Static:     splitList(v.GetString("locator.static")),
		},
		Tracing: TracingConfig{
			Endpoint:    v.GetString("tracing.endpoint"),
			Environment: v.GetString("tracing.environment"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
		Remote: RemoteConfig{
			Timeout:          v.GetDuration("remote.timeout"),
			BreakerThreshold: v.GetUint32("remote.breaker_threshold"),
			BreakerRecovery:  v.GetDuration("remote.breaker_recovery"),
			RetryAttempts:    v.GetInt("remote.retry_attempts"),
			RetryBaseDelay:   v.GetDuration("remote.retry_base_delay"),
			RetryMaxDelay:    v.GetDuration("remote.retry_max_delay"),
			RetryFactor:      v.GetFloat64("remote.retry_factor"),
			RetryJitter:      v.GetFloat64("remote.retry_jitter"),
		},
		Coordinator: CoordinatorConfig{
			TransactionTimeout: v.GetDuration("coordinator.transaction_timeout"),
			ScanInterval:       v.GetDuration("coordinator.scan_interval"),
		},
		Outbox: OutboxConfig{
			PollInterval: v.GetDuration("outbox.poll_interval"),
			BatchSize:    v.GetInt("outbox.batch_size"),
			MaxRetries:   v.GetInt("outbox.max_retries"),
			DeliveryPath: v.GetString("outbox.delivery_path"),
			LeaseTTL:     v.GetDuration("outbox.lease_ttl"),
			DLQService:   v.GetString("outbox.dlq_service"),
			DLQURL:       v.GetString("outbox.dlq_url"),
		},
		DLQ: DLQConfig{
			MaxRetries:        v.GetInt("dlq.max_retries"),
			AutoRetryInterval: v.GetDuration("dlq.auto_retry_interval"),
			AutoRetryBase:     v.GetDuration("dlq.auto_retry_base"),
			DeliveryPath:      v.GetString("dlq.delivery_path"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return apperr.Invalid("http_addr is required")
	}
	if c.Workers < 1 {
		return apperr.Invalid("workers must be positive, got %d", c.Workers)
	}
	if c.Outbox.BatchSize < 1 {
		return apperr.Invalid("outbox.batch_size must be positive, got %d", c.Outbox.BatchSize)
	}
	if c.Outbox.MaxRetries < 1 {
		return apperr.Invalid("outbox.max_retries must be positive, got %d", c.Outbox.MaxRetries)
	}
	if c.DLQ.MaxRetries < 1 {
		return apperr.Invalid("dlq.max_retries must be positive, got %d", c.DLQ.MaxRetries)
	}
	if c.Remote.RetryJitter < 0 || c.Remote.RetryJitter > 1 {
		return apperr.Invalid("remote.retry_jitter must be within [0, 1], got %v", c.Remote.RetryJitter)
	}
	for _, p := range []string{c.Outbox.DeliveryPath, c.DLQ.DeliveryPath} {
		if _, err := remote.ParseEndpoint(p); err != nil {
			return fmt.Errorf("delivery path: %w", err)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
