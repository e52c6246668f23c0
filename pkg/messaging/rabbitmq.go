package messaging

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sapliy/coordination/pkg/resilience"
)

// Config holds configuration for the RabbitMQ client
type Config struct {
	URL       string
	TLSConfig *tls.Config

	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxRetries        int // -1 for infinite
	HeartbeatTimeout  time.Duration
	Prefetch          int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 60 * time.Second,
		MaxRetries:        -1,
		HeartbeatTimeout:  10 * time.Second,
		Prefetch:          10,
	}
}

// DeliveryHandler processes one message. Returning an error requeues it.
type DeliveryHandler func(ctx context.Context, d amqp.Delivery) error

type RabbitMQClient struct {
	config Config
	logger *slog.Logger
	dial   func(Config) (*amqp.Connection, error)
	conn   *amqp.Connection
	ch     *amqp.Channel
	mu     sync.RWMutex

	// ctx is cancelled by Close and stops a reconnect in progress.
	ctx    context.Context
	cancel context.CancelFunc

	notifyConnClose chan *amqp.Error
	isReconnecting  bool
	isClosed        bool
}

var errClientClosed = errors.New("rabbitmq client closed")

func NewRabbitMQClient(config Config, logger *slog.Logger) (*RabbitMQClient, error) {
	client := newClient(config, logger)
	if err := client.connect(); err != nil {
		client.cancel()
		return nil, err
	}

	go client.handleReconnect()

	return client, nil
}

func newClient(config Config, logger *slog.Logger) *RabbitMQClient {
	defaults := DefaultConfig()
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.MaxReconnectDelay == 0 {
		config.MaxReconnectDelay = defaults.MaxReconnectDelay
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = defaults.HeartbeatTimeout
	}
	if config.Prefetch == 0 {
		config.Prefetch = defaults.Prefetch
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RabbitMQClient{config: config, logger: logger, dial: dial, ctx: ctx, cancel: cancel}
}

func dial(config Config) (*amqp.Connection, error) {
	if config.TLSConfig != nil {
		return amqp.DialTLS(config.URL, config.TLSConfig)
	}
	return amqp.DialConfig(config.URL, amqp.Config{
		Heartbeat: config.HeartbeatTimeout,
	})
}

func (r *RabbitMQClient) connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.isClosed {
		return errClientClosed
	}

	r.logger.Info("connecting to rabbitmq", "url", maskURL(r.config.URL))

	conn, err := r.dial(r.config)
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.Qos(r.config.Prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	r.conn = conn
	r.ch = ch
	r.notifyConnClose = make(chan *amqp.Error, 1)
	r.conn.NotifyClose(r.notifyConnClose)
	r.isReconnecting = false

	return nil
}

func (r *RabbitMQClient) handleReconnect() {
	r.mu.RLock()
	if r.isClosed {
		r.mu.RUnlock()
		return
	}
	notifyClose := r.notifyConnClose
	r.mu.RUnlock()

	if err := <-notifyClose; err != nil {
		r.logger.Warn("rabbitmq connection closed, reconnecting", "error", err)
		r.reconnect()
	}
}

// reconnect dials with exponential backoff until it succeeds, MaxRetries
// attempts fail or the client is closed.
func (r *RabbitMQClient) reconnect() {
	r.mu.Lock()
	r.isReconnecting = true
	r.mu.Unlock()

	policy := resilience.RetryPolicy{
		MaxAttempts: r.config.MaxRetries,
		BaseDelay:   r.config.ReconnectDelay,
		MaxDelay:    r.config.MaxReconnectDelay,
		Factor:      2,
		Jitter:      0.2,
		Retryable:   func(err error) bool { return !errors.Is(err, errClientClosed) },
		OnRetry: func(err error, delay time.Duration) {
			r.logger.Warn("rabbitmq reconnect failed", "retry_in", delay, "error", err)
		},
	}

	err := resilience.Retry(r.ctx, policy, func(context.Context) error { return r.connect() })
	switch {
	case err == nil:
		r.logger.Info("rabbitmq reconnected")
		go r.handleReconnect()
	case errors.Is(err, errClientClosed), r.ctx.Err() != nil:
	default:
		r.logger.Error("rabbitmq reconnect attempts exhausted", "attempts", r.config.MaxRetries, "error", err)
	}
}

// DeclareQueueWithDLQ declares name routed to name+".dlq" on rejection, and the DLQ itself.
func (r *RabbitMQClient) DeclareQueueWithDLQ(name string) (amqp.Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.ch == nil {
		return amqp.Queue{}, fmt.Errorf("channel is not initialized")
	}

	dlqName := DLQName(name)

	_, err := r.ch.QueueDeclare(
		dlqName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	return r.ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqName,
		},
	)
}

// DLQName is the dead-letter queue paired with queue.
func DLQName(queue string) string {
	return queue + ".dlq"
}

// ConsumeWithContext consumes queueName until ctx is done, re-subscribing after reconnects.
func (r *RabbitMQClient) ConsumeWithContext(ctx context.Context, queueName string, handler DeliveryHandler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		r.mu.RLock()
		if r.isReconnecting || r.ch == nil {
			r.mu.RUnlock()
			sleepCtx(ctx, time.Second)
			continue
		}
		ch := r.ch
		r.mu.RUnlock()

		msgs, err := ch.Consume(
			queueName, // queue
			"",        // consumer
			false,     // auto-ack
			false,     // exclusive
			false,     // no-local
			false,     // no-wait
			nil,       // args
		)
		if err != nil {
			r.logger.Warn("failed to register a consumer", "queue", queueName, "error", err)
			sleepCtx(ctx, 2*time.Second)
			continue
		}

		if done := r.drain(ctx, queueName, msgs, handler); done {
			return nil
		}

		r.logger.Warn("consumer channel closed, waiting for reconnection", "queue", queueName)
		sleepCtx(ctx, r.config.ReconnectDelay)
	}
}

func (r *RabbitMQClient) drain(ctx context.Context, queueName string, msgs <-chan amqp.Delivery, handler DeliveryHandler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-msgs:
			if !ok {
				return false
			}
			if err := handler(ctx, d); err != nil {
				r.logger.Warn("error handling message", "queue", queueName, "error", err)
				_ = d.Nack(false, true)
			} else {
				_ = d.Ack(false)
			}
		}
	}
}

func (r *RabbitMQClient) Close() {
	r.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.isClosed = true
	if r.ch != nil {
		r.ch.Close()
	}
	if r.conn != nil {
		r.conn.Close()
	}
}

func (r *RabbitMQClient) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn != nil && !r.conn.IsClosed() && !r.isReconnecting
}

func maskURL(url string) string {
	if parts := strings.Split(url, "@"); len(parts) > 1 {
		prefixParts := strings.Split(parts[0], "://")
		if len(prefixParts) == 2 {
			return prefixParts[0] + "://***:***@" + parts[len(parts)-1]
		}
	}
	return url
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
