package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sapliy/coordination/pkg/messaging"
	"github.com/sapliy/coordination/pkg/remote"
)

// Headers a publisher can set to route a rejected message back on redelivery.
const (
	HeaderDestination = "x-destination-service"
	HeaderEndpoint    = "x-destination-endpoint"
	HeaderError       = "x-error"
)

type consumer interface {
	ConsumeWithContext(ctx context.Context, queueName string, handler messaging.DeliveryHandler) error
}

// Ingestor turns messages rejected into <queue>.dlq on RabbitMQ into dead letters.
type Ingestor struct {
	consumer consumer
	svc      *Service
	queue    string
	logger   *slog.Logger
}

func NewIngestor(c consumer, svc *Service, queue string, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{consumer: c, svc: svc, queue: queue, logger: logger}
}

// Run consumes until ctx is done.
func (i *Ingestor) Run(ctx context.Context) error {
	dlqName := messaging.DLQName(i.queue)
	i.logger.Info("ingesting dead letters", "queue", dlqName)
	return i.consumer.ConsumeWithContext(ctx, dlqName, i.handle)
}

func (i *Ingestor) handle(ctx context.Context, d amqp.Delivery) error {
	if _, err := i.svc.Enqueue(ctx, i.toRequest(d)); err != nil {
		return fmt.Errorf("failed to ingest %s: %w", d.MessageId, err)
	}
	return nil
}

func (i *Ingestor) toRequest(d amqp.Delivery) EnqueueRequest {
	req := EnqueueRequest{
		SourceQueue:        i.queue,
		DestinationService: headerString(d.Headers, HeaderDestination),
		ErrorMessage:       headerString(d.Headers, HeaderError),
	}
	if req.DestinationService == "" {
		req.DestinationService = d.AppId
	}
	if req.DestinationService == "" {
		req.DestinationService = i.queue
	}
	if ep := headerString(d.Headers, HeaderEndpoint); ep != "" {
		if parsed, err := remote.ParseEndpoint(ep); err == nil {
			req.Endpoint = parsed
		} else {
			i.logger.Warn("ignoring malformed endpoint header", "message_id", d.MessageId, "error", err)
		}
	}

	if queue, reason, ok := lastDeath(d.Headers); ok {
		req.SourceQueue = queue
		if req.ErrorMessage == "" {
			req.ErrorMessage = "rejected by broker: " + reason
		}
	}

	if json.Valid(d.Body) {
		req.Payload = d.Body
	} else {
		// Non-JSON bodies are kept verbatim as a JSON string.
		req.Payload, _ = json.Marshal(string(d.Body))
	}
	return req
}

// lastDeath reads the most recent entry of the broker's x-death header.
func lastDeath(h amqp.Table) (queue, reason string, ok bool) {
	deaths, _ := h["x-death"].([]interface{})
	if len(deaths) == 0 {
		return "", "", false
	}
	entry, _ := deaths[0].(amqp.Table)
	queue, _ = entry["queue"].(string)
	reason, _ = entry["reason"].(string)
	return queue, reason, queue != ""
}

func headerString(h amqp.Table, key string) string {
	switch v := h[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}
