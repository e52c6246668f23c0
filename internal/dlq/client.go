package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sapliy/coordination/pkg/remote"
)

// Client enqueues dead letters on a remote DLQ service through the resilient caller.
type Client struct {
	caller  Caller
	service string
	baseURL string
}

// NewClient targets service, resolved through the caller's locator unless baseURL is set.
func NewClient(caller Caller, service, baseURL string) *Client {
	return &Client{caller: caller, service: service, baseURL: baseURL}
}

func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (*Message, error) {
	resp, err := c.caller.Do(ctx, remote.Request{
		Service:  c.service,
		BaseURL:  c.baseURL,
		Endpoint: remote.Endpoint{Method: http.MethodPost, Path: "/messages"},
		Body:     req,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dead-letter message for %s: %w", req.DestinationService, err)
	}

	var m Message
	if err := json.Unmarshal(resp.Body, &m); err != nil {
		return nil, fmt.Errorf("failed to decode dead letter reply: %w", err)
	}
	return &m, nil
}
