package locator

import (
	"context"
	"fmt"

	"github.com/hashicorp/consul/api"
	"github.com/sapliy/coordination/pkg/apperr"
)

// Consul resolves services from the Consul catalog.
type Consul struct {
	catalog *api.Catalog
}

// NewConsul connects to the agent at addr, e.g. "consul:8500".
func NewConsul(addr string) (*Consul, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}
	return &Consul{catalog: client.Catalog()}, nil
}

// Resolve returns the first catalog entry for the service. The service address
// is preferred over the node address when the registration sets one.
func (c *Consul) Resolve(ctx context.Context, service string) (Address, error) {
	entries, _, err := c.catalog.Service(service, "", (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return Address{}, fmt.Errorf("consul lookup %s: %v: %w", service, err, apperr.ErrUnreachable)
	}
	if len(entries) == 0 {
		return Address{}, fmt.Errorf("%s: %w", service, ErrServiceNotFound)
	}

	e := entries[0]
	host := e.ServiceAddress
	if host == "" {
		host = e.Address
	}
	return Address{Host: host, Port: e.ServicePort}, nil
}
