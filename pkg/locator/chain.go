package locator

import (
	"context"
	"log/slog"

	"github.com/sapliy/coordination/pkg/resilience"
)

// Chain tries the registry first, then the cache, then the static table.
// Successful registry lookups refresh the cache. Any source may be nil.
type Chain struct {
	registry Locator
	cache    *RedisCache
	static   Locator
	logger   *slog.Logger
}

func NewChain(registry Locator, cache *RedisCache, static Locator, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{registry: registry, cache: cache, static: static, logger: logger}
}

func (c *Chain) Resolve(ctx context.Context, service string) (Address, error) {
	var sources []resilience.Producer[Address]
	if c.registry != nil {
		sources = append(sources, func(ctx context.Context) (Address, error) {
			a, err := c.registry.Resolve(ctx, service)
			if err != nil {
				c.logger.Warn("registry lookup failed", "target", service, "error", err)
				return Address{}, err
			}
			if c.cache != nil {
				if err := c.cache.Store(ctx, service, a); err != nil {
					c.logger.Warn("failed to cache address", "target", service, "error", err)
				}
			}
			return a, nil
		})
	}
	if c.cache != nil {
		sources = append(sources, func(ctx context.Context) (Address, error) {
			return c.cache.Resolve(ctx, service)
		})
	}
	if c.static != nil {
		sources = append(sources, func(ctx context.Context) (Address, error) {
			return c.static.Resolve(ctx, service)
		})
	}
	if len(sources) == 0 {
		return Address{}, ErrServiceNotFound
	}
	return resilience.Fallback(ctx, sources[0], sources[1:]...)
}
