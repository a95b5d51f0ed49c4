package distribution

import (
	"context"
	"log/slog"
	"sync"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/governance"
)

// RateResolver resolves the split in force for a scope.
type RateResolver interface {
	ResolveSplit(ctx context.Context, scope string) (governance.RevenueSplit, governance.Tier, error)
}

type cachedRates struct {
	rates Rates
	tier  governance.Tier
}

// RateCache memoizes resolved rates per scope until Invalidate is called.
type RateCache struct {
	resolver RateResolver
	logger   *slog.Logger

	mu         sync.RWMutex
	entries    map[string]cachedRates
	generation uint64
}

func NewRateCache(resolver RateResolver, logger *slog.Logger) *RateCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateCache{
		resolver: resolver,
		logger:   logger,
		entries:  make(map[string]cachedRates),
	}
}

func (c *RateCache) Get(ctx context.Context, scope string) (Rates, governance.Tier, error) {
	c.mu.RLock()
	entry, ok := c.entries[scope]
	gen := c.generation
	c.mu.RUnlock()
	if ok {
		return entry.rates, entry.tier, nil
	}

	rates, tier, err := c.resolver.ResolveSplit(ctx, scope)
	if err != nil {
		return Rates{}, "", err
	}

	c.mu.Lock()
	// An invalidation that raced the lookup wins; the next caller resolves again.
	if c.generation == gen {
		c.entries[scope] = cachedRates{rates: rates, tier: tier}
	}
	c.mu.Unlock()
	return rates, tier, nil
}

// Invalidate drops every cached scope.
func (c *RateCache) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[string]cachedRates)
	c.generation++
	c.mu.Unlock()
	c.logger.Info("distribution rate cache invalidated")
}

func (c *RateCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
