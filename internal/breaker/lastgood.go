package breaker

import (
	"sync"

	"github.com/ksred/tradegate/internal/types"
)

// StaleTicker is last-known-good market data served while a venue's
// breaker is open, flagged so consumers can see it is not live.
type StaleTicker struct {
	types.Ticker
	Stale bool `json:"stale"`
}

// TickerCache retains the last successful market-data response per
// dependency key and serves it as a degraded-mode fallback.
type TickerCache struct {
	mu   sync.RWMutex
	data map[string]types.Ticker
}

// NewTickerCache creates an empty cache.
func NewTickerCache() *TickerCache {
	return &TickerCache{data: make(map[string]types.Ticker)}
}

// Store records a fresh ticker for a key.
func (c *TickerCache) Store(key string, t types.Ticker) {
	c.mu.Lock()
	c.data[key] = t
	c.mu.Unlock()
}

// Fallback implements FallbackFunc: it serves the cached ticker with
// the staleness flag set, or reports that nothing is cached.
func (c *TickerCache) Fallback(key string) (interface{}, bool) {
	c.mu.RLock()
	t, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return &StaleTicker{Ticker: t, Stale: true}, true
}
