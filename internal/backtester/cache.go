package backtester

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/signal-backend/pkg/types"
)

type cacheEntry struct {
	result  *types.BacktestResult
	expires time.Time
}

// ResultCache keeps finished results keyed by their request. Cached results
// are shared between callers and must not be modified.
type ResultCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewResultCache creates a cache whose entries live for ttl. A ttl <= 0
// disables caching.
func NewResultCache(ttl time.Duration) *ResultCache {
	return &ResultCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// CacheKey returns the sha256 of the normalised request. Parameters that
// have no JSON form, such as NaN, are rejected as invalid configuration.
func CacheKey(req types.BacktestRequest) (string, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.Strategy = strings.ToUpper(strings.TrimSpace(req.Strategy))
	if req.Interval == "" {
		req.Interval = types.Timeframe1d
	}
	if len(req.Parameters) == 0 {
		req.Parameters = nil
	}
	// map keys are sorted by encoding/json, so equal requests encode equally
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidConfiguration, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns the live result for key
func (c *ResultCache) Get(key string) (*types.BacktestResult, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.result, true
}

// Put stores result under key and drops expired entries
func (c *ResultCache) Put(key string, result *types.BacktestResult) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{result: result, expires: now.Add(c.ttl)}
}

// Len returns the number of stored entries, expired or not
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
