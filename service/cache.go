package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ResponseCache memoizes successful query results. It is a pure side-table:
// every method is nil-receiver safe so a disabled cache degrades to a 100%
// miss rate without touching correctness.
type ResponseCache struct {
	search  *expirable.LRU[string, any]
	options *expirable.LRU[string, any]
}

// NewResponseCache builds the two-tier cache: a short TTL for search and
// aggregate pages, a long TTL for slow-changing metadata like filter
// options and task results.
func NewResponseCache(maxEntries int, searchTTL, optionsTTL time.Duration) *ResponseCache {
	if maxEntries <= 0 {
		maxEntries = 512
	}
	return &ResponseCache{
		search:  expirable.NewLRU[string, any](maxEntries, nil, searchTTL),
		options: expirable.NewLRU[string, any](maxEntries, nil, optionsTTL),
	}
}

// Get returns the cached value for key, or miss.
func (c *ResponseCache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.search.Get(key)
}

// Set stores a successful result under key. Callers must never pass error
// results here.
func (c *ResponseCache) Set(key string, v any) {
	if c == nil {
		return
	}
	c.search.Add(key, v)
}

// GetLong reads the long-TTL tier.
func (c *ResponseCache) GetLong(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	return c.options.Get(key)
}

// SetLong stores into the long-TTL tier.
func (c *ResponseCache) SetLong(key string, v any) {
	if c == nil {
		return
	}
	c.options.Add(key, v)
}

// Purge empties both tiers.
func (c *ResponseCache) Purge() {
	if c == nil {
		return
	}
	c.search.Purge()
	c.options.Purge()
}

// CacheKey derives a stable content-addressed key for a request payload.
// The payload is re-marshalled through a generic value so map keys come out
// in sorted order, making the hash independent of struct field order or
// client-side key ordering.
func CacheKey(prefix string, payload any) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		return prefix + ":unhashable"
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err == nil {
		if canon, err := json.Marshal(generic); err == nil {
			raw = canon
		}
	}
	digest := sha256.Sum256(raw)
	return prefix + ":" + hex.EncodeToString(digest[:])
}
