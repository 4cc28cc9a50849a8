package converge

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Durable Local Cache
// ============================================================================

// CacheEntry is a cached value together with its write time, so callers
// can tell how stale a fallback read is.
type CacheEntry struct {
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Cache stores last-known-good server state for offline fallback reads.
// Set is best-effort: implementations log and swallow write failures
// rather than returning them, because a failed snapshot write must
// never fail the fetch that produced the data.
type Cache interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, value any)
}

// Cache key conventions shared by the controllers.
func conversationsCacheKey(userID string) string {
	return "chat/conversations/" + userID
}

func messagesCacheKey(conversationID string) string {
	return "chat/messages/" + conversationID
}

// MemoryCache is a goroutine-safe in-memory Cache. Useful for tests and
// for embedders that bring their own persistence.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CacheEntry
	logger  *slog.Logger
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache(logger *slog.Logger) *MemoryCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryCache{
		entries: make(map[string]CacheEntry),
		logger:  logger,
	}
}

func (c *MemoryCache) Get(key string) (*CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return &entry, true
}

func (c *MemoryCache) Set(key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache write skipped", "key", key, "err", err)
		return
	}
	c.mu.Lock()
	c.entries[key] = CacheEntry{Data: data, Timestamp: time.Now().UTC()}
	c.mu.Unlock()
}
