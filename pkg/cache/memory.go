package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/psantana5/stormwater/pkg/cachekey"
	"github.com/psantana5/stormwater/pkg/models"
)

// DefaultMemoryEntries bounds a memory cache created with size <= 0
const DefaultMemoryEntries = 1024

type memoryEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryCache is a bounded in-process LRU. It does not survive restarts
// and is meant for tests, development and the local layer of LayeredCache.
type MemoryCache struct {
	mu      sync.Mutex
	entries *lru.Cache[cachekey.Key, memoryEntry]
	now     func() time.Time
}

// NewMemoryCache creates a memory cache holding at most size entries
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	entries, err := lru.New[cachekey.Key, memoryEntry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &MemoryCache{entries: entries, now: time.Now}, nil
}

// Get decodes a fresh copy of the stored result, so callers may mutate it
func (c *MemoryCache) Get(ctx context.Context, key cachekey.Key) (*models.SimulationResult, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	entry, ok := c.entries.Get(key)
	if ok && !entry.expiresAt.IsZero() && !c.now().Before(entry.expiresAt) {
		c.entries.Remove(key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return nil, false, nil
	}
	result, err := decode(entry.data)
	if err != nil {
		return nil, false, err
	}
	return result, true, nil
}

// Put stores result under key
func (c *MemoryCache) Put(ctx context.Context, key cachekey.Key, result *models.SimulationResult, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	data, err := encode(result)
	if err != nil {
		return err
	}

	entry := memoryEntry{data: data}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries.Add(key, entry)
	c.mu.Unlock()
	return nil
}

// Delete removes key
func (c *MemoryCache) Delete(ctx context.Context, key cachekey.Key) error {
	if err := checkKey(key); err != nil {
		return err
	}
	c.mu.Lock()
	c.entries.Remove(key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired or not
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Ping always succeeds
func (c *MemoryCache) Ping(ctx context.Context) error { return nil }

// Close drops all entries
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	c.entries.Purge()
	c.mu.Unlock()
	return nil
}
