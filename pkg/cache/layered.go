package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/psantana5/stormwater/pkg/cachekey"
	"github.com/psantana5/stormwater/pkg/models"
)

// DefaultLocalTTL bounds how long a locally cached copy is served
const DefaultLocalTTL = 5 * time.Minute

// Stats is a snapshot of LayeredCache counters
type Stats struct {
	LocalHits  uint64
	RemoteHits uint64
	Misses     uint64
	Errors     uint64
}

// LayeredCache serves reads from an in-process LRU before consulting the
// durable backend. Writes go to the durable backend first; the local copy
// is only populated once the durable write succeeded.
type LayeredCache struct {
	local    *MemoryCache
	remote   ResultCache
	localTTL time.Duration

	localHits  atomic.Uint64
	remoteHits atomic.Uint64
	misses     atomic.Uint64
	failures   atomic.Uint64
}

// NewLayeredCache wraps remote with a local LRU of size entries
func NewLayeredCache(remote ResultCache, size int, localTTL time.Duration) (*LayeredCache, error) {
	if remote == nil {
		return nil, errors.New("layered cache requires a remote backend")
	}
	local, err := NewMemoryCache(size)
	if err != nil {
		return nil, err
	}
	if localTTL <= 0 {
		localTTL = DefaultLocalTTL
	}
	return &LayeredCache{local: local, remote: remote, localTTL: localTTL}, nil
}

// Get reads through the local layer
func (c *LayeredCache) Get(ctx context.Context, key cachekey.Key) (*models.SimulationResult, bool, error) {
	if result, ok, err := c.local.Get(ctx, key); err != nil {
		return nil, false, err
	} else if ok {
		c.localHits.Add(1)
		return result, true, nil
	}

	result, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		c.failures.Add(1)
		return nil, false, err
	}
	if !ok {
		c.misses.Add(1)
		return nil, false, nil
	}

	c.remoteHits.Add(1)
	// The local layer is an optimization; failing to fill it is harmless
	_ = c.local.Put(ctx, key, result, c.localTTL)
	return result, true, nil
}

// Put writes through to the remote backend
func (c *LayeredCache) Put(ctx context.Context, key cachekey.Key, result *models.SimulationResult, ttl time.Duration) error {
	if err := c.remote.Put(ctx, key, result, ttl); err != nil {
		c.failures.Add(1)
		return err
	}
	localTTL := c.localTTL
	if ttl > 0 && ttl < localTTL {
		localTTL = ttl
	}
	_ = c.local.Put(ctx, key, result, localTTL)
	return nil
}

// Delete removes key from both layers
func (c *LayeredCache) Delete(ctx context.Context, key cachekey.Key) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, key)
}

// Ping checks the remote backend
func (c *LayeredCache) Ping(ctx context.Context) error {
	return c.remote.Ping(ctx)
}

// Close closes both layers
func (c *LayeredCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns a snapshot of the hit and miss counters
func (c *LayeredCache) Stats() Stats {
	return Stats{
		LocalHits:  c.localHits.Load(),
		RemoteHits: c.remoteHits.Load(),
		Misses:     c.misses.Load(),
		Errors:     c.failures.Load(),
	}
}
