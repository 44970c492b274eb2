// Package cache stores computed simulation results under their cache key.
//
// The cache is the durable owner of results: a job is only reported as
// succeeded after its result has been written here. Every backend stores
// the JSON encoding of models.SimulationResult.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/stormwater/pkg/cachekey"
	"github.com/psantana5/stormwater/pkg/models"
)

var (
	// ErrUnsupportedBackend is returned by New for an unknown backend name
	ErrUnsupportedBackend = errors.New("unsupported cache backend")

	// ErrInvalidKey is returned when an operation is given a malformed key
	ErrInvalidKey = errors.New("invalid cache key")
)

// ResultCache is a key to result store with optional per-entry expiry.
// Get reports absent entries with found == false and a nil error; a
// non-nil error means the store could not answer.
type ResultCache interface {
	Get(ctx context.Context, key cachekey.Key) (result *models.SimulationResult, found bool, err error)
	// Put overwrites any existing value. ttl <= 0 stores without expiry.
	Put(ctx context.Context, key cachekey.Key, result *models.SimulationResult, ttl time.Duration) error
	Delete(ctx context.Context, key cachekey.Key) error
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend
type Config struct {
	Backend string // "redis", "s3", "memory"

	Redis RedisConfig
	S3    S3Config

	// MemoryEntries bounds the memory backend
	MemoryEntries int

	// LocalEntries > 0 puts an in-process LRU of that size in front of
	// a durable backend. LocalTTL bounds how long a local copy is served.
	LocalEntries int
	LocalTTL     time.Duration
}

// New creates the configured result cache
func New(cfg Config) (ResultCache, error) {
	var (
		c   ResultCache
		err error
	)

	switch cfg.Backend {
	case "redis", "":
		c, err = NewRedisCache(cfg.Redis)
	case "s3", "minio":
		c, err = NewS3Cache(cfg.S3)
	case "memory":
		return NewMemoryCache(cfg.MemoryEntries)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.LocalEntries > 0 {
		return NewLayeredCache(c, cfg.LocalEntries, cfg.LocalTTL)
	}
	return c, nil
}

func checkKey(key cachekey.Key) error {
	if !key.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func encode(result *models.SimulationResult) ([]byte, error) {
	if result == nil {
		return nil, errors.New("nil result")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*models.SimulationResult, error) {
	var result models.SimulationResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &result, nil
}
