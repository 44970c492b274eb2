package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/stormwater/pkg/cachekey"
	"github.com/psantana5/stormwater/pkg/models"
)

func testKey(t *testing.T, n int) cachekey.Key {
	t.Helper()
	k, err := cachekey.Parse(fmt.Sprintf("%032x_%032x", n, n+1))
	require.NoError(t, err)
	return k
}

func testResult(name string) *models.SimulationResult {
	return &models.SimulationResult{
		Rain: []float64{1.143, 2.5},
		GeoJSON: models.FeatureCollection{
			Type: "FeatureCollection",
			Features: []models.Feature{{
				Type:       "Feature",
				Geometry:   json.RawMessage(`{"type":"Point","coordinates":[1,2]}`),
				Properties: map[string]interface{}{"name_sub": name},
			}},
		},
	}
}

// fakeRemote is an in-memory ResultCache that can be told to fail
type fakeRemote struct {
	mu      sync.Mutex
	data    map[cachekey.Key]*models.SimulationResult
	gets    int
	failGet error
	failPut error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{data: make(map[cachekey.Key]*models.SimulationResult)}
}

func (f *fakeRemote) Get(ctx context.Context, key cachekey.Key) (*models.SimulationResult, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.failGet != nil {
		return nil, false, f.failGet
	}
	r, ok := f.data[key]
	return r, ok, nil
}

func (f *fakeRemote) Put(ctx context.Context, key cachekey.Key, r *models.SimulationResult, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPut != nil {
		return f.failPut
	}
	f.data[key] = r
	return nil
}

func (f *fakeRemote) Delete(ctx context.Context, key cachekey.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *fakeRemote) Ping(ctx context.Context) error { return nil }
func (f *fakeRemote) Close() error                   { return nil }

func TestMemoryCacheGetPutDelete(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryCache(8)
	require.NoError(t, err)
	key := testKey(t, 1)

	_, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Put(ctx, key, testResult("A"), 0))
	got, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "A", got.GeoJSON.Features[0].Name())
	assert.Equal(t, []float64{1.143, 2.5}, got.Rain)

	// last write wins
	require.NoError(t, c.Put(ctx, key, testResult("B"), 0))
	got, _, _ = c.Get(ctx, key)
	assert.Equal(t, "B", got.GeoJSON.Features[0].Name())

	require.NoError(t, c.Delete(ctx, key))
	_, found, _ = c.Get(ctx, key)
	assert.False(t, found)
}

func TestMemoryCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryCache(8)
	require.NoError(t, err)
	key := testKey(t, 1)
	require.NoError(t, c.Put(ctx, key, testResult("A"), 0))

	got, _, _ := c.Get(ctx, key)
	got.GeoJSON.Features[0].Properties["name_sub"] = "mutated"

	again, _, _ := c.Get(ctx, key)
	assert.Equal(t, "A", again.GeoJSON.Features[0].Name())
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryCache(8)
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	key := testKey(t, 1)
	require.NoError(t, c.Put(ctx, key, testResult("A"), time.Minute))

	now = now.Add(59 * time.Second)
	_, found, _ := c.Get(ctx, key)
	assert.True(t, found, "entry should still be live")

	now = now.Add(time.Second)
	_, found, _ = c.Get(ctx, key)
	assert.False(t, found, "entry should have expired")
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCacheEviction(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryCache(2)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Put(ctx, testKey(t, i), testResult("A"), 0))
	}
	assert.Equal(t, 2, c.Len())
	_, found, _ := c.Get(ctx, testKey(t, 0))
	assert.False(t, found, "oldest entry should be evicted")
}

func TestMemoryCacheRejectsInvalidKey(t *testing.T) {
	ctx := context.Background()
	c, err := NewMemoryCache(2)
	require.NoError(t, err)

	_, _, err = c.Get(ctx, cachekey.Key("not-a-key"))
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, c.Put(ctx, cachekey.Key("x"), testResult("A"), 0), ErrInvalidKey)
	assert.Error(t, c.Put(ctx, testKey(t, 1), nil, 0))
}

func TestLayeredCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c, err := NewLayeredCache(remote, 8, time.Minute)
	require.NoError(t, err)

	key := testKey(t, 1)
	remote.data[key] = testResult("A")

	for i := 0; i < 3; i++ {
		got, found, err := c.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "A", got.GeoJSON.Features[0].Name())
	}

	assert.Equal(t, 1, remote.gets, "remote should be consulted once")
	assert.Equal(t, Stats{LocalHits: 2, RemoteHits: 1}, c.Stats())
}

func TestLayeredCacheRemoteErrors(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c, err := NewLayeredCache(remote, 8, time.Minute)
	require.NoError(t, err)
	key := testKey(t, 1)

	remote.failPut = errors.New("connection refused")
	require.Error(t, c.Put(ctx, key, testResult("A"), 0))

	// a failed durable write must not leave a local copy behind
	remote.failPut = nil
	_, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	remote.failGet = errors.New("timeout")
	_, _, err = c.Get(ctx, key)
	assert.Error(t, err)
	assert.Equal(t, uint64(2), c.Stats().Errors)
}

func TestLayeredCacheDelete(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	c, err := NewLayeredCache(remote, 8, time.Minute)
	require.NoError(t, err)
	key := testKey(t, 1)

	require.NoError(t, c.Put(ctx, key, testResult("A"), 0))
	require.NoError(t, c.Delete(ctx, key))

	_, found, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, remote.data)
}

func TestNewUnsupportedBackend(t *testing.T) {
	_, err := New(Config{Backend: "memcached"})
	assert.ErrorIs(t, err, ErrUnsupportedBackend)

	c, err := New(Config{Backend: "memory", MemoryEntries: 4})
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)
}

func TestExpiryMetadata(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	got, ok := expiry(map[string]string{"Expires-At": ts.Format(time.RFC3339Nano)})
	require.True(t, ok)
	assert.True(t, got.Equal(ts))

	got, ok = expiry(map[string]string{"expires-at": ts.Format(time.RFC3339Nano)})
	require.True(t, ok)
	assert.True(t, got.Equal(ts))

	_, ok = expiry(map[string]string{"Content-Type": "application/json"})
	assert.False(t, ok)

	_, ok = expiry(map[string]string{"Expires-At": "tomorrow"})
	assert.False(t, ok)
}
