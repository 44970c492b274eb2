package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/stormwater/pkg/logging"
)

// chdir isolates Load from a stormwater.yaml in the package directory
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func TestDefaults(t *testing.T) {
	chdir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	assert.Equal(t, 10, cfg.Dispatcher.Workers)
	assert.Equal(t, 1024, cfg.Dispatcher.QueueSize)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, logging.INFO, cfg.LogLevel())

	assert.Equal(t, "redis", cfg.CacheConfig().Backend)
	assert.Equal(t, "localhost:6379", cfg.CacheConfig().Redis.Addr)
	assert.Zero(t, cfg.DispatcherConfig().CacheTTL)

	cp := cfg.CityPyOConfig()
	assert.Equal(t, 30*time.Second, cp.Timeout)
	assert.Zero(t, cp.Retry.MaxRetries)
	assert.Equal(t, 30*time.Second, cp.Retry.InitialBackoff)

	cl := cfg.CleanupConfig()
	assert.True(t, cl.Enabled)
	assert.Equal(t, 7*24*time.Hour, cl.JobRetention)
}

func TestLegacyEnvironment(t *testing.T) {
	chdir(t)
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_PASS", "hunter2")
	t.Setenv("CITY_PYO_URL", "https://citypyo.example.org")
	t.Setenv("APP_TITLE", "Stormwater")
	t.Setenv("APP_VERSION", "1.4.0")
	t.Setenv("DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis.internal:6380", cfg.CacheConfig().Redis.Addr)
	assert.Equal(t, "hunter2", cfg.Cache.Redis.Password)
	assert.Equal(t, "https://citypyo.example.org", cfg.CityPyOConfig().BaseURL)
	assert.Equal(t, "Stormwater", cfg.App.Title)
	assert.Equal(t, "1.4.0", cfg.TracingConfig().ServiceVersion)
	assert.Equal(t, logging.DEBUG, cfg.LogLevel())
}

func TestPrefixedEnvironmentWins(t *testing.T) {
	chdir(t)
	t.Setenv("REDIS_HOST", "legacy")
	t.Setenv("STORMWATER_CACHE_REDIS_HOST", "current")
	t.Setenv("STORMWATER_DISPATCHER_WORKERS", "3")
	t.Setenv("STORMWATER_CACHE_TTL", "24h")
	t.Setenv("STORMWATER_SERVER_API_KEYS", "one,two")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "current", cfg.Cache.Redis.Host)
	assert.Equal(t, 3, cfg.DispatcherConfig().Workers)
	assert.Equal(t, 24*time.Hour, cfg.DispatcherConfig().CacheTTL)
	assert.Equal(t, []string{"one", "two"}, cfg.Server.APIKeys)
}

func TestConfigFile(t *testing.T) {
	dir := chdir(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8181
  metrics_port: 0
log:
  level: warn
  format: json
cache:
  backend: memory
store:
  type: sqlite
  path: /var/lib/stormwater/jobs.db
pipeline:
  input_dir: /srv/models/inputs
cleanup:
  job_retention: 48h
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Empty(t, cfg.MetricsAddr())
	assert.Equal(t, logging.WARN, cfg.LogLevel())
	assert.Equal(t, "memory", cfg.CacheConfig().Backend)
	assert.Equal(t, "sqlite", cfg.StoreConfig().Type)
	assert.Equal(t, "/var/lib/stormwater/jobs.db", cfg.StoreConfig().Path)
	assert.Equal(t, "/srv/models/inputs", cfg.PipelineConfig().InputDir)
	assert.Equal(t, "models/rain", cfg.PipelineConfig().RainDir)
	assert.Equal(t, 48*time.Hour, cfg.CleanupConfig().JobRetention)
}

func TestDiscoveredConfigFile(t *testing.T) {
	dir := chdir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stormwater.yaml"), []byte("dispatcher:\n  workers: 2\n"), 0644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Dispatcher.Workers)
}

func TestLoadErrors(t *testing.T) {
	dir := chdir(t)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"zero workers", map[string]string{"STORMWATER_DISPATCHER_WORKERS": "0"}},
		{"bad port", map[string]string{"STORMWATER_SERVER_PORT": "70000"}},
		{"bad cache backend", map[string]string{"STORMWATER_CACHE_BACKEND": "memcached"}},
		{"bad store", map[string]string{"STORMWATER_STORE_TYPE": "mongo"}},
		{"bad log format", map[string]string{"STORMWATER_LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.ErrorContains(t, err, "invalid configuration")
		})
	}
}
