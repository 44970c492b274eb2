// Package config loads the service configuration from defaults, an
// optional YAML file and the environment.
//
// Environment variables use the STORMWATER_ prefix with dots replaced by
// underscores (cache.redis.host is STORMWATER_CACHE_REDIS_HOST). The
// variables of earlier deployments (REDIS_HOST, CITY_PYO_URL, APP_TITLE
// and friends) are still honored.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/stormwater/pkg/cache"
	"github.com/psantana5/stormwater/pkg/citypyo"
	"github.com/psantana5/stormwater/pkg/cleanup"
	"github.com/psantana5/stormwater/pkg/dispatcher"
	"github.com/psantana5/stormwater/pkg/logging"
	"github.com/psantana5/stormwater/pkg/pipeline"
	"github.com/psantana5/stormwater/pkg/retry"
	"github.com/psantana5/stormwater/pkg/store"
	"github.com/psantana5/stormwater/pkg/tracing"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "STORMWATER"

// Config is the complete service configuration
type Config struct {
	App        AppConfig        `mapstructure:"app" yaml:"app"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline" yaml:"pipeline"`
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	CityPyO    CityPyOConfig    `mapstructure:"citypyo" yaml:"citypyo"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup" yaml:"cleanup"`
}

type AppConfig struct {
	Title       string `mapstructure:"title" yaml:"title"`
	Description string `mapstructure:"description" yaml:"description"`
	Version     string `mapstructure:"version" yaml:"version"`
	Debug       bool   `mapstructure:"debug" yaml:"debug"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	MetricsPort     int           `mapstructure:"metrics_port" yaml:"metrics_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	APIKeys         []string      `mapstructure:"api_keys" yaml:"api_keys"`
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"` // requests/second per client, 0 disables
	RateBurst       int           `mapstructure:"rate_burst" yaml:"rate_burst"`
	TLS             TLSConfig     `mapstructure:"tls" yaml:"tls"`
}

// TLSConfig enables HTTPS on the API server when CertFile is set
type TLSConfig struct {
	CertFile string   `mapstructure:"cert_file" yaml:"cert_file"`
	KeyFile  string   `mapstructure:"key_file" yaml:"key_file"`
	ClientCA string   `mapstructure:"client_ca" yaml:"client_ca"` // require client certificates signed by this CA
	Generate bool     `mapstructure:"generate" yaml:"generate"`   // create a self-signed pair if CertFile is missing
	Hosts    []string `mapstructure:"hosts" yaml:"hosts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // text or json
	File   string `mapstructure:"file" yaml:"file"`
}

type CacheConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	MemoryEntries int           `mapstructure:"memory_entries" yaml:"memory_entries"`
	LocalEntries  int           `mapstructure:"local_entries" yaml:"local_entries"`
	LocalTTL      time.Duration `mapstructure:"local_ttl" yaml:"local_ttl"`
	Redis         RedisConfig   `mapstructure:"redis" yaml:"redis"`
	S3            S3Config      `mapstructure:"s3" yaml:"s3"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Region    string `mapstructure:"region" yaml:"region"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

type StoreConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
	Path string `mapstructure:"path" yaml:"path"`
}

type DispatcherConfig struct {
	Workers    int           `mapstructure:"workers" yaml:"workers"`
	QueueSize  int           `mapstructure:"queue_size" yaml:"queue_size"`
	JobTimeout time.Duration `mapstructure:"job_timeout" yaml:"job_timeout"`
}

type PipelineConfig struct {
	InputDir string `mapstructure:"input_dir" yaml:"input_dir"`
	RainDir  string `mapstructure:"rain_dir" yaml:"rain_dir"`
	WorkDir  string `mapstructure:"work_dir" yaml:"work_dir"`
}

type EngineConfig struct {
	Binary  string        `mapstructure:"binary" yaml:"binary"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type CityPyOConfig struct {
	URL        string        `mapstructure:"url" yaml:"url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryCount int           `mapstructure:"retry_count" yaml:"retry_count"`
	RetryWait  time.Duration `mapstructure:"retry_wait" yaml:"retry_wait"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	Environment string  `mapstructure:"environment" yaml:"environment"`
}

type CleanupConfig struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	JobRetention    time.Duration `mapstructure:"job_retention" yaml:"job_retention"`
	Interval        time.Duration `mapstructure:"interval" yaml:"interval"`
	VacuumInterval  time.Duration `mapstructure:"vacuum_interval" yaml:"vacuum_interval"`
	DeleteBatchSize int           `mapstructure:"delete_batch_size" yaml:"delete_batch_size"`
}

// legacyEnv maps configuration keys to the variable names used before
// the STORMWATER_ prefix existed
var legacyEnv = map[string]string{
	"app.title":            "APP_TITLE",
	"app.description":      "APP_DESCRIPTION",
	"app.version":          "APP_VERSION",
	"app.debug":            "DEBUG",
	"cache.redis.host":     "REDIS_HOST",
	"cache.redis.port":     "REDIS_PORT",
	"cache.redis.password": "REDIS_PASS",
	"citypyo.url":          "CITY_PYO_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.title", "Stormwater API")
	v.SetDefault("app.description", "Stormwater runoff simulation service")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.debug", false)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.api_keys", []string{})
	v.SetDefault("server.rate_limit", 0.0)
	v.SetDefault("server.rate_burst", 20)
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.client_ca", "")
	v.SetDefault("server.tls.generate", false)
	v.SetDefault("server.tls.hosts", []string{})

	v.SetDefault("log.level", "") // info, or debug when app.debug is set
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("cache.backend", "redis")
	v.SetDefault("cache.ttl", "0s")
	v.SetDefault("cache.memory_entries", 1024)
	v.SetDefault("cache.local_entries", 0)
	v.SetDefault("cache.local_ttl", "5m")
	v.SetDefault("cache.redis.host", "localhost")
	v.SetDefault("cache.redis.port", 6379)
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 1)
	v.SetDefault("cache.redis.prefix", "")
	v.SetDefault("cache.s3.endpoint", "")
	v.SetDefault("cache.s3.region", "")
	v.SetDefault("cache.s3.access_key", "")
	v.SetDefault("cache.s3.secret_key", "")
	v.SetDefault("cache.s3.bucket", "stormwater-results")
	v.SetDefault("cache.s3.prefix", "")
	v.SetDefault("cache.s3.use_ssl", false)

	v.SetDefault("store.type", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "stormwater.db")

	v.SetDefault("dispatcher.workers", 10)
	v.SetDefault("dispatcher.queue_size", 1024)
	v.SetDefault("dispatcher.job_timeout", "0s")

	v.SetDefault("pipeline.input_dir", "models/inputs")
	v.SetDefault("pipeline.rain_dir", "models/rain")
	v.SetDefault("pipeline.work_dir", "models/work")

	v.SetDefault("engine.binary", "runswmm")
	v.SetDefault("engine.timeout", "0s")

	v.SetDefault("citypyo.url", "")
	v.SetDefault("citypyo.timeout", "30s")
	v.SetDefault("citypyo.retry_count", 0)
	v.SetDefault("citypyo.retry_wait", "30s")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.job_retention", "168h")
	v.SetDefault("cleanup.interval", "1h")
	v.SetDefault("cleanup.vacuum_interval", "168h")
	v.SetDefault("cleanup.delete_batch_size", 100)
}

// Load reads configuration. path names a YAML file; when empty,
// stormwater.yaml is searched for in the working directory and
// /etc/stormwater and skipped if absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, err
		}
	}

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("stormwater")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/stormwater")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
		if cfg.App.Debug {
			cfg.Log.Level = "debug"
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail at first use
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		problems = append(problems, fmt.Sprintf("server.metrics_port %d out of range", c.Server.MetricsPort))
	}
	if c.Dispatcher.Workers <= 0 {
		problems = append(problems, "dispatcher.workers must be positive")
	}
	if c.Dispatcher.QueueSize <= 0 {
		problems = append(problems, "dispatcher.queue_size must be positive")
	}
	switch c.Cache.Backend {
	case "redis", "s3", "minio", "memory":
	default:
		problems = append(problems, fmt.Sprintf("cache.backend %q is not one of redis, s3, memory", c.Cache.Backend))
	}
	switch c.Store.Type {
	case "memory", "sqlite", "postgres", "postgresql":
	default:
		problems = append(problems, fmt.Sprintf("store.type %q is not one of memory, sqlite, postgres", c.Store.Type))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not text or json", c.Log.Format))
	}
	if c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile == "" {
		problems = append(problems, "server.tls.key_file is required with server.tls.cert_file")
	}
	if c.CityPyO.RetryCount < 0 {
		problems = append(problems, "citypyo.retry_count must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ListenAddr is the API server address
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// MetricsAddr is the metrics server address, empty when disabled
func (c *Config) MetricsAddr() string {
	if c.Server.MetricsPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.MetricsPort))
}

// LogLevel is the parsed log level
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Log.Level)
}

// CacheConfig builds the result cache configuration
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Backend: c.Cache.Backend,
		Redis: cache.RedisConfig{
			Addr:      net.JoinHostPort(c.Cache.Redis.Host, strconv.Itoa(c.Cache.Redis.Port)),
			Username:  c.Cache.Redis.Username,
			Password:  c.Cache.Redis.Password,
			DB:        c.Cache.Redis.DB,
			KeyPrefix: c.Cache.Redis.Prefix,
		},
		S3: cache.S3Config{
			Endpoint:  c.Cache.S3.Endpoint,
			Region:    c.Cache.S3.Region,
			AccessKey: c.Cache.S3.AccessKey,
			SecretKey: c.Cache.S3.SecretKey,
			Bucket:    c.Cache.S3.Bucket,
			Prefix:    c.Cache.S3.Prefix,
			UseSSL:    c.Cache.S3.UseSSL,
		},
		MemoryEntries: c.Cache.MemoryEntries,
		LocalEntries:  c.Cache.LocalEntries,
		LocalTTL:      c.Cache.LocalTTL,
	}
}

// StoreConfig builds the job store configuration
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type: c.Store.Type,
		DSN:  c.Store.DSN,
		Path: c.Store.Path,
	}
}

// DispatcherConfig builds the dispatcher configuration
func (c *Config) DispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		Workers:    c.Dispatcher.Workers,
		QueueSize:  c.Dispatcher.QueueSize,
		CacheTTL:   c.Cache.TTL,
		JobTimeout: c.Dispatcher.JobTimeout,
	}
}

// PipelineConfig builds the pipeline configuration
func (c *Config) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		InputDir: c.Pipeline.InputDir,
		RainDir:  c.Pipeline.RainDir,
		WorkDir:  c.Pipeline.WorkDir,
	}
}

// CityPyOConfig builds the geometry source client configuration. Retries
// wait a fixed RetryWait between attempts.
func (c *Config) CityPyOConfig() citypyo.Config {
	return citypyo.Config{
		BaseURL: c.CityPyO.URL,
		Timeout: c.CityPyO.Timeout,
		Retry: retry.Config{
			MaxRetries:     c.CityPyO.RetryCount,
			InitialBackoff: c.CityPyO.RetryWait,
			MaxBackoff:     c.CityPyO.RetryWait,
			Multiplier:     1,
		},
	}
}

// TracingConfig builds the tracing configuration
func (c *Config) TracingConfig() tracing.Config {
	return tracing.Config{
		ServiceName:    "stormwater",
		ServiceVersion: c.App.Version,
		Environment:    c.Tracing.Environment,
		OTLPEndpoint:   c.Tracing.Endpoint,
		SampleRatio:    c.Tracing.SampleRatio,
		Enabled:        c.Tracing.Enabled,
	}
}

// CleanupConfig builds the retention configuration
func (c *Config) CleanupConfig() cleanup.Config {
	cfg := cleanup.DefaultConfig()
	cfg.Enabled = c.Cleanup.Enabled
	cfg.JobRetention = c.Cleanup.JobRetention
	cfg.CleanupInterval = c.Cleanup.Interval
	cfg.VacuumInterval = c.Cleanup.VacuumInterval
	cfg.DeleteBatchSize = c.Cleanup.DeleteBatchSize
	return cfg
}
