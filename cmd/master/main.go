package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/psantana5/stormwater/pkg/api"
	"github.com/psantana5/stormwater/pkg/auth"
	"github.com/psantana5/stormwater/pkg/cache"
	"github.com/psantana5/stormwater/pkg/cachekey"
	"github.com/psantana5/stormwater/pkg/citypyo"
	"github.com/psantana5/stormwater/pkg/cleanup"
	"github.com/psantana5/stormwater/pkg/config"
	"github.com/psantana5/stormwater/pkg/dispatcher"
	"github.com/psantana5/stormwater/pkg/engine"
	"github.com/psantana5/stormwater/pkg/logging"
	"github.com/psantana5/stormwater/pkg/metrics"
	"github.com/psantana5/stormwater/pkg/models"
	"github.com/psantana5/stormwater/pkg/pipeline"
	"github.com/psantana5/stormwater/pkg/ratelimit"
	"github.com/psantana5/stormwater/pkg/shutdown"
	"github.com/psantana5/stormwater/pkg/store"
	tlsutil "github.com/psantana5/stormwater/pkg/tls"
	"github.com/psantana5/stormwater/pkg/tracing"
)

// limiterIdle is how long a client may stay silent before its rate
// limiter is forgotten
const limiterIdle = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "YAML config file (default: ./stormwater.yaml or /etc/stormwater/stormwater.yaml if present)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Master stopped with error", map[string]interface{}{"error": err})
	}
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	jsonFormat := cfg.Log.Format == "json"
	if cfg.Log.File != "" {
		return logging.NewFileLogger(cfg.Log.File, cfg.LogLevel(), jsonFormat)
	}
	return logging.NewLogger(cfg.LogLevel(), jsonFormat), nil
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := logger.WithComponent("Master")
	log.Info("Starting "+cfg.App.Title, map[string]interface{}{
		"version":  cfg.App.Version,
		"workers":  cfg.Dispatcher.Workers,
		"cache":    cfg.Cache.Backend,
		"store":    cfg.Store.Type,
		"work_dir": cfg.Pipeline.WorkDir,
	})

	shutdownMgr := shutdown.New(cfg.Server.ShutdownTimeout, logger)

	// Tracing
	tracer, err := tracing.InitTracer(ctx, cfg.TracingConfig())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	shutdownMgr.Register("tracing", tracer.Shutdown)

	// Result cache and job store
	resultCache, err := cache.New(cfg.CacheConfig())
	if err != nil {
		return fmt.Errorf("create result cache: %w", err)
	}
	shutdownMgr.Register("result cache", shutdown.CloseResource(resultCache))
	if err := resultCache.Ping(ctx); err != nil {
		log.Warn("Result cache is not reachable yet", map[string]interface{}{"error": err})
	}

	jobStore, err := store.NewStore(cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("create job store: %w", err)
	}
	shutdownMgr.Register("job store", shutdown.CloseResource(jobStore))
	if cfg.Store.Type == "memory" {
		log.Warn("Using in-memory job store; job handles do not survive restarts")
	}

	// Pipeline and dispatcher
	recorder := metrics.NewRecorder(cfg.Pipeline.WorkDir)
	if err := os.MkdirAll(cfg.Pipeline.WorkDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	runner := pipeline.New(cfg.PipelineConfig(), engine.NewCLI(cfg.Engine.Binary, cfg.Engine.Timeout), logger, recorder)

	disp := dispatcher.New(cfg.DispatcherConfig(), resultCache, jobStore, runner, logger, recorder)
	if err := disp.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	shutdownMgr.Register("dispatcher", disp.Stop)

	// Retention; failed jobs keep their working files until their record expires
	retention := cleanup.New(cfg.CleanupConfig(), jobStore, logger)
	retention.OnDelete = failedWorkDirReaper(runner, log)
	retention.Start(ctx)
	shutdownMgr.Register("cleanup", retention.Stop)

	// HTTP API
	var geometry api.GeometrySource
	if cfg.CityPyO.URL != "" {
		geometry = citypyo.NewClient(cfg.CityPyOConfig(), logger)
	} else {
		log.Warn("No CityPyO URL configured; submissions must include subcatchments")
	}

	handler := api.NewHandler(disp, geometry, api.Info{
		Title:       cfg.App.Title,
		Description: cfg.App.Description,
		Version:     cfg.App.Version,
	}, logger)
	handler.AddCheck("cache", resultCache.Ping)
	handler.AddCheck("store", func(context.Context) error { return jobStore.HealthCheck() })

	middleware := []mux.MiddlewareFunc{
		tracing.HTTPMiddleware(tracer),
		recorder.Middleware,
	}
	keys := auth.NewAPIKeys(cfg.Server.APIKeys...)
	if keys.Enabled() {
		log.Info("API key authentication enabled")
		middleware = append(middleware, keys.Middleware("/health", "/health_check"))
	}
	if cfg.Server.RateLimit > 0 {
		limiter := ratelimit.NewLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)
		middleware = append(middleware, limiter.Middleware(ratelimit.APIKeyFunc))
		go pruneLimiters(ctx, limiter)
	}

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      api.NewRouter(handler, middleware...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	if err := configureTLS(srv, cfg.Server.TLS, log); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("API listening", map[string]interface{}{"addr": srv.Addr, "tls": srv.TLSConfig != nil})
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	shutdownMgr.Register("api server", shutdown.StopHTTPServer(srv))

	if addr := cfg.MetricsAddr(); addr != "" {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", recorder).Methods("GET")
		metricsRouter.HandleFunc("/health", handler.Health).Methods("GET")

		metricsSrv := &http.Server{
			Addr:         addr,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("Metrics listening", map[string]interface{}{"addr": addr})
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		shutdownMgr.Register("metrics server", shutdown.StopHTTPServer(metricsSrv))
	}

	// A server that fails to start ends the process like a signal would
	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()
	failed := make(chan error, 1)
	go func() {
		select {
		case err := <-errCh:
			log.Error("Server failed", map[string]interface{}{"error": err})
			failed <- err
			stopWaiting()
		case <-waitCtx.Done():
		}
	}()

	shutdownErr := shutdownMgr.WaitWithContext(waitCtx)
	select {
	case err := <-failed:
		return err
	default:
		return shutdownErr
	}
}

func configureTLS(srv *http.Server, cfg config.TLSConfig, log *logging.Logger) error {
	if cfg.CertFile == "" {
		return nil
	}
	if _, err := os.Stat(cfg.CertFile); errors.Is(err, os.ErrNotExist) && cfg.Generate {
		log.Info("Generating self-signed certificate", map[string]interface{}{"cert": cfg.CertFile})
		if err := tlsutil.GenerateSelfSignedCert(cfg.CertFile, cfg.KeyFile, "stormwater", cfg.Hosts...); err != nil {
			return fmt.Errorf("generate certificate: %w", err)
		}
	}
	tlsConfig, err := tlsutil.ServerConfig(cfg.CertFile, cfg.KeyFile, cfg.ClientCA)
	if err != nil {
		return fmt.Errorf("load TLS config: %w", err)
	}
	srv.TLSConfig = tlsConfig
	return nil
}

// failedWorkDirReaper removes the working directory a failed job kept for
// diagnosis. Directories are per job, so newer jobs for the same key are
// not touched.
func failedWorkDirReaper(runner *pipeline.Runner, log *logging.Logger) func(*models.Job) {
	return func(job *models.Job) {
		if job.Status != models.JobStatusFailed {
			return
		}
		key, err := cachekey.Parse(job.Key)
		if err != nil {
			return
		}
		if err := runner.WorkDir(key, job.ID).Remove(); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("Failed to remove work dir", map[string]interface{}{
				"job_id": job.ID,
				"error":  err,
			})
		}
	}
}

func pruneLimiters(ctx context.Context, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.CleanupOldLimiters(limiterIdle)
		}
	}
}
