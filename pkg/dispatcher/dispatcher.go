// Package dispatcher turns simulation requests into at most one pipeline
// execution per cache key.
//
// A submission is answered from the result cache when possible. Otherwise
// a job is created and queued for the worker pool, unless a job for the
// same key is already pending or running, in which case the caller joins
// that job. A worker writes the result to the cache before the job is
// marked SUCCEEDED, so any caller that observes SUCCEEDED will hit the
// cache on its next submission.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/stormwater/pkg/cache"
	"github.com/psantana5/stormwater/pkg/cachekey"
	"github.com/psantana5/stormwater/pkg/logging"
	"github.com/psantana5/stormwater/pkg/metrics"
	"github.com/psantana5/stormwater/pkg/models"
	"github.com/psantana5/stormwater/pkg/pipeline"
	"github.com/psantana5/stormwater/pkg/retry"
	"github.com/psantana5/stormwater/pkg/store"
)

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrQueueFull       = errors.New("job queue is full")
	ErrStopped         = errors.New("dispatcher is stopped")
	ErrNotStarted      = errors.New("dispatcher is not started")
	ErrResultNotReady  = errors.New("job result is not ready")
	ErrJobFailed       = errors.New("job failed")
	ErrAlreadyStarted  = errors.New("dispatcher already started")
	ErrInvalidGeometry = errors.New("invalid subcatchments")
)

// Runner executes one pipeline task
type Runner interface {
	Run(ctx context.Context, task pipeline.Task) (*models.SimulationResult, error)
}

// Config holds dispatcher configuration
type Config struct {
	Workers    int           // Concurrent pipeline executions
	QueueSize  int           // Jobs waiting for a worker before Submit fails
	CacheTTL   time.Duration // Expiry of cached results, 0 keeps them forever
	JobTimeout time.Duration // Upper bound on one pipeline run, 0 is unbounded
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		Workers:   10,
		QueueSize: 1024,
	}
}

// Submission is the answer to Submit. Exactly one of Result and JobID is set.
type Submission struct {
	Key    cachekey.Key
	Cached bool
	Result *models.SimulationResult
	JobID  string
	Joined bool // JobID belongs to a job another caller created
}

type queuedJob struct {
	id  string
	key cachekey.Key
}

// flight is the registry entry of a key. ready is closed once the job
// record exists and has been queued, or err says why it was not.
type flight struct {
	id    string
	ready chan struct{}
	err   error
}

func newFlight(id string) *flight {
	return &flight{id: id, ready: make(chan struct{})}
}

// Dispatcher owns the in-flight registry and the worker pool
type Dispatcher struct {
	config   Config
	cache    cache.ResultCache
	store    store.Store
	runner   Runner
	logger   *logging.Logger
	recorder *metrics.Recorder
	now      func() time.Time

	mu       sync.Mutex
	inflight map[cachekey.Key]*flight
	queue    chan queuedJob
	started  bool
	stopped  bool

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// transitionRetry covers store writes of job states
	transitionRetry retry.Config
}

// New creates a Dispatcher. Call Start before submitting work.
func New(config Config, c cache.ResultCache, st store.Store, runner Runner, logger *logging.Logger, recorder *metrics.Recorder) *Dispatcher {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Dispatcher{
		config:   config,
		cache:    c,
		store:    st,
		runner:   runner,
		logger:   logger.WithComponent("Dispatcher"),
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[cachekey.Key]*flight),
		queue:    make(chan queuedJob, config.QueueSize),
		transitionRetry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     time.Second,
			Multiplier:     2,
			Retryable: func(err error) bool {
				return !errors.Is(err, models.ErrInvalidTransition) && !errors.Is(err, store.ErrJobNotFound)
			},
		},
	}
}

// Submit answers a simulation request from the cache or hands back the
// id of the job computing it
func (d *Dispatcher) Submit(ctx context.Context, scenario models.ScenarioDefinition, subcatchments *models.FeatureCollection) (*Submission, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	if subcatchments == nil {
		return nil, fmt.Errorf("%w: missing feature collection", ErrInvalidGeometry)
	}
	if err := subcatchments.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}

	key, err := cachekey.Derive(scenario, subcatchments)
	if err != nil {
		return nil, fmt.Errorf("derive cache key: %w", err)
	}
	log := d.logger.WithField("cache_key", key.String())

	if result, found := d.lookup(ctx, key, log); found {
		d.recorder.Submission(metrics.SubmitCached)
		log.Debug("Served from cache")
		return &Submission{Key: key, Cached: true, Result: result}, nil
	}

	d.mu.Lock()
	switch {
	case d.stopped:
		d.mu.Unlock()
		return nil, ErrStopped
	case !d.started:
		d.mu.Unlock()
		return nil, ErrNotStarted
	}
	if f, ok := d.inflight[key]; ok {
		d.mu.Unlock()
		return d.join(ctx, key, f, log)
	}
	// Reserve the key; the record is written without holding d.mu
	f := newFlight(uuid.NewString())
	d.inflight[key] = f
	d.recorder.SetInFlight(len(d.inflight))
	d.mu.Unlock()

	job := &models.Job{
		ID:            f.id,
		Key:           key.String(),
		Status:        models.JobStatusPending,
		Scenario:      scenario,
		Subcatchments: subcatchments,
		CreatedAt:     d.now(),
	}
	if err := d.store.CreateJob(job); err != nil {
		err = fmt.Errorf("create job: %w", err)
		d.release(key, f.id)
		f.err = err
		close(f.ready)
		return nil, err
	}

	d.mu.Lock()
	err = ErrStopped
	if !d.stopped {
		err = d.enqueueLocked(f, key)
	}
	if err != nil && d.inflight[key] == f {
		delete(d.inflight, key)
		d.recorder.SetInFlight(len(d.inflight))
	}
	d.mu.Unlock()
	f.err = err
	close(f.ready)

	if err != nil {
		d.recorder.Submission(metrics.SubmitRejected)
		d.failJob(job.ID, models.JobStatusPending, err.Error())
		return nil, err
	}

	d.recorder.Submission(metrics.SubmitQueued)
	log.Info("Job queued", map[string]interface{}{
		"job_id":      job.ID,
		"queue_depth": len(d.queue),
	})
	return &Submission{Key: key, JobID: job.ID}, nil
}

// join waits until the job owning f is queued and hands back its id
func (d *Dispatcher) join(ctx context.Context, key cachekey.Key, f *flight, log *logging.Logger) (*Submission, error) {
	select {
	case <-f.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	d.recorder.Submission(metrics.SubmitJoined)
	log.Debug("Joined in-flight job", map[string]interface{}{"job_id": f.id})
	return &Submission{Key: key, JobID: f.id, Joined: true}, nil
}

// lookup reads the cache. A read error is logged and counted and then
// treated like a miss.
func (d *Dispatcher) lookup(ctx context.Context, key cachekey.Key, log *logging.Logger) (*models.SimulationResult, bool) {
	result, found, err := d.cache.Get(ctx, key)
	switch {
	case err != nil:
		d.recorder.CacheLookup(metrics.LookupError)
		log.Warn("Cache read failed, treating as miss", map[string]interface{}{"error": err})
		return nil, false
	case !found:
		d.recorder.CacheLookup(metrics.LookupMiss)
		return nil, false
	default:
		d.recorder.CacheLookup(metrics.LookupHit)
		return result, true
	}
}

// enqueueLocked registers key as in flight and queues the job. d.mu must
// be held and the queue open.
func (d *Dispatcher) enqueueLocked(f *flight, key cachekey.Key) error {
	select {
	case d.queue <- queuedJob{id: f.id, key: key}:
	default:
		return ErrQueueFull
	}
	d.inflight[key] = f
	d.recorder.SetInFlight(len(d.inflight))
	d.recorder.SetQueueDepth(len(d.queue))
	return nil
}

// release removes key from the in-flight registry if id still owns it
func (d *Dispatcher) release(key cachekey.Key, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.inflight[key]; ok && f.id == id {
		delete(d.inflight, key)
	}
	d.recorder.SetInFlight(len(d.inflight))
}

// Status returns a snapshot of the job record
func (d *Dispatcher) Status(ctx context.Context, id string) (*models.Job, error) {
	job, err := d.store.GetJob(id)
	if errors.Is(err, store.ErrJobNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Result returns the result of a SUCCEEDED job. Jobs that are still
// pending or running yield ErrResultNotReady, failed ones ErrJobFailed.
func (d *Dispatcher) Result(ctx context.Context, id string) (*models.SimulationResult, error) {
	job, err := d.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case models.JobStatusSucceeded:
	case models.JobStatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrJobFailed, job.Error)
	default:
		return nil, fmt.Errorf("%w: job is %s", ErrResultNotReady, job.Status)
	}

	if job.Result != nil {
		return job.Result, nil
	}
	// Stores that do not keep results fall back to the cache
	key, err := cachekey.Parse(job.Key)
	if err != nil {
		return nil, err
	}
	result, found, err := d.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read cached result: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: cached result for %s has expired", ErrJobNotFound, id)
	}
	return result, nil
}

// InFlight returns the number of keys with a pending or running job
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// stopping reports whether Stop has been called
func (d *Dispatcher) stopping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopped
}

// QueueDepth returns the number of jobs waiting for a worker
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Start recovers jobs left by a previous process and launches the
// workers. Workers run until Stop is called or ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.started = true
	d.runCtx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	if err := d.recover(); err != nil {
		d.cancel()
		return fmt.Errorf("recover jobs: %w", err)
	}

	d.logger.Info("Starting dispatcher", map[string]interface{}{
		"workers":    d.config.Workers,
		"queue_size": d.config.QueueSize,
	})
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	return nil
}

// Stop refuses new submissions and waits for running pipelines to finish.
// Jobs still queued are not started and stay PENDING for the next Start.
// When ctx expires first, running pipelines are cancelled and ctx.Err()
// is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	d.logger.Info("Stopping dispatcher...")

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		d.logger.Info("All workers stopped gracefully")
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		d.logger.Warn("Stop timeout, running jobs were cancelled")
		return ctx.Err()
	}
}
