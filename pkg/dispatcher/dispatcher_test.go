package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/stormwater/pkg/cache"
	"github.com/psantana5/stormwater/pkg/cachekey"
	"github.com/psantana5/stormwater/pkg/engine"
	"github.com/psantana5/stormwater/pkg/engine/enginetest"
	"github.com/psantana5/stormwater/pkg/metrics"
	"github.com/psantana5/stormwater/pkg/models"
	"github.com/psantana5/stormwater/pkg/pipeline"
	"github.com/psantana5/stormwater/pkg/store"
)

// fakeRunner counts calls and can hold every run until gate is closed
type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	gate    chan struct{}
	started chan cachekey.Key
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, task pipeline.Task) (*models.SimulationResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.started != nil {
		f.started <- task.Key
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &models.SimulationResult{Rain: []float64{1.5, 3.0}, GeoJSON: *task.Subcatchments}, nil
}

func (f *fakeRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// scriptedCache wraps a real cache with injectable failures
type scriptedCache struct {
	cache.ResultCache

	mu     sync.Mutex
	getErr error
	putErr error
	hide   int // the first hide reads report a miss
	gets   int
}

func (c *scriptedCache) Get(ctx context.Context, key cachekey.Key) (*models.SimulationResult, bool, error) {
	c.mu.Lock()
	c.gets++
	n, getErr := c.gets, c.getErr
	c.mu.Unlock()

	if getErr != nil {
		return nil, false, getErr
	}
	if n <= c.hide {
		return nil, false, nil
	}
	return c.ResultCache.Get(ctx, key)
}

func (c *scriptedCache) Put(ctx context.Context, key cachekey.Key, result *models.SimulationResult, ttl time.Duration) error {
	c.mu.Lock()
	putErr := c.putErr
	c.mu.Unlock()
	if putErr != nil {
		return putErr
	}
	return c.ResultCache.Put(ctx, key, result, ttl)
}

// flakyStore fails SUCCEEDED transitions and can slow down job creation
type flakyStore struct {
	store.Store

	mu       sync.Mutex
	failures int // SUCCEEDED writes still to fail, -1 fails them all
	delay    time.Duration
}

func (s *flakyStore) CreateJob(job *models.Job) error {
	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	time.Sleep(delay)
	return s.Store.CreateJob(job)
}

func (s *flakyStore) TransitionJob(id string, to models.JobStatus, reason string, mutate func(*models.Job)) (*models.Job, error) {
	if to == models.JobStatusSucceeded {
		s.mu.Lock()
		fail := s.failures != 0
		if s.failures > 0 {
			s.failures--
		}
		s.mu.Unlock()
		if fail {
			return nil, errors.New("database is locked")
		}
	}
	return s.Store.TransitionJob(id, to, reason, mutate)
}

func newMemoryCache(t *testing.T) *cache.MemoryCache {
	t.Helper()
	c, err := cache.NewMemoryCache(64)
	require.NoError(t, err)
	return c
}

func scenario(flowPath string) models.ScenarioDefinition {
	return models.ScenarioDefinition{
		ReturnPeriod: models.ReturnPeriod2,
		FlowPath:     flowPath,
		Roofs:        "extensive",
		ModelUpdates: []models.ModelUpdate{},
	}
}

func collection(names ...string) *models.FeatureCollection {
	fc := &models.FeatureCollection{Type: "FeatureCollection"}
	for _, n := range names {
		fc.Features = append(fc.Features, models.Feature{
			Type:       "Feature",
			Geometry:   json.RawMessage(`{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,0]]]}`),
			Properties: map[string]interface{}{models.FeatureNameProperty: n},
		})
	}
	return fc
}

func start(t *testing.T, cfg Config, c cache.ResultCache, st store.Store, runner Runner) *Dispatcher {
	t.Helper()
	d := New(cfg, c, st, runner, nil, nil)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func waitForStatus(t *testing.T, d *Dispatcher, id string, want models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = d.Status(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestSubmitComputesOnceThenServesFromCache(t *testing.T) {
	stub := enginetest.New(12)
	runner := pipeline.New(pipeline.Config{
		InputDir: filepath.Join("testdata", "inputs"),
		RainDir:  filepath.Join("testdata", "rain"),
		WorkDir:  t.TempDir(),
	}, stub, nil, nil)
	c := newMemoryCache(t)
	d := start(t, Config{Workers: 2}, c, store.NewMemoryStore(), runner)

	s, fc := scenario("blockToPark"), collection("sub1")
	sub, err := d.Submit(context.Background(), s, fc)
	require.NoError(t, err)
	assert.False(t, sub.Cached)
	require.NotEmpty(t, sub.JobID)
	assert.True(t, sub.Key.Valid())

	job := waitForStatus(t, d, sub.JobID, models.JobStatusSucceeded)
	assert.Equal(t, sub.Key.String(), job.Key)

	// SUCCEEDED implies the cache already holds the result
	cached, found, err := c.Get(context.Background(), sub.Key)
	require.NoError(t, err)
	require.True(t, found)

	runoff := cached.GeoJSON.Features[0].Properties[models.RunoffResultsProperty].(map[string]interface{})
	assert.Equal(t, []interface{}{0.0, 5.0, 10.0, 15.0, 20.0, 25.0, 30.0, 35.0, 40.0, 45.0, 50.0, 55.0}, runoff["timestamps"])

	for i := 0; i < 2; i++ {
		again, err := d.Submit(context.Background(), s, collection("sub1"))
		require.NoError(t, err)
		assert.True(t, again.Cached)
		assert.Empty(t, again.JobID)
		assert.Equal(t, sub.Key, again.Key)
		assert.Equal(t, cached, again.Result)
	}
	assert.Equal(t, 1, stub.Calls())

	result, err := d.Result(context.Background(), sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.143, 1.143, 2.286, 6.858, 3.429, 0.0}, result.Rain)
}

func TestConcurrentSubmitsJoinOneJob(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	d := start(t, Config{Workers: 4}, newMemoryCache(t), store.NewMemoryStore(), runner)

	const callers = 16
	subs := make([]*Submission, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := d.Submit(context.Background(), scenario("blockToPark"), collection("sub1"))
			assert.NoError(t, err)
			subs[i] = sub
		}(i)
	}
	wg.Wait()

	created := 0
	for _, sub := range subs {
		require.NotNil(t, sub)
		assert.Equal(t, subs[0].JobID, sub.JobID)
		if !sub.Joined {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, d.InFlight())

	close(runner.gate)
	waitForStatus(t, d, subs[0].JobID, models.JobStatusSucceeded)
	assert.Equal(t, 1, runner.Calls())
	assert.Eventually(t, func() bool { return d.InFlight() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFailedJobIsNotCached(t *testing.T) {
	runner := &fakeRunner{err: &pipeline.StageError{
		Stage: pipeline.StageEngine,
		Err:   &engine.ExitError{Code: 1, Stderr: "ERROR 200: one or more errors in input file"},
	}}
	c := newMemoryCache(t)
	d := start(t, Config{Workers: 1}, c, store.NewMemoryStore(), runner)

	first, err := d.Submit(context.Background(), scenario("blockToPark"), collection("sub1"))
	require.NoError(t, err)
	job := waitForStatus(t, d, first.JobID, models.JobStatusFailed)
	assert.Equal(t, "engine stage failed: engine exited with code 1", job.Error)
	assert.Nil(t, job.Result)

	_, found, err := c.Get(context.Background(), first.Key)
	require.NoError(t, err)
	assert.False(t, found)

	_, err = d.Result(context.Background(), first.JobID)
	assert.ErrorIs(t, err, ErrJobFailed)

	// A later identical submission starts over instead of replaying the failure
	second, err := d.Submit(context.Background(), scenario("blockToPark"), collection("sub1"))
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.False(t, second.Joined)
	assert.NotEqual(t, first.JobID, second.JobID)
	waitForStatus(t, d, second.JobID, models.JobStatusFailed)
	assert.Equal(t, 2, runner.Calls())
}

func TestCacheReadErrorIsAMiss(t *testing.T) {
	c := &scriptedCache{ResultCache: newMemoryCache(t), getErr: errors.New("dial tcp: connection refused")}
	runner := &fakeRunner{}
	d := start(t, Config{Workers: 1}, c, store.NewMemoryStore(), runner)

	sub, err := d.Submit(context.Background(), scenario("blockToPark"), collection("sub1"))
	require.NoError(t, err)
	assert.False(t, sub.Cached)
	waitForStatus(t, d, sub.JobID, models.JobStatusSucceeded)
	assert.Equal(t, 1, runner.Calls())
}

func TestCacheWriteErrorFailsJob(t *testing.T) {
	c := &scriptedCache{ResultCache: newMemoryCache(t), putErr: errors.New("OOM command not allowed")}
	d := start(t, Config{Workers: 1}, c, store.NewMemoryStore(), &fakeRunner{})

	sub, err := d.Submit(context.Background(), scenario("blockToPark"), collection("sub1"))
	require.NoError(t, err)
	job := waitForStatus(t, d, sub.JobID, models.JobStatusFailed)
	assert.Contains(t, job.Error, "store result in cache")
	assert.Nil(t, job.Result)
}

func TestWorkerUsesResultCachedAfterSubmit(t *testing.T) {
	inner := newMemoryCache(t)
	c := &scriptedCache{ResultCache: inner, hide: 1}
	runner := &fakeRunner{}
	d := start(t, Config{Workers: 1}, c, store.NewMemoryStore(), runner)

	s, fc := scenario("blockToPark"), collection("sub1")
	key, err := cachekey.Derive(s, fc)
	require.NoError(t, err)
	stored := &models.SimulationResult{Rain: []float64{9}, GeoJSON: *fc}
	require.NoError(t, inner.Put(context.Background(), key, stored, 0))

	sub, err := d.Submit(context.Background(), s, fc)
	require.NoError(t, err)
	require.False(t, sub.Cached)

	job := waitForStatus(t, d, sub.JobID, models.JobStatusSucceeded)
	assert.Equal(t, stored.Rain, job.Result.Rain)
	assert.Equal(t, 0, runner.Calls())
}

func TestQueueFull(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{}), started: make(chan cachekey.Key, 8)}
	st := store.NewMemoryStore()
	d := start(t, Config{Workers: 1, QueueSize: 1}, newMemoryCache(t), st, runner)

	a, err := d.Submit(context.Background(), scenario("a"), collection("sub1"))
	require.NoError(t, err)
	<-runner.started // the only worker is busy with a

	b, err := d.Submit(context.Background(), scenario("b"), collection("sub1"))
	require.NoError(t, err)

	_, err = d.Submit(context.Background(), scenario("c"), collection("sub1"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, d.InFlight())

	failed, err := st.GetJobs(models.JobStatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ErrQueueFull.Error(), failed[0].Error)

	close(runner.gate)
	waitForStatus(t, d, a.JobID, models.JobStatusSucceeded)
	waitForStatus(t, d, b.JobID, models.JobStatusSucceeded)

	c, err := d.Submit(context.Background(), scenario("c"), collection("sub1"))
	require.NoError(t, err)
	assert.False(t, c.Joined)
	waitForStatus(t, d, c.JobID, models.JobStatusSucceeded)
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	st := store.NewMemoryStore()
	d := start(t, Config{}, newMemoryCache(t), st, &fakeRunner{})

	s := scenario("blockToPark")
	s.ReturnPeriod = 5
	_, err := d.Submit(context.Background(), s, collection("sub1"))
	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = d.Submit(context.Background(), scenario("blockToPark"), nil)
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	bad := collection("sub1")
	bad.Features[0].Geometry = nil
	_, err = d.Submit(context.Background(), scenario("blockToPark"), bad)
	assert.ErrorIs(t, err, ErrInvalidGeometry)

	jobs, err := st.GetJobs("")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestUnknownHandle(t *testing.T) {
	d := start(t, Config{}, newMemoryCache(t), store.NewMemoryStore(), &fakeRunner{})

	_, err := d.Status(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = d.Result(context.Background(), "no-such-job")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestResultNotReady(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{}), started: make(chan cachekey.Key, 1)}
	d := start(t, Config{Workers: 1}, newMemoryCache(t), store.NewMemoryStore(), runner)

	sub, err := d.Submit(context.Background(), scenario("blockToPark"), collection("sub1"))
	require.NoError(t, err)
	<-runner.started

	_, err = d.Result(context.Background(), sub.JobID)
	assert.ErrorIs(t, err, ErrResultNotReady)

	close(runner.gate)
	waitForStatus(t, d, sub.JobID, models.JobStatusSucceeded)
	result, err := d.Result(context.Background(), sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, 3.0}, result.Rain)
}

func TestResultFallsBackToCache(t *testing.T) {
	c := newMemoryCache(t)
	st := store.NewMemoryStore()
	d := New(Config{}, c, st, &fakeRunner{}, nil, nil)

	s, fc := scenario("blockToPark"), collection("sub1")
	key, err := cachekey.Derive(s, fc)
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), key, &models.SimulationResult{Rain: []float64{7}, GeoJSON: *fc}, 0))

	now := time.Now()
	require.NoError(t, st.CreateJob(&models.Job{
		ID:          "done",
		Key:         key.String(),
		Status:      models.JobStatusSucceeded,
		CreatedAt:   now,
		StartedAt:   &now,
		CompletedAt: &now,
	}))

	result, err := d.Result(context.Background(), "done")
	require.NoError(t, err)
	assert.Equal(t, []float64{7}, result.Rain)
}

func TestStartRecoversJobs(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	s, fc := scenario("blockToPark"), collection("sub1")
	key, err := cachekey.Derive(s, fc)
	require.NoError(t, err)

	require.NoError(t, st.CreateJob(&models.Job{
		ID: "pending", Key: key.String(), Status: models.JobStatusPending,
		Scenario: s, Subcatchments: fc, CreatedAt: now,
	}))
	require.NoError(t, st.CreateJob(&models.Job{
		ID: "running", Key: key.String(), Status: models.JobStatusRunning,
		Scenario: s, Subcatchments: fc, CreatedAt: now.Add(-time.Minute), StartedAt: &now,
	}))
	require.NoError(t, st.CreateJob(&models.Job{
		ID: "garbled", Key: "not-a-key", Status: models.JobStatusPending, CreatedAt: now,
	}))

	runner := &fakeRunner{gate: make(chan struct{}), started: make(chan cachekey.Key, 1)}
	d := start(t, Config{Workers: 1}, newMemoryCache(t), st, runner)

	interrupted, err := d.Status(context.Background(), "running")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, interrupted.Status)
	assert.Equal(t, "interrupted by restart", interrupted.Error)

	garbled, err := d.Status(context.Background(), "garbled")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, garbled.Status)

	// The requeued job owns its key again
	<-runner.started
	sub, err := d.Submit(context.Background(), s, fc)
	require.NoError(t, err)
	assert.True(t, sub.Joined)
	assert.Equal(t, "pending", sub.JobID)

	close(runner.gate)
	waitForStatus(t, d, "pending", models.JobStatusSucceeded)
	assert.Equal(t, 1, runner.Calls())
}

func TestLifecycle(t *testing.T) {
	d := New(Config{Workers: 1}, newMemoryCache(t), store.NewMemoryStore(), &fakeRunner{}, nil, nil)

	_, err := d.Submit(context.Background(), scenario("blockToPark"), collection("sub1"))
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, d.Start(context.Background()))
	assert.ErrorIs(t, d.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()))

	_, err = d.Submit(context.Background(), scenario("blockToPark"), collection("sub1"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStopCancelsRunningJobs(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{}), started: make(chan cachekey.Key, 1)}
	defer close(runner.gate)
	d := New(Config{Workers: 1}, newMemoryCache(t), store.NewMemoryStore(), runner, nil, nil)
	require.NoError(t, d.Start(context.Background()))

	sub, err := d.Submit(context.Background(), scenario("blockToPark"), collection("sub1"))
	require.NoError(t, err)
	<-runner.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Stop(ctx), context.DeadlineExceeded)

	job, err := d.Status(context.Background(), sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "simulation cancelled", job.Error)
}

func TestStopLeavesQueuedJobsPending(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{}), started: make(chan cachekey.Key, 4)}
	st := store.NewMemoryStore()
	d := New(Config{Workers: 1, QueueSize: 4}, newMemoryCache(t), st, runner, nil, nil)
	require.NoError(t, d.Start(context.Background()))

	a, err := d.Submit(context.Background(), scenario("a"), collection("sub1"))
	require.NoError(t, err)
	<-runner.started
	b, err := d.Submit(context.Background(), scenario("b"), collection("sub1"))
	require.NoError(t, err)
	c, err := d.Submit(context.Background(), scenario("c"), collection("sub1"))
	require.NoError(t, err)

	stopped := make(chan error, 1)
	go func() { stopped <- d.Stop(context.Background()) }()
	require.Eventually(t, d.stopping, time.Second, time.Millisecond)
	close(runner.gate)

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	waitForStatus(t, d, a.JobID, models.JobStatusSucceeded)
	for _, id := range []string{b.JobID, c.JobID} {
		job, err := d.Status(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, job.Status, id)
	}
	assert.Equal(t, 1, runner.Calls())
	assert.Equal(t, 0, d.InFlight())
}

func TestSucceedRetriesTransientStoreErrors(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore(), failures: 2}
	d := New(Config{Workers: 1}, newMemoryCache(t), st, &fakeRunner{}, nil, nil)
	d.transitionRetry.InitialBackoff = time.Millisecond
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	sub, err := d.Submit(context.Background(), scenario("blockToPark"), collection("sub1"))
	require.NoError(t, err)

	job := waitForStatus(t, d, sub.JobID, models.JobStatusSucceeded)
	assert.NotNil(t, job.Result)
}

func TestSucceedTransitionFailureIsCounted(t *testing.T) {
	recorder := metrics.NewRecorder(t.TempDir())
	st := &flakyStore{Store: store.NewMemoryStore(), failures: -1}
	c := newMemoryCache(t)
	runner := &fakeRunner{}
	d := New(Config{Workers: 1}, c, st, runner, nil, recorder)
	d.transitionRetry.InitialBackoff = time.Millisecond
	require.NoError(t, d.Start(context.Background()))
	defer d.Stop(context.Background())

	s, fc := scenario("blockToPark"), collection("sub1")
	sub, err := d.Submit(context.Background(), s, fc)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := testutil.GatherAndCount(recorder.Registry(), "stormwater_job_transition_failures_total")
		return err == nil && n == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.InFlight() == 0 }, time.Second, time.Millisecond)

	job, err := d.Status(context.Background(), sub.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)

	// The result was cached before the failed write
	again, err := d.Submit(context.Background(), s, fc)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, 1, runner.Calls())
}

func TestSubmitDoesNotSerializeJobCreation(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	defer close(runner.gate)
	st := &flakyStore{Store: store.NewMemoryStore(), delay: 200 * time.Millisecond}
	d := start(t, Config{Workers: 1, QueueSize: 8}, newMemoryCache(t), st, runner)

	const n = 4
	began := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.Submit(context.Background(), scenario(fmt.Sprintf("path-%d", i)), collection("sub1"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Less(t, time.Since(began), n*st.delay)
	assert.Equal(t, n, d.InFlight())
}

func TestJoinWaitsForReservedJob(t *testing.T) {
	runner := &fakeRunner{gate: make(chan struct{})}
	defer close(runner.gate)
	st := &flakyStore{Store: store.NewMemoryStore(), delay: 100 * time.Millisecond}
	d := start(t, Config{Workers: 1}, newMemoryCache(t), st, runner)

	s, fc := scenario("blockToPark"), collection("sub1")
	owner := make(chan *Submission, 1)
	go func() {
		sub, err := d.Submit(context.Background(), s, fc)
		assert.NoError(t, err)
		owner <- sub
	}()
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, time.Millisecond)

	joined, err := d.Submit(context.Background(), s, fc)
	require.NoError(t, err)
	assert.True(t, joined.Joined)

	first := <-owner
	assert.Equal(t, first.JobID, joined.JobID)
	job, err := d.Status(context.Background(), joined.JobID)
	require.NoError(t, err)
	assert.Contains(t, []models.JobStatus{models.JobStatusPending, models.JobStatusRunning}, job.Status)
}

func TestJoinHonoursContext(t *testing.T) {
	st := &flakyStore{Store: store.NewMemoryStore(), delay: 500 * time.Millisecond}
	d := start(t, Config{Workers: 1}, newMemoryCache(t), st, &fakeRunner{})

	s, fc := scenario("blockToPark"), collection("sub1")
	go func() { _, _ = d.Submit(context.Background(), s, fc) }()
	require.Eventually(t, func() bool { return d.InFlight() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.Submit(ctx, s, fc)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDescribe(t *testing.T) {
	long := make([]byte, 2*maxErrorLength)
	for i := range long {
		long[i] = 'x'
	}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "engine exit hides stderr",
			err:  &pipeline.StageError{Stage: pipeline.StageEngine, Err: &engine.ExitError{Code: 3, Stderr: "panic at 0x0"}},
			want: "engine stage failed: engine exited with code 3",
		},
		{
			name: "other stage errors pass through",
			err:  &pipeline.StageError{Stage: pipeline.StageRain, Err: errors.New("no such file")},
			want: "rain stage failed: no such file",
		},
		{
			name: "timeout",
			err:  fmt.Errorf("engine: %w", context.DeadlineExceeded),
			want: "simulation timed out",
		},
		{
			name: "truncated",
			err:  errors.New(string(long)),
			want: string(long[:maxErrorLength]) + "...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, describe(tt.err))
		})
	}
}
