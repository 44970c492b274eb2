// Package cleanup expires terminal job records and runs store maintenance.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/stormwater/pkg/logging"
	"github.com/psantana5/stormwater/pkg/models"
)

// Config defines retention policies and cleanup intervals
type Config struct {
	Enabled         bool
	JobRetention    time.Duration
	CleanupInterval time.Duration
	VacuumInterval  time.Duration
	DeleteBatchSize int
	BatchPause      time.Duration
}

// DefaultConfig returns the service defaults
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		JobRetention:    7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		VacuumInterval:  7 * 24 * time.Hour,
		DeleteBatchSize: 100,
		BatchPause:      100 * time.Millisecond,
	}
}

// Store is the subset of store.Store the manager needs
type Store interface {
	GetJobs(status models.JobStatus) ([]*models.Job, error)
	DeleteJob(id string) error
	Vacuum() error
}

// Stats tracks cleanup operations
type Stats struct {
	LastCleanupTime     time.Time
	LastVacuumTime      time.Time
	TotalJobsDeleted    int64
	TotalVacuumRuns     int64
	LastCleanupDuration time.Duration
	LastVacuumDuration  time.Duration
}

// Manager deletes SUCCEEDED and FAILED records older than the retention
// window. Cached results are not touched.
type Manager struct {
	config Config
	store  Store
	logger *logging.Logger
	now    func() time.Time

	// OnDelete, if set, runs for every record removed
	OnDelete func(*models.Job)

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats Stats
}

// New creates a cleanup manager
func New(config Config, store Store, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	if config.DeleteBatchSize <= 0 {
		config.DeleteBatchSize = DefaultConfig().DeleteBatchSize
	}
	return &Manager{
		config: config,
		store:  store,
		logger: logger.WithComponent("Cleanup"),
		now:    time.Now,
	}
}

// Start launches the cleanup and vacuum loops
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("Cleanup manager disabled")
		return
	}

	m.logger.Info("Starting cleanup manager", map[string]interface{}{
		"retention": m.config.JobRetention.String(),
		"interval":  m.config.CleanupInterval.String(),
	})

	ctx, m.cancel = context.WithCancel(ctx)
	if m.config.CleanupInterval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.config.CleanupInterval, func() { m.RunNow(ctx) })
	}
	if m.config.VacuumInterval > 0 {
		m.wg.Add(1)
		go m.loop(ctx, m.config.VacuumInterval, m.VacuumNow)
	}
}

// Stop stops the loops and waits for a run in progress to finish
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Cleanup manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, run func()) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

// RunNow deletes expired records immediately and returns how many were
// removed
func (m *Manager) RunNow(ctx context.Context) int {
	start := m.now()
	cutoff := start.Add(-m.config.JobRetention)

	deleted := 0
	for _, status := range []models.JobStatus{models.JobStatusSucceeded, models.JobStatusFailed} {
		n, err := m.cleanupByStatus(ctx, status, cutoff)
		deleted += n
		if err != nil {
			m.logger.Error("Failed to clean up jobs", map[string]interface{}{
				"status": string(status),
				"error":  err,
			})
		}
	}

	duration := time.Since(start)
	m.mu.Lock()
	m.stats.LastCleanupTime = start
	m.stats.LastCleanupDuration = duration
	m.stats.TotalJobsDeleted += int64(deleted)
	m.mu.Unlock()

	if deleted > 0 {
		m.logger.Info("Job cleanup complete", map[string]interface{}{
			"deleted":  deleted,
			"duration": duration.String(),
		})
	}
	return deleted
}

func (m *Manager) cleanupByStatus(ctx context.Context, status models.JobStatus, cutoff time.Time) (int, error) {
	jobs, err := m.store.GetJobs(status)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			return deleted, ctx.Err()
		}

		// Age from completion, or creation for records that never ran
		ref := job.CreatedAt
		if job.CompletedAt != nil {
			ref = *job.CompletedAt
		}
		if !ref.Before(cutoff) {
			continue
		}

		if err := m.store.DeleteJob(job.ID); err != nil {
			m.logger.Warn("Failed to delete job", map[string]interface{}{
				"job_id": job.ID,
				"error":  err,
			})
			continue
		}
		if m.OnDelete != nil {
			m.OnDelete(job)
		}
		deleted++

		if deleted%m.config.DeleteBatchSize == 0 && m.config.BatchPause > 0 {
			select {
			case <-time.After(m.config.BatchPause):
			case <-ctx.Done():
				return deleted, ctx.Err()
			}
		}
	}
	return deleted, nil
}

// VacuumNow runs store maintenance immediately
func (m *Manager) VacuumNow() {
	start := m.now()
	if err := m.store.Vacuum(); err != nil {
		m.logger.Error("Store vacuum failed", map[string]interface{}{"error": err})
		return
	}

	duration := time.Since(start)
	m.mu.Lock()
	m.stats.LastVacuumTime = start
	m.stats.LastVacuumDuration = duration
	m.stats.TotalVacuumRuns++
	m.mu.Unlock()

	m.logger.Info("Store vacuum complete", map[string]interface{}{"duration": duration.String()})
}

// GetStats returns current cleanup statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
