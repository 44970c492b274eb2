package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/stormwater/pkg/models"
	"github.com/psantana5/stormwater/pkg/store"
)

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, st store.Store, id string, status models.JobStatus, created time.Time, completed *time.Time) {
	t.Helper()
	require.NoError(t, st.CreateJob(&models.Job{
		ID:          id,
		Status:      status,
		CreatedAt:   created,
		CompletedAt: completed,
	}))
}

func at(t time.Time) *time.Time { return &t }

func newManager(st Store) *Manager {
	cfg := DefaultConfig()
	cfg.BatchPause = 0
	m := New(cfg, st, nil)
	m.now = func() time.Time { return now }
	return m
}

func TestRunNowDeletesExpiredTerminalJobs(t *testing.T) {
	st := store.NewMemoryStore()
	old := now.Add(-8 * 24 * time.Hour)

	seed(t, st, "old-succeeded", models.JobStatusSucceeded, old, at(old.Add(time.Minute)))
	seed(t, st, "old-failed", models.JobStatusFailed, old, nil)
	seed(t, st, "recent-succeeded", models.JobStatusSucceeded, old, at(now.Add(-time.Hour)))
	seed(t, st, "old-pending", models.JobStatusPending, old, nil)
	seed(t, st, "old-running", models.JobStatusRunning, old, nil)

	m := newManager(st)
	var removed []string
	m.OnDelete = func(j *models.Job) { removed = append(removed, j.ID) }

	assert.Equal(t, 2, m.RunNow(context.Background()))
	assert.ElementsMatch(t, []string{"old-succeeded", "old-failed"}, removed)

	remaining, err := st.GetJobs("")
	require.NoError(t, err)
	ids := make([]string, 0, len(remaining))
	for _, j := range remaining {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"recent-succeeded", "old-pending", "old-running"}, ids)

	stats := m.GetStats()
	assert.EqualValues(t, 2, stats.TotalJobsDeleted)
	assert.Equal(t, now, stats.LastCleanupTime)
}

func TestRunNowBatches(t *testing.T) {
	st := store.NewMemoryStore()
	old := now.Add(-30 * 24 * time.Hour)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		seed(t, st, id, models.JobStatusFailed, old, nil)
	}

	m := newManager(st)
	m.config.DeleteBatchSize = 2
	m.config.BatchPause = time.Millisecond

	assert.Equal(t, 5, m.RunNow(context.Background()))
}

type failingStore struct {
	*store.MemoryStore
	vacuumErr error
	vacuums   int
}

func (s *failingStore) DeleteJob(id string) error {
	if id == "stuck" {
		return errors.New("locked")
	}
	return s.MemoryStore.DeleteJob(id)
}

func (s *failingStore) Vacuum() error {
	s.vacuums++
	return s.vacuumErr
}

func TestRunNowSkipsFailedDeletes(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	old := now.Add(-30 * 24 * time.Hour)
	seed(t, st, "stuck", models.JobStatusFailed, old, nil)
	seed(t, st, "free", models.JobStatusFailed, old, nil)

	m := newManager(st)
	assert.Equal(t, 1, m.RunNow(context.Background()))

	_, err := st.GetJob("stuck")
	assert.NoError(t, err)
}

func TestVacuumNow(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	m := newManager(st)

	m.VacuumNow()
	assert.EqualValues(t, 1, m.GetStats().TotalVacuumRuns)

	st.vacuumErr = errors.New("disk full")
	m.VacuumNow()
	assert.Equal(t, 2, st.vacuums)
	assert.EqualValues(t, 1, m.GetStats().TotalVacuumRuns)
}

func TestStartStop(t *testing.T) {
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	cfg := DefaultConfig()
	cfg.CleanupInterval = 5 * time.Millisecond
	cfg.VacuumInterval = 5 * time.Millisecond
	m := New(cfg, st, nil)

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		s := m.GetStats()
		return !s.LastCleanupTime.IsZero() && s.TotalVacuumRuns > 0
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Stop(ctx))
}

func TestDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	m := New(cfg, store.NewMemoryStore(), nil)

	m.Start(context.Background())
	assert.NoError(t, m.Stop(context.Background()))
	assert.True(t, m.GetStats().LastCleanupTime.IsZero())
}
