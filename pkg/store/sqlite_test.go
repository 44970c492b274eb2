package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/stormwater/pkg/models"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	s := newSQLiteTestStore(t)
	if err := s.HealthCheck(); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	testJobOperations(t, s)
	if err := s.Vacuum(); err != nil {
		t.Errorf("Vacuum: %v", err)
	}
}

// TestSQLiteConcurrentTransitions checks that concurrent workers racing on
// the same job never both win the PENDING->RUNNING transition
func TestSQLiteConcurrentTransitions(t *testing.T) {
	s := newSQLiteTestStore(t)

	numJobs := 10
	for i := 0; i < numJobs; i++ {
		if err := s.CreateJob(newTestJob(fmt.Sprintf("job-%d", i), time.Now())); err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := make(map[string]int)

	for w := 0; w < 3; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < numJobs; i++ {
				id := fmt.Sprintf("job-%d", i)
				if _, err := s.TransitionJob(id, models.JobStatusRunning, "", nil); err == nil {
					mu.Lock()
					wins[id]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < numJobs; i++ {
		id := fmt.Sprintf("job-%d", i)
		if wins[id] != 1 {
			t.Errorf("%s transitioned to RUNNING %d times, want 1", id, wins[id])
		}
	}

	running, err := s.GetJobs(models.JobStatusRunning)
	if err != nil {
		t.Fatalf("GetJobs: %v", err)
	}
	if len(running) != numJobs {
		t.Errorf("running jobs = %d, want %d", len(running), numJobs)
	}
}
