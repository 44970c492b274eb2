package store

import (
	"sort"
	"sync"
	"time"

	"github.com/psantana5/stormwater/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	jobs   map[string]*models.Job
	jobsMu sync.RWMutex
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		now:  time.Now,
	}
}

// CreateJob adds a new job to the store
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrJobExists
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// TransitionJob applies a validated state change
func (s *MemoryStore) TransitionJob(id string, to models.JobStatus, reason string, mutate func(*models.Job)) (*models.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	current, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}

	job := current.Clone()
	if err := job.Transition(to, reason, s.now()); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(job)
	}

	s.jobs[id] = job
	return job.Clone(), nil
}

// GetJobs returns jobs in the given status ordered by creation time
func (s *MemoryStore) GetJobs(status models.JobStatus) ([]*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// DeleteJob removes a job from the store
func (s *MemoryStore) DeleteJob(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error { return nil }

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck() error { return nil }

// Vacuum is a no-op for the memory store
func (s *MemoryStore) Vacuum() error { return nil }
