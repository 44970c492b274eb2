package store

import (
	"errors"
	"time"

	"github.com/psantana5/stormwater/pkg/models"
)

// Store persists job records. Records are transient handles; the
// result cache owns computed results.
// Memory, SQLite and PostgreSQL implement this interface.
type Store interface {
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)

	// TransitionJob validates and applies a state change atomically.
	// mutate, if non-nil, runs on the record after the transition and
	// before it is saved (to attach a result or error).
	TransitionJob(id string, to models.JobStatus, reason string, mutate func(*models.Job)) (*models.Job, error)

	// GetJobs lists jobs in the given state, or all jobs if status is empty
	GetJobs(status models.JobStatus) ([]*models.Job, error)
	DeleteJob(id string) error

	// Lifecycle
	Close() error
	HealthCheck() error
	Vacuum() error
}

// Config holds database configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "stormwater.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrJobNotFound         = errors.New("job not found")
	ErrJobExists           = errors.New("job already exists")
)
