package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/stormwater/pkg/models"
)

// sqlJobs implements the job operations shared by the SQL backends.
// Queries are written with ? placeholders and rebound per dialect.
type sqlJobs struct {
	db        *sql.DB
	rebind    func(string) string
	forUpdate string
	now       func() time.Time
}

const jobColumns = `id, cache_key, status, scenario, subcatchments, result, error,
	created_at, started_at, completed_at, state_transitions`

func questionMarks(q string) string { return q }

// dollarPlaceholders rewrites ? placeholders to $1, $2, ...
func dollarPlaceholders(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type jobRow struct {
	scenario      string
	subcatchments sql.NullString
	result        sql.NullString
	errMsg        sql.NullString
	startedAt     sql.NullTime
	completedAt   sql.NullTime
	transitions   sql.NullString
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (*models.Job, error) {
	var job models.Job
	var row jobRow

	err := sc.Scan(&job.ID, &job.Key, &job.Status, &row.scenario, &row.subcatchments,
		&row.result, &row.errMsg, &job.CreatedAt, &row.startedAt, &row.completedAt, &row.transitions)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(row.scenario), &job.Scenario); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scenario: %w", err)
	}
	if row.subcatchments.Valid && row.subcatchments.String != "" && row.subcatchments.String != "null" {
		job.Subcatchments = &models.FeatureCollection{}
		if err := json.Unmarshal([]byte(row.subcatchments.String), job.Subcatchments); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subcatchments: %w", err)
		}
	}
	if row.result.Valid && row.result.String != "" && row.result.String != "null" {
		job.Result = &models.SimulationResult{}
		if err := json.Unmarshal([]byte(row.result.String), job.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if row.transitions.Valid && row.transitions.String != "" && row.transitions.String != "null" {
		if err := json.Unmarshal([]byte(row.transitions.String), &job.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}
	job.Error = row.errMsg.String
	if row.startedAt.Valid {
		job.StartedAt = &row.startedAt.Time
	}
	if row.completedAt.Valid {
		job.CompletedAt = &row.completedAt.Time
	}
	return &job, nil
}

func marshalNullable(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// CreateJob inserts a new job
func (s *sqlJobs) CreateJob(job *models.Job) error {
	scenario, err := json.Marshal(job.Scenario)
	if err != nil {
		return fmt.Errorf("failed to marshal scenario: %w", err)
	}
	subcatchments, err := marshalNullable(job.Subcatchments, job.Subcatchments == nil)
	if err != nil {
		return fmt.Errorf("failed to marshal subcatchments: %w", err)
	}
	result, err := marshalNullable(job.Result, job.Result == nil)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	_, err = s.db.Exec(s.rebind(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), job.ID, job.Key, job.Status, string(scenario), subcatchments, result, job.Error,
		job.CreatedAt, job.StartedAt, job.CompletedAt, string(transitions))
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrJobExists
	}
	return err
}

// GetJob retrieves a job by ID
func (s *sqlJobs) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// TransitionJob reads, transitions and writes the job in one transaction
func (s *sqlJobs) TransitionJob(id string, to models.JobStatus, reason string, mutate func(*models.Job)) (*models.Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRow(s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`+s.forUpdate), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := job.Transition(to, reason, s.now()); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(job)
	}

	result, err := marshalNullable(job.Result, job.Result == nil)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state_transitions: %w", err)
	}

	_, err = tx.Exec(s.rebind(`
		UPDATE jobs
		SET status = ?, result = ?, error = ?, started_at = ?, completed_at = ?, state_transitions = ?
		WHERE id = ?
	`), job.Status, result, job.Error, job.StartedAt, job.CompletedAt, string(transitions), id)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return job, nil
}

// GetJobs lists jobs in a status, or all jobs, oldest first
func (s *sqlJobs) GetJobs(status models.JobStatus) ([]*models.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at`)
	} else {
		rows, err = s.db.Query(s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at`), status)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job
func (s *sqlJobs) DeleteJob(id string) error {
	res, err := s.db.Exec(s.rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Close closes the database connection
func (s *sqlJobs) Close() error {
	return s.db.Close()
}
