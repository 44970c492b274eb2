package models

import (
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
)

// Job is the transient handle for one pipeline execution of a cache key.
// The cache, not the job record, is the durable owner of the result.
type Job struct {
	ID               string             `json:"id"`
	Key              string             `json:"cache_key"`
	Status           JobStatus          `json:"status"`
	Scenario         ScenarioDefinition `json:"scenario"`
	Subcatchments    *FeatureCollection `json:"subcatchments,omitempty"`
	Result           *SimulationResult  `json:"result,omitempty"`
	Error            string             `json:"error,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	StateTransitions []StateTransition  `json:"state_transitions,omitempty"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// Clone returns a copy of the job that can be handed out without sharing
// the transition slice. Result and Subcatchments are immutable once set and
// are shared.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.StateTransitions != nil {
		c.StateTransitions = append([]StateTransition(nil), j.StateTransitions...)
	}
	return &c
}
