package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is wrapped by every error returned from ValidateTransition
var ErrInvalidTransition = errors.New("invalid job state transition")

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusPending: {
		JobStatusRunning: true, // Pending → Running (worker picks up job)
		JobStatusFailed:  true, // Pending → Failed (queue rejected or recovery)
	},
	JobStatusRunning: {
		JobStatusSucceeded: true, // Running → Succeeded (result cached)
		JobStatusFailed:    true, // Running → Failed (stage or cache write failed)
	},
	// Terminal states (no transitions allowed)
	JobStatusSucceeded: {},
	JobStatusFailed:    {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source state %s", ErrInvalidTransition, from)
	}

	if !allowedStates[to] {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, from, to)
	}

	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusSucceeded || state == JobStatusFailed
}

// IsValidStatus reports whether s is one of the known job states
func IsValidStatus(s JobStatus) bool {
	_, ok := validTransitions[s]
	return ok
}

// Transition validates and applies a state change, stamping the
// timestamps the target state implies.
func (j *Job) Transition(to JobStatus, reason string, now time.Time) error {
	if err := ValidateTransition(j.Status, to); err != nil {
		return err
	}

	j.StateTransitions = append(j.StateTransitions, StateTransition{
		From:      j.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	j.Status = to

	switch {
	case to == JobStatusRunning:
		j.StartedAt = &now
	case IsTerminalState(to):
		j.CompletedAt = &now
	}
	return nil
}
