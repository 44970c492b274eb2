package models

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// ReturnPeriod is the statistical recurrence interval of the design storm, in years.
type ReturnPeriod int

const (
	ReturnPeriod2   ReturnPeriod = 2
	ReturnPeriod10  ReturnPeriod = 10
	ReturnPeriod100 ReturnPeriod = 100
)

// ReturnPeriods lists the admissible return periods. There is exactly one
// base model set and one rain series file per entry.
var ReturnPeriods = []ReturnPeriod{ReturnPeriod2, ReturnPeriod10, ReturnPeriod100}

// ErrInvalidReturnPeriod is returned for a return period outside ReturnPeriods
var ErrInvalidReturnPeriod = errors.New("invalid return period")

// ParseReturnPeriod converts an integer into an admissible ReturnPeriod
func ParseReturnPeriod(v int) (ReturnPeriod, error) {
	rp := ReturnPeriod(v)
	if !rp.Valid() {
		return 0, fmt.Errorf("%w: %d (must be one of 2, 10, 100)", ErrInvalidReturnPeriod, v)
	}
	return rp, nil
}

// Valid reports whether rp is admissible
func (rp ReturnPeriod) Valid() bool {
	for _, p := range ReturnPeriods {
		if p == rp {
			return true
		}
	}
	return false
}

// String returns the canonical form used in file names and cache keys
func (rp ReturnPeriod) String() string {
	return strconv.Itoa(int(rp))
}

// ModelUpdate redirects one subcatchment to a new outlet before simulation
type ModelUpdate struct {
	SubcatchmentID string `json:"subcatchmentId"`
	OutletID       string `json:"outletId"`
}

// ScenarioDefinition is the simulation configuration excluding geometry
type ScenarioDefinition struct {
	ReturnPeriod ReturnPeriod  `json:"returnPeriod"`
	FlowPath     string        `json:"flowPath"`
	Roofs        string        `json:"roofs"`
	ModelUpdates []ModelUpdate `json:"modelUpdates"`
}

var variantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidationError describes a rejected input field
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the scenario before any cache key is derived from it
func (s ScenarioDefinition) Validate() error {
	if !s.ReturnPeriod.Valid() {
		return &ValidationError{Field: "returnPeriod", Message: fmt.Sprintf("%d is not one of 2, 10, 100", s.ReturnPeriod)}
	}
	if !variantPattern.MatchString(s.FlowPath) {
		return &ValidationError{Field: "flowPath", Message: "must be a non-empty identifier"}
	}
	if !variantPattern.MatchString(s.Roofs) {
		return &ValidationError{Field: "roofs", Message: "must be a non-empty identifier"}
	}
	for i, u := range s.ModelUpdates {
		if u.SubcatchmentID == "" {
			return &ValidationError{Field: fmt.Sprintf("modelUpdates[%d].subcatchmentId", i), Message: "is required"}
		}
		if u.OutletID == "" {
			return &ValidationError{Field: fmt.Sprintf("modelUpdates[%d].outletId", i), Message: "is required"}
		}
	}
	return nil
}

// InputFilename is the base model file selected by the scenario
func (s ScenarioDefinition) InputFilename() string {
	return fmt.Sprintf("%s_%s_%s.inp", s.FlowPath, s.Roofs, s.ReturnPeriod)
}
