// Package enginetest provides a stand-in solver for tests.
package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/psantana5/stormwater/pkg/engine"
	"github.com/psantana5/stormwater/pkg/swmm"
)

// Stub writes a valid binary output with a fixed number of periods.
// Subcatchment names are taken from the input model unless overridden.
type Stub struct {
	Periods    int
	ReportStep time.Duration
	StartDate  time.Time

	// Subcatchments overrides the names read from the model
	Subcatchments []string

	// Runoff computes the value of a subcatchment at a period
	Runoff func(name string, period int) float32

	// ExitCode > 0 makes Run fail like a crashed solver
	ExitCode int

	// Gate, if set, blocks Run until it is closed or ctx is done
	Gate chan struct{}

	mu    sync.Mutex
	calls int
	inps  []string
}

var _ engine.Engine = (*Stub)(nil)

// New returns a stub producing periods reporting steps of 5 minutes
func New(periods int) *Stub {
	return &Stub{
		Periods:    periods,
		ReportStep: 5 * time.Minute,
		StartDate:  time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Calls is the number of Run invocations so far
func (s *Stub) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Inputs returns the input model paths Run was called with
func (s *Stub) Inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.inps...)
}

// Run simulates a solver invocation
func (s *Stub) Run(ctx context.Context, inpPath, rptPath, outPath string) error {
	s.mu.Lock()
	s.calls++
	s.inps = append(s.inps, inpPath)
	s.mu.Unlock()

	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.ExitCode > 0 {
		return &engine.ExitError{Code: s.ExitCode, Stderr: "stub engine failure"}
	}

	names := s.Subcatchments
	if names == nil {
		model, err := swmm.LoadModel(inpPath)
		if err != nil {
			return &engine.ExitError{Code: 1, Stderr: err.Error()}
		}
		names = model.Subcatchments()
	}

	runoff := make(map[string][]float32, len(names))
	for _, name := range names {
		series := make([]float32, s.Periods)
		for p := range series {
			if s.Runoff != nil {
				series[p] = s.Runoff(name, p)
			} else {
				series[p] = float32(p) * 0.5
			}
		}
		runoff[name] = series
	}

	var buf bytes.Buffer
	err := swmm.WriteOutput(&buf, swmm.OutputSpec{
		Subcatchments: names,
		StartDate:     s.StartDate,
		ReportStep:    s.ReportStep,
		Periods:       s.Periods,
		Runoff:        runoff,
	})
	if err != nil {
		return err
	}

	report := fmt.Sprintf("stub engine report\n  subcatchments: %d\n  periods: %d\n", len(names), s.Periods)
	if err := os.WriteFile(rptPath, []byte(report), 0o644); err != nil {
		return err
	}
	return os.WriteFile(outPath, buf.Bytes(), 0o644)
}
