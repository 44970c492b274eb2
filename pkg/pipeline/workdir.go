package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/psantana5/stormwater/pkg/cachekey"
)

// File names inside a job working directory
const (
	InputFile         = "scenario.inp"
	SubcatchmentsFile = "subcatchments.json"
	ReportFile        = "scenario.rpt"
	OutputFile        = "scenario.out"
)

// WorkDir is the directory owned by one job: one directory per scenario
// hash, a subdirectory per subcatchment set and one below that per job.
type WorkDir string

// NewWorkDir returns the working directory of job jobID for key under root
func NewWorkDir(root string, key cachekey.Key, jobID string) WorkDir {
	return WorkDir(filepath.Join(root, key.ScenarioHash(), key.SubcatchmentsHash(), jobID))
}

func validJobID(id string) error {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id {
		return fmt.Errorf("invalid job id %q", id)
	}
	return nil
}

func (d WorkDir) Path(name string) string {
	return filepath.Join(string(d), name)
}

func (d WorkDir) String() string { return string(d) }

// Create makes the directory and its parents. A concurrent Remove of
// another job may prune an empty parent in between, so ENOENT is retried.
func (d WorkDir) Create() error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.MkdirAll(string(d), 0o755); !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return err
}

// Remove deletes the directory, then its subcatchment and scenario
// parents when they are left empty
func (d WorkDir) Remove() error {
	if err := os.RemoveAll(string(d)); err != nil {
		return err
	}
	// Other jobs may still be using the parents
	parent := filepath.Dir(string(d))
	if os.Remove(parent) == nil {
		_ = os.Remove(filepath.Dir(parent))
	}
	return nil
}
