package pipeline

import "fmt"

// Pipeline stages, in execution order
const (
	StageArtifact = "artifact"
	StageGeometry = "geometry"
	StageEngine   = "engine"
	StageExtract  = "extract"
	StageRain     = "rain"
	StageCleanup  = "cleanup"
)

// StageError reports the stage a pipeline run failed in
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
