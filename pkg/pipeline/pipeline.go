// Package pipeline runs one simulation job: it builds the engine input,
// invokes the engine, extracts runoff series and merges them onto the
// caller's geometry.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/stormwater/pkg/assemble"
	"github.com/psantana5/stormwater/pkg/cachekey"
	"github.com/psantana5/stormwater/pkg/engine"
	"github.com/psantana5/stormwater/pkg/logging"
	"github.com/psantana5/stormwater/pkg/metrics"
	"github.com/psantana5/stormwater/pkg/models"
	"github.com/psantana5/stormwater/pkg/rain"
	"github.com/psantana5/stormwater/pkg/swmm"
)

// Config locates the pipeline's inputs and scratch space
type Config struct {
	InputDir string // base models, {flowPath}_{roofs}_{returnPeriod}.inp
	RainDir  string // timeseries_{returnPeriod}.txt files
	WorkDir  string // root of job working directories
}

// Task is one unit of pipeline work
type Task struct {
	JobID         string
	Key           cachekey.Key
	Scenario      models.ScenarioDefinition
	Subcatchments *models.FeatureCollection
}

// Runner executes pipeline tasks. It is safe for concurrent use as long as
// no two concurrent tasks share a key.
type Runner struct {
	config   Config
	engine   engine.Engine
	logger   *logging.Logger
	recorder *metrics.Recorder
	tracer   trace.Tracer
}

// New creates a Runner. logger and recorder may be nil.
func New(config Config, eng engine.Engine, logger *logging.Logger, recorder *metrics.Recorder) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{
		config:   config,
		engine:   eng,
		logger:   logger.WithComponent("Pipeline"),
		recorder: recorder,
		tracer:   otel.Tracer("github.com/psantana5/stormwater/pkg/pipeline"),
	}
}

// WorkDir returns the working directory of job jobID for key
func (r *Runner) WorkDir(key cachekey.Key, jobID string) WorkDir {
	return NewWorkDir(r.config.WorkDir, key, jobID)
}

// Run executes every stage in order and returns the assembled result.
// On failure the working directory is left in place.
func (r *Runner) Run(ctx context.Context, task Task) (*models.SimulationResult, error) {
	if !task.Key.Valid() {
		return nil, fmt.Errorf("%w: %q", cachekey.ErrInvalidKey, task.Key)
	}
	if err := validJobID(task.JobID); err != nil {
		return nil, err
	}
	if task.Subcatchments == nil {
		return nil, errors.New("pipeline task has no subcatchments")
	}

	ctx, span := r.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("cache_key", task.Key.String()),
			attribute.String("scenario.input", task.Scenario.InputFilename()),
		),
	)
	defer span.End()

	log := r.logger.WithFields(map[string]interface{}{
		"cache_key": task.Key.String(),
		"job_id":    task.JobID,
	})
	dir := r.WorkDir(task.Key, task.JobID)
	start := time.Now()

	var (
		series   map[string]models.RunoffSeries
		geometry *models.FeatureCollection
		rainfall []float64
	)

	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{StageArtifact, func(context.Context) error { return r.buildArtifact(dir, task.Scenario) }},
		{StageGeometry, func(context.Context) error { return writeGeometry(dir, task.Subcatchments) }},
		{StageEngine, func(ctx context.Context) error {
			return r.engine.Run(ctx, dir.Path(InputFile), dir.Path(ReportFile), dir.Path(OutputFile))
		}},
		{StageExtract, func(context.Context) error {
			var err error
			series, err = extract(dir, log)
			if err != nil {
				return err
			}
			geometry, err = r.merge(dir, series, log)
			return err
		}},
		{StageRain, func(context.Context) error {
			var err error
			rainfall, err = rain.Load(r.config.RainDir, task.Scenario.ReturnPeriod)
			return err
		}},
	}

	for _, s := range stages {
		if err := r.stage(ctx, s.name, s.fn); err != nil {
			log.Error("Pipeline failed", map[string]interface{}{
				"stage":    s.name,
				"work_dir": dir.String(),
				"error":    err,
			})
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	// Cleanup failures leave a stale directory but the result is good
	if err := r.stage(ctx, StageCleanup, func(context.Context) error { return dir.Remove() }); err != nil {
		log.Warn("Failed to remove work directory", map[string]interface{}{
			"work_dir": dir.String(),
			"error":    err,
		})
	}

	log.Info("Pipeline completed", map[string]interface{}{
		"features": len(geometry.Features),
		"duration": time.Since(start).String(),
	})
	return assemble.Result(rainfall, geometry), nil
}

// stage runs fn in its own span and records its duration
func (r *Runner) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	r.recorder.ObserveStage(name, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

// buildArtifact copies the base model into dir with the outlet updates
// applied
func (r *Runner) buildArtifact(dir WorkDir, s models.ScenarioDefinition) error {
	base := s.InputFilename()
	model, err := swmm.LoadModel(filepath.Join(r.config.InputDir, base))
	if err != nil {
		return fmt.Errorf("load base model %s: %w", base, err)
	}
	for _, u := range s.ModelUpdates {
		if err := model.SetOutlet(u.SubcatchmentID, u.OutletID); err != nil {
			return err
		}
	}
	if err := dir.Create(); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	return model.Save(dir.Path(InputFile))
}

func writeGeometry(dir WorkDir, fc *models.FeatureCollection) error {
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode subcatchments: %w", err)
	}
	return os.WriteFile(dir.Path(SubcatchmentsFile), data, 0o644)
}

func readGeometry(dir WorkDir) (*models.FeatureCollection, error) {
	data, err := os.ReadFile(dir.Path(SubcatchmentsFile))
	if err != nil {
		return nil, err
	}
	var fc models.FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("decode subcatchments: %w", err)
	}
	return &fc, nil
}

// extract reads the simulation window from the input model and the runoff
// rate of every simulated subcatchment from the binary output
func extract(dir WorkDir, log *logging.Logger) (map[string]models.RunoffSeries, error) {
	model, err := swmm.LoadModel(dir.Path(InputFile))
	if err != nil {
		return nil, err
	}
	opts, err := model.Options()
	if err != nil {
		return nil, err
	}

	out, err := swmm.OpenOutput(dir.Path(OutputFile))
	if err != nil {
		return nil, fmt.Errorf("open engine output: %w", err)
	}
	defer out.Close()

	steps := opts.Steps()
	if steps > out.Periods() {
		log.Debug("Clamping steps to reported periods", map[string]interface{}{
			"steps":   steps,
			"periods": out.Periods(),
		})
		steps = out.Periods()
	}

	stepMinutes := opts.ReportStepMinutes()
	series := make(map[string]models.RunoffSeries, len(out.SubcatchmentNames()))
	for name, index := range out.SubcatchmentIndex() {
		values, err := out.SubcatchSeries(index, swmm.SubcatchRunoffRate, 0, steps)
		if err != nil {
			return nil, fmt.Errorf("runoff for %s: %w", name, err)
		}
		series[name] = models.RunoffSeries{
			Timestamps: assemble.Timestamps(len(values), stepMinutes),
			Values:     values,
		}
	}
	return series, nil
}

// merge joins the extracted series onto the persisted geometry
func (r *Runner) merge(dir WorkDir, series map[string]models.RunoffSeries, log *logging.Logger) (*models.FeatureCollection, error) {
	fc, err := readGeometry(dir)
	if err != nil {
		return nil, err
	}
	merged, report, err := assemble.Merge(fc, series)
	if err != nil {
		return nil, err
	}
	for _, name := range report.Unmatched {
		log.Warn("Feature has no simulated subcatchment", map[string]interface{}{
			"feature": name,
		})
	}
	r.recorder.UnmatchedFeatures(len(report.Unmatched))
	return merged, nil
}
