package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/psantana5/stormwater/pkg/cachekey"
	"github.com/psantana5/stormwater/pkg/engine"
	"github.com/psantana5/stormwater/pkg/logging"
	"github.com/psantana5/stormwater/pkg/models"
	"github.com/psantana5/stormwater/pkg/pipeline"
	"github.com/psantana5/stormwater/pkg/retry"
)

const maxErrorLength = 512

func (d *Dispatcher) worker(n int) {
	defer d.wg.Done()
	log := d.logger.WithField("worker", n)

	for item := range d.queue {
		d.recorder.SetQueueDepth(len(d.queue))
		if d.runCtx.Err() != nil || d.stopping() {
			// Shutting down: leave the job PENDING for recovery
			d.release(item.key, item.id)
			continue
		}
		d.execute(d.runCtx, item, log.WithFields(map[string]interface{}{
			"job_id":    item.id,
			"cache_key": item.key.String(),
		}))
	}
}

// execute runs one job to a terminal state. The key is released only
// after the terminal transition.
func (d *Dispatcher) execute(ctx context.Context, item queuedJob, log *logging.Logger) {
	defer d.release(item.key, item.id)

	job, err := d.store.TransitionJob(item.id, models.JobStatusRunning, "picked up by worker", nil)
	if err != nil {
		log.Error("Failed to start job", map[string]interface{}{"error": err})
		return
	}
	log.Info("Job started")

	// A job for the same key may have finished between the submission's
	// cache miss and now
	if result, found := d.lookup(ctx, item.key, log); found {
		d.succeed(job, result, "result already cached", log)
		return
	}

	runCtx := ctx
	if d.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.config.JobTimeout)
		defer cancel()
	}

	result, err := d.runner.Run(runCtx, pipeline.Task{
		JobID:         item.id,
		Key:           item.key,
		Scenario:      job.Scenario,
		Subcatchments: job.Subcatchments,
	})
	if err != nil {
		d.fail(job, err, log)
		return
	}

	if err := d.cache.Put(ctx, item.key, result, d.config.CacheTTL); err != nil {
		d.recorder.CacheWrite(err)
		d.fail(job, fmt.Errorf("store result in cache: %w", err), log)
		return
	}
	d.recorder.CacheWrite(nil)

	d.succeed(job, result, "result cached", log)
}

// transition saves a state change, retrying transient store errors.
// Terminal writes use their own context so a cancelled run is still
// recorded.
func (d *Dispatcher) transition(id string, to models.JobStatus, reason string, mutate func(*models.Job)) (*models.Job, error) {
	var job *models.Job
	err := retry.Do(context.Background(), d.transitionRetry, func() error {
		var err error
		job, err = d.store.TransitionJob(id, to, reason, mutate)
		return err
	})
	if err != nil {
		d.recorder.TransitionFailed(string(to))
		return nil, err
	}
	return job, nil
}

func (d *Dispatcher) succeed(job *models.Job, result *models.SimulationResult, reason string, log *logging.Logger) {
	done, err := d.transition(job.ID, models.JobStatusSucceeded, reason, func(j *models.Job) {
		j.Result = result
	})
	if err != nil {
		// The result is cached, so the next identical submission is a hit
		log.Error("Failed to mark job succeeded", map[string]interface{}{"error": err})
		return
	}
	d.finished(done)
	log.Info("Job succeeded", map[string]interface{}{"reason": reason})
}

func (d *Dispatcher) fail(job *models.Job, cause error, log *logging.Logger) {
	msg := describe(cause)
	log.Error("Job failed", map[string]interface{}{"error": cause})
	d.failJob(job.ID, job.Status, msg)
}

// failJob moves a job to FAILED from status with msg as its error
func (d *Dispatcher) failJob(id string, from models.JobStatus, msg string) {
	done, err := d.transition(id, models.JobStatusFailed, msg, func(j *models.Job) {
		j.Error = msg
	})
	if err != nil {
		d.logger.Error("Failed to mark job failed", map[string]interface{}{
			"job_id": id,
			"from":   string(from),
			"error":  err,
		})
		return
	}
	d.finished(done)
}

func (d *Dispatcher) finished(job *models.Job) {
	if job.StartedAt == nil || job.CompletedAt == nil {
		d.recorder.JobFinished(string(job.Status), 0)
		return
	}
	d.recorder.JobFinished(string(job.Status), job.CompletedAt.Sub(*job.StartedAt))
}

// describe turns a pipeline error into the short description stored on a
// failed job. Engine stderr stays in the logs.
func describe(err error) string {
	var exitErr *engine.ExitError
	var stageErr *pipeline.StageError

	msg := err.Error()
	switch {
	case errors.As(err, &exitErr) && errors.As(err, &stageErr):
		msg = fmt.Sprintf("%s stage failed: engine exited with code %d", stageErr.Stage, exitErr.Code)
	case errors.Is(err, context.DeadlineExceeded):
		msg = "simulation timed out"
	case errors.Is(err, context.Canceled):
		msg = "simulation cancelled"
	}
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength] + "..."
	}
	return msg
}

// recover re-queues PENDING jobs and fails RUNNING ones left behind by a
// previous process
func (d *Dispatcher) recover() error {
	running, err := d.store.GetJobs(models.JobStatusRunning)
	if err != nil {
		return err
	}
	for _, job := range running {
		d.failJob(job.ID, job.Status, "interrupted by restart")
	}

	pending, err := d.store.GetJobs(models.JobStatusPending)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	requeued := 0
	for _, job := range pending {
		key, err := cachekey.Parse(job.Key)
		if err != nil {
			d.failJob(job.ID, job.Status, "invalid cache key")
			continue
		}
		if owner, ok := d.inflight[key]; ok {
			d.failJob(job.ID, job.Status, "superseded by job "+owner.id)
			continue
		}
		f := newFlight(job.ID)
		close(f.ready)
		if err := d.enqueueLocked(f, key); err != nil {
			d.failJob(job.ID, job.Status, err.Error())
			continue
		}
		requeued++
	}

	if len(running) > 0 || requeued > 0 {
		d.logger.Info("Recovered jobs from previous run", map[string]interface{}{
			"requeued":    requeued,
			"interrupted": len(running),
		})
	}
	return nil
}
