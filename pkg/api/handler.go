// Package api exposes simulation submission and job polling over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/stormwater/pkg/dispatcher"
	"github.com/psantana5/stormwater/pkg/logging"
	"github.com/psantana5/stormwater/pkg/models"
)

// maxBodyBytes bounds a submission; inline subcatchments can be large
const maxBodyBytes = 32 << 20

// Jobs is the dispatcher surface the handler needs
type Jobs interface {
	Submit(ctx context.Context, scenario models.ScenarioDefinition, subcatchments *models.FeatureCollection) (*dispatcher.Submission, error)
	Status(ctx context.Context, id string) (*models.Job, error)
	Result(ctx context.Context, id string) (*models.SimulationResult, error)
}

// GeometrySource fetches a user's subcatchment collection
type GeometrySource interface {
	GetSubcatchments(ctx context.Context, userID string) (*models.FeatureCollection, error)
}

// HealthCheck reports whether a dependency answers
type HealthCheck func(ctx context.Context) error

// Info describes the service on GET /
type Info struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// Handler serves the HTTP API
type Handler struct {
	jobs     Jobs
	geometry GeometrySource
	logger   *logging.Logger
	info     Info

	checksMu     sync.RWMutex
	checks       map[string]HealthCheck
	checkTimeout time.Duration
}

// NewHandler creates an API handler. geometry may be nil, in which case
// submissions must carry their subcatchments inline.
func NewHandler(jobs Jobs, geometry GeometrySource, info Info, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		jobs:         jobs,
		geometry:     geometry,
		logger:       logger.WithComponent("API"),
		info:         info,
		checks:       make(map[string]HealthCheck),
		checkTimeout: 5 * time.Second,
	}
}

// AddCheck registers a dependency checked by the health endpoints
func (h *Handler) AddCheck(name string, check HealthCheck) {
	h.checksMu.Lock()
	defer h.checksMu.Unlock()
	h.checks[name] = check
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.GetInfo).Methods("GET")
	r.HandleFunc("/health_check", h.HealthCheck).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")

	r.HandleFunc("/task", h.SubmitTask).Methods("POST")
	r.HandleFunc("/tasks/{id}", h.GetTask).Methods("GET")

	r.HandleFunc("/stormwater/processes/runoff/execution", h.SubmitTask).Methods("POST")
	r.HandleFunc("/stormwater/jobs/{id}", h.GetTask).Methods("GET")
	r.HandleFunc("/stormwater/jobs/{id}/results", h.GetResults).Methods("GET")
}

// NewRouter builds a router with the API routes and the given middleware,
// applied in order after route matching
func NewRouter(h *Handler, mw ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})
	r.Use(mw...)
	h.RegisterRoutes(r)
	return r
}

// TaskRequest is a simulation submission
type TaskRequest struct {
	models.ScenarioDefinition
	CityPyOUser   string                    `json:"cityPyoUser"`
	Subcatchments *models.FeatureCollection `json:"subcatchments,omitempty"`
}

// SubmitResponse answers a submission that was queued or joined
type SubmitResponse struct {
	TaskID   string `json:"taskId"`
	JobID    string `json:"job_id"`
	CacheKey string `json:"cacheKey"`
}

// CachedResponse answers a submission served from the cache
type CachedResponse struct {
	Cached   bool                     `json:"cached"`
	CacheKey string                   `json:"cacheKey"`
	Result   *models.SimulationResult `json:"result"`
}

// TaskResponse reports the state of a job
type TaskResponse struct {
	TaskID        string                   `json:"taskId"`
	TaskState     models.JobStatus         `json:"taskState"`
	TaskSucceeded bool                     `json:"taskSucceeded"`
	ResultReady   bool                     `json:"resultReady"`
	Result        *models.SimulationResult `json:"result,omitempty"`
	Error         string                   `json:"error,omitempty"`
}

// SubmitTask handles POST /task
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		invalidInput(w, FieldError{Loc: "body", Msg: err.Error()})
		return
	}
	if err := req.ScenarioDefinition.Validate(); err != nil {
		h.writeSubmitError(w, err)
		return
	}

	subcatchments := req.Subcatchments
	if subcatchments == nil {
		if req.CityPyOUser == "" {
			invalidInput(w, FieldError{Loc: "cityPyoUser", Msg: "is required when subcatchments are not given"})
			return
		}
		if h.geometry == nil {
			invalidInput(w, FieldError{Loc: "subcatchments", Msg: "no geometry source is configured"})
			return
		}
		fc, err := h.geometry.GetSubcatchments(r.Context(), req.CityPyOUser)
		if err != nil {
			h.logger.Warn("Geometry source failed", map[string]interface{}{
				"user":  req.CityPyOUser,
				"error": err,
			})
			writeError(w, http.StatusBadGateway, "failed to fetch subcatchments", map[string]string{"error": err.Error()})
			return
		}
		subcatchments = fc
	}

	sub, err := h.jobs.Submit(r.Context(), req.ScenarioDefinition, subcatchments)
	if err != nil {
		h.writeSubmitError(w, err)
		return
	}

	if sub.Cached {
		writeJSON(w, http.StatusOK, CachedResponse{Cached: true, CacheKey: sub.Key.String(), Result: sub.Result})
		return
	}
	// Existing clients read the job id from a 200 answer
	writeJSON(w, http.StatusOK, SubmitResponse{
		TaskID:   sub.JobID,
		JobID:    sub.JobID,
		CacheKey: sub.Key.String(),
	})
}

// GetTask handles GET /tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := h.jobs.Status(r.Context(), id)
	if errors.Is(err, dispatcher.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "task not found", map[string]string{"taskId": id})
		return
	}
	if err != nil {
		h.internalError(w, "Status lookup failed", err)
		return
	}

	resp := TaskResponse{
		TaskID:        job.ID,
		TaskState:     job.Status,
		TaskSucceeded: job.Status == models.JobStatusSucceeded,
		ResultReady:   models.IsTerminalState(job.Status),
		Error:         job.Error,
	}
	if resp.TaskSucceeded {
		result, err := h.jobs.Result(r.Context(), id)
		if err != nil {
			h.writeResultError(w, id, err)
			return
		}
		resp.Result = result
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetResults handles GET /stormwater/jobs/{id}/results
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, err := h.jobs.Result(r.Context(), id)
	if err != nil {
		h.writeResultError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

func (h *Handler) writeResultError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, dispatcher.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "task not found", map[string]string{"taskId": id})
	case errors.Is(err, dispatcher.ErrResultNotReady), errors.Is(err, dispatcher.ErrJobFailed):
		writeError(w, http.StatusConflict, "result not available", map[string]string{"taskId": id, "error": err.Error()})
	default:
		h.internalError(w, "Result lookup failed", err)
	}
}

// GetInfo handles GET /
func (h *Handler) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.info)
}

// HealthCheck handles GET /health_check
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if failed := h.runChecks(r.Context()); len(failed) > 0 {
		writeError(w, http.StatusServiceUnavailable, "unhealthy", failed)
		return
	}
	writeJSON(w, http.StatusOK, "ok")
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	failed := h.runChecks(r.Context())
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"checks": failed,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"version": h.info.Version,
	})
}

// runChecks returns the error of every failing check by name
func (h *Handler) runChecks(ctx context.Context) map[string]string {
	h.checksMu.RLock()
	defer h.checksMu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.checkTimeout)
	defer cancel()

	failed := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	return failed
}
