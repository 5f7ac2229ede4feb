// Package api provides HTTP handlers and routing for the conveyor
// service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/engine"
	"github.com/conveyorhq/conveyor/internal/monitor"
	"github.com/conveyorhq/conveyor/internal/provider"
	"github.com/conveyorhq/conveyor/internal/queue"
	"github.com/conveyorhq/conveyor/internal/runstore"
	"github.com/conveyorhq/conveyor/internal/validator"
	"github.com/conveyorhq/conveyor/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	store     runstore.Store
	engine    *engine.Engine
	queue     queue.Queue
	monitor   *monitor.Monitor
	registry  *provider.Registry
	validator *validator.Validator
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store runstore.Store, eng *engine.Engine, q queue.Queue, mon *monitor.Monitor, reg *provider.Registry, v *validator.Validator, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:     store,
		engine:    eng,
		queue:     q,
		monitor:   mon,
		registry:  reg,
		validator: v,
		config:    cfg,
		logger:    logger,
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.store.AdapterInfo(ctx)
	if err != nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail,
			"run store unhealthy", map[string]interface{}{"error": err.Error()})
		return
	}
	if _, err := h.queue.Counts(ctx); err != nil {
		writeErrorResponse(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavail,
			"queue unhealthy", map[string]interface{}{"error": err.Error()})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ready",
		"runstore": info,
	})
}

// --- Run Management ---

// CreateRunRequest is the request body for creating a run.
type CreateRunRequest struct {
	Pipeline  *types.PipelineDefinition `json:"pipeline"`
	Variables map[string]interface{}    `json:"variables,omitempty"`

	// Sync runs the pipeline inline and returns the finished run.
	// The default is asynchronous execution through the job queue.
	Sync bool `json:"sync,omitempty"`
}

// CreateRunResponse is the response body for asynchronous runs.
type CreateRunResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	SSEURL string `json:"sse_url,omitempty"`
}

// CreateRun handles POST /api/v1/runs
func (h *Handlers) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", nil)
		return
	}
	if req.Pipeline == nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "pipeline is required", nil)
		return
	}
	if err := h.engine.Validate(req.Pipeline); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest,
			"pipeline rejected", map[string]interface{}{"error": err.Error()})
		return
	}

	if req.Sync {
		run, err := h.engine.Execute(ctx, req.Pipeline, req.Variables, nil)
		if err != nil {
			writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
				"run failed to start", map[string]interface{}{"error": err.Error()})
			return
		}
		h.respondJSON(w, http.StatusCreated, run)
		return
	}

	job := &types.QueueJob{
		ID:        types.JobID(types.JobKindWorkflow, req.Pipeline.ID, ""),
		Kind:      types.JobKindWorkflow,
		Pipeline:  req.Pipeline,
		Variables: req.Variables,
	}
	enqueued, err := h.queue.Enqueue(ctx, job)
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to enqueue run", map[string]interface{}{"error": err.Error()})
		return
	}
	h.respondJSON(w, http.StatusAccepted, CreateRunResponse{
		JobID:  enqueued.ID,
		Status: string(enqueued.Status),
	})
}

// ListRuns handles GET /api/v1/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListRuns(r.Context())
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to list runs", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"runs": ids, "count": len(ids)})
}

// GetRun handles GET /api/v1/runs/{id}
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	run, err := h.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "run not found", nil)
			return
		}
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to get run", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, run)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	if err := h.engine.Cancel(r.Context(), runID); err != nil {
		if errors.Is(err, runstore.ErrRunNotFound) {
			writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "run not found", nil)
			return
		}
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to cancel run", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "run_id": runID})
}

// --- Pipeline Validation ---

// ValidatePipeline handles POST /api/v1/pipelines/validate
func (h *Handlers) ValidatePipeline(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", nil)
		return
	}

	result := h.validator.ValidatePipelineJSON(raw)
	if !result.Valid {
		h.respondJSON(w, http.StatusOK, result)
		return
	}

	// Schema passed; check semantics against registered providers.
	var def types.PipelineDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid pipeline document", nil)
		return
	}
	if err := h.engine.Validate(&def); err != nil {
		h.respondJSON(w, http.StatusOK, &validator.ValidationResult{
			Valid:  false,
			Errors: []validator.ValidationError{{Path: "$", Message: err.Error()}},
		})
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

// --- Job Management ---

// EnqueueJobRequest is the request body for submitting a queue job.
type EnqueueJobRequest struct {
	Kind      types.JobKind             `json:"kind"`
	Pipeline  *types.PipelineDefinition `json:"pipeline,omitempty"`
	Variables map[string]interface{}    `json:"variables,omitempty"`
	Step      *types.StepDefinition     `json:"step,omitempty"`
	Inputs    map[string]interface{}    `json:"inputs,omitempty"`

	// PipelineID scopes step job IDs; required for step jobs.
	PipelineID string `json:"pipeline_id,omitempty"`
}

// EnqueueJob handles POST /api/v1/jobs
func (h *Handlers) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body", nil)
		return
	}

	job := &types.QueueJob{
		Kind:      req.Kind,
		Pipeline:  req.Pipeline,
		Variables: req.Variables,
		Step:      req.Step,
		Inputs:    req.Inputs,
	}
	switch req.Kind {
	case types.JobKindWorkflow:
		if req.Pipeline == nil {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest,
				"workflow jobs require a pipeline", nil)
			return
		}
		if err := h.engine.Validate(req.Pipeline); err != nil {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest,
				"pipeline rejected", map[string]interface{}{"error": err.Error()})
			return
		}
		job.ID = types.JobID(req.Kind, req.Pipeline.ID, "")
	case types.JobKindStep:
		if req.Step == nil || req.PipelineID == "" {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest,
				"step jobs require a step and a pipeline_id", nil)
			return
		}
		job.ID = types.JobID(req.Kind, req.PipelineID, req.Step.ID)
	default:
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest,
			"kind must be workflow or step", nil)
		return
	}

	enqueued, err := h.queue.Enqueue(r.Context(), job)
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to enqueue job", map[string]interface{}{"error": err.Error()})
		return
	}
	h.respondJSON(w, http.StatusAccepted, enqueued)
}

// ListJobs handles GET /api/v1/jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.List(r.Context())
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to list jobs", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "count": len(jobs)})
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "job not found", nil)
			return
		}
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to get job", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, job)
}

// CancelJob handles DELETE /api/v1/jobs/{id}
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := h.queue.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "job not found", nil)
	case errors.Is(err, queue.ErrJobTerminal):
		writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict,
			"job is not waiting; cancel its run instead", nil)
	case err != nil:
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to cancel job", nil)
	default:
		h.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "job_id": id})
	}
}

// --- Queue Control ---

// QueueStatus handles GET /api/v1/queue
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to read queue", nil)
		return
	}
	paused, _ := h.queue.Paused(r.Context())
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"counts": counts,
		"paused": paused,
	})
}

// PauseQueue handles POST /api/v1/queue/pause
func (h *Handlers) PauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Pause(r.Context()); err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to pause queue", nil)
		return
	}
	h.logger.Info("queue paused")
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeQueue handles POST /api/v1/queue/resume
func (h *Handlers) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Resume(r.Context()); err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to resume queue", nil)
		return
	}
	h.logger.Info("queue resumed")
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// --- Dead Letters ---

// ListDeadLetters handles GET /api/v1/deadletter
func (h *Handlers) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := h.monitor.DeadLetters(r.Context())
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to list dead letters", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

// RetryDeadLetter handles POST /api/v1/deadletter/{id}/retry
func (h *Handlers) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.monitor.RetryDeadLetter(r.Context(), id)
	if err != nil {
		if errors.Is(err, monitor.ErrEntryNotFound) {
			writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "dead-letter entry not found", nil)
			return
		}
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to retry dead letter", map[string]interface{}{"error": err.Error()})
		return
	}
	h.respondJSON(w, http.StatusAccepted, job)
}

// PurgeDeadLetters handles DELETE /api/v1/deadletter
func (h *Handlers) PurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := h.monitor.PurgeDeadLetters(r.Context())
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError,
			"failed to purge dead letters", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]int{"purged": n})
}

// --- Monitoring ---

// MonitorHealth handles GET /api/v1/monitor/health
func (h *Handlers) MonitorHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.monitor.Health(r.Context()))
}

// ListAlerts handles GET /api/v1/alerts
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := h.monitor.Alerts()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

// ResolveAlert handles POST /api/v1/alerts/{id}/resolve
func (h *Handlers) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.monitor.ResolveAlert(id) {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "alert not found", nil)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "resolved", "alert_id": id})
}

// EngineStats handles GET /api/v1/engine/stats
func (h *Handlers) EngineStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.engine.Stats())
}

// ListProviders handles GET /api/v1/providers
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	names := h.registry.List()
	enabled := h.registry.ListEnabled()
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": names,
		"enabled":   enabled,
	})
}
