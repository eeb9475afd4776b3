package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"flaccy/core/events"
	"flaccy/core/models"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Submitter creates and enqueues jobs
type Submitter interface {
	Submit(ctx context.Context, input models.JobInput) (*models.Job, error)
}

// JobReader is the part of the job store the API reads and deletes through
type JobReader interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)
	DeleteJob(ctx context.Context, id string) error
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	submitter Submitter
	jobs      JobReader
	events    events.Log
	logger    *zap.Logger
}

// NewJobHandler creates a new job handler
func NewJobHandler(submitter Submitter, jobs JobReader, eventLog events.Log, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		submitter: submitter,
		jobs:      jobs,
		events:    eventLog,
		logger:    logger,
	}
}

// SubmitJob handles POST /jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var input models.JobInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.submitter.Submit(r.Context(), input)
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("Failed to submit job", zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":     job.ID,
		"status": job.Status,
	})
}

// GetJob handles GET /jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), "job not found")
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

// ListJobs handles GET /jobs
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := models.JobFilter{Limit: 50}

	if s := r.URL.Query().Get("status"); s != "" {
		status := models.JobStatus(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = &status
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		limit, err := strconv.Atoi(l)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	out := make([]map[string]interface{}, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobResponse(job))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  out,
		"count": len(out),
	})
}

// DeleteJob handles DELETE /jobs/{id}. Stored artifacts are left to the sweeper.
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	// Queued and running jobs still belong to a worker
	job, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		if status := statusFor(err); status == http.StatusNotFound {
			writeError(w, status, "job not found")
			return
		}
		h.logger.Error("Failed to load job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	if !job.Status.IsTerminal() {
		writeError(w, http.StatusConflict, "job is still "+string(job.Status))
		return
	}

	if err := h.jobs.DeleteJob(r.Context(), jobID); err != nil {
		if status := statusFor(err); status == http.StatusNotFound {
			writeError(w, status, "job not found")
			return
		}
		h.logger.Error("Failed to delete job", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete job")
		return
	}
	if err := h.events.Clear(r.Context(), jobID); err != nil {
		h.logger.Warn("Failed to clear job events", zap.String("job_id", jobID), zap.Error(err))
	}

	w.WriteHeader(http.StatusNoContent)
}
