package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"flaccy/core/apperrors"
	"flaccy/core/models"
	"flaccy/core/scheduler"
	"flaccy/storage"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes the JSON error envelope
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps an error onto an HTTP status code
func statusFor(err error) int {
	switch {
	case apperrors.Is(err, apperrors.CategoryInput):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidKey):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, scheduler.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func jobResponse(job *models.Job) map[string]interface{} {
	resp := map[string]interface{}{
		"id":         job.ID,
		"status":     job.Status,
		"progress":   job.Progress,
		"step":       job.Step,
		"error":      job.Error,
		"result":     job.Result,
		"input":      job.Input,
		"created_at": job.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		resp["started_at"] = job.StartedAt.UTC().Format(time.RFC3339)
	}
	if job.FinishedAt != nil {
		resp["finished_at"] = job.FinishedAt.UTC().Format(time.RFC3339)
	}
	return resp
}
