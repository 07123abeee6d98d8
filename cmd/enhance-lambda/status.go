package main

import (
	"net/http"

	"github.com/fpang/enhance-studio/internal/enhance"
	"github.com/fpang/enhance-studio/internal/jobs"
)

func handleEnhanceRoutes(w http.ResponseWriter, r *http.Request) {
	jobID, action, ok := jobs.ParseRoute(r.URL.Path, "/api/enhance/", jobs.IDPrefix)
	if !ok {
		httpError(w, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "status":
		handleStatus(w, r, jobID)
	default:
		httpError(w, http.StatusNotFound, "not found")
	}
}

// GET /api/enhance/{id}/status
func handleStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	job, err := jobStore.GetJob(r.Context(), jobID)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to read job status", err.Error())
		return
	}
	if job == nil {
		httpError(w, http.StatusNotFound, "not found")
		return
	}

	respondJSON(w, http.StatusOK, enhance.StatusResponse{
		Status:    job.Status,
		Message:   enhance.StatusMessage(job.Status),
		OutputURL: job.OutputURL,
		Error:     job.Error,
	})
}
