package main

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/fpang/enhance-studio/internal/enhance"
	"github.com/fpang/enhance-studio/internal/jobs"
	"github.com/fpang/enhance-studio/internal/jobutil"
	"github.com/fpang/enhance-studio/internal/metrics"
	"github.com/fpang/enhance-studio/internal/store"
)

// POST /api/enhance/submit
// Body: enhance.SubmitPayload
//
// An identical request whose job already completed is answered from cache;
// one still in flight returns the existing job. Anything else (including a
// previously failed identical request) creates and dispatches a new job.
// Concurrent identical submissions race on the fingerprint claim; the losers
// answer with the winner's job and never dispatch.
func handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload enhance.SubmitPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&payload); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req := enhance.Request{
		Feature:  payload.Feature,
		ImageURL: payload.ImageURL,
		Preset:   payload.Preset,
		Prompt:   payload.Prompt,
		Color:    payload.Color,
		DraftID:  payload.DraftID,
		SlotID:   payload.SlotID,
	}
	if err := req.Validate(); err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if u, err := url.Parse(req.ImageURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		httpError(w, http.StatusBadRequest, "imageUrl must be an http(s) URL")
		return
	}

	ctx := r.Context()
	fp := store.Fingerprint(string(req.Feature), req.ImageURL, req.Preset, req.Prompt, req.Color)

	existing, err := jobStore.GetJobByFingerprint(ctx, fp)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to look up job", err.Error())
		return
	}
	if existing != nil {
		switch {
		case existing.Status == store.StatusCompleted && existing.OutputURL != "":
			log.Info().Str("jobId", existing.ID).Str("feature", existing.Feature).Msg("Enhancement served from cache")
			recordSubmit(req.Feature, "cached", metrics.CacheHits)
			respondJSON(w, http.StatusOK, enhance.SubmitResponse{
				Success:      true,
				Cached:       true,
				OutputURL:    existing.OutputURL,
				GenerationID: existing.ID,
			})
			return
		case !existing.Status.Terminal():
			log.Info().Str("jobId", existing.ID).Str("status", string(existing.Status)).Msg("Identical enhancement already in flight")
			recordSubmit(req.Feature, "inflight", "")
			respondJSON(w, http.StatusOK, jobAccepted(existing.ID))
			return
		}
	}

	job := &store.JobRecord{
		ID:          jobs.GenerateID(jobs.IDPrefix),
		Status:      store.StatusQueued,
		Feature:     string(req.Feature),
		ImageURL:    req.ImageURL,
		Fingerprint: fp,
	}
	if err := jobStore.PutJob(ctx, job); err != nil {
		httpError(w, http.StatusInternalServerError, "failed to create job", err.Error())
		return
	}

	prevID := ""
	if existing != nil {
		prevID = existing.ID
	}
	winner, err := jobStore.ClaimFingerprint(ctx, fp, job.ID, prevID)
	if err != nil {
		if ferr := jobutil.FailJob(ctx, jobStore, job.ID, "failed to register job"); ferr != nil {
			log.Error().Err(ferr).Str("jobId", job.ID).Msg("Failed to record claim failure")
		}
		httpError(w, http.StatusInternalServerError, "failed to create job", err.Error())
		return
	}
	if winner != job.ID {
		if _, err := jobStore.UpdateJobStatus(ctx, job.ID, store.JobUpdate{Status: store.StatusFailed, Error: "superseded by " + winner}); err != nil {
			log.Warn().Err(err).Str("jobId", job.ID).Msg("Failed to retire superseded job")
		}
		log.Info().Str("jobId", winner).Str("superseded", job.ID).Msg("Identical enhancement submitted concurrently")
		recordSubmit(req.Feature, "inflight", "")
		respondJSON(w, http.StatusOK, jobAccepted(winner))
		return
	}

	if dispatcher != nil {
		err := dispatcher.Dispatch(ctx, WorkerEvent{
			JobID:    job.ID,
			Feature:  job.Feature,
			ImageURL: job.ImageURL,
			Preset:   req.Preset,
			Prompt:   req.Prompt,
			Color:    req.Color,
		})
		if err != nil {
			if ferr := jobutil.FailJob(ctx, jobStore, job.ID, "failed to start processing"); ferr != nil {
				log.Error().Err(ferr).Str("jobId", job.ID).Msg("Failed to record dispatch failure")
			}
			recordSubmit(req.Feature, "dispatch_error", metrics.DispatchErrors)
			httpError(w, http.StatusInternalServerError, "failed to start processing", err.Error())
			return
		}
	}

	log.Info().
		Str("jobId", job.ID).
		Str("feature", job.Feature).
		Str("draftId", req.DraftID).
		Msg("Enhancement job created")
	recordSubmit(req.Feature, "created", "")
	respondJSON(w, http.StatusAccepted, jobAccepted(job.ID))
}

func jobAccepted(id string) enhance.SubmitResponse {
	return enhance.SubmitResponse{
		Success:      true,
		GenerationID: id,
		JobID:        id,
		PollURL:      "/api/enhance/" + id + "/status",
	}
}

func recordSubmit(feature enhance.Feature, outcome, extra string) {
	rec := metrics.New(metrics.Namespace).
		To(metricsOut).
		Dimension("Feature", string(feature)).
		Dimension("Outcome", outcome).
		Count(metrics.Submissions)
	if extra != "" {
		rec.Count(extra)
	}
	rec.Flush()
}
