// Package webhook provides the HTTP handler the enhancement worker calls
// when a job changes state.
//
// The worker sends a JSON body signed with X-Hub-Signature-256
// ("sha256=<hex HMAC-SHA256 of the body>"). An accepted update is written to
// the job store and the resulting record is published to push subscribers.
// Terminal records are never overwritten: the first completed or failed
// write wins and later ones are acknowledged with applied=false.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/fpang/enhance-studio/internal/store"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// JobWriter applies status transitions. store.DynamoStore implements it.
type JobWriter interface {
	UpdateJobStatus(ctx context.Context, id string, upd store.JobUpdate) (bool, error)
	GetJob(ctx context.Context, id string) (*store.JobRecord, error)
}

// Notifier publishes a record snapshot to push subscribers.
type Notifier interface {
	Publish(ctx context.Context, rec *store.JobRecord) (int64, error)
}

// Update is the worker callback body.
type Update struct {
	JobID     string          `json:"jobId"`
	Status    store.JobStatus `json:"status"`
	OutputURL string          `json:"outputUrl,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Handler handles worker status callbacks.
type Handler struct {
	secret   string
	jobs     JobWriter
	notifier Notifier
}

// NewHandler creates a webhook handler. secret is the shared HMAC key the
// worker signs with. notifier may be nil, in which case subscribers only
// learn about updates by polling.
func NewHandler(secret string, jobs JobWriter, notifier Notifier) *Handler {
	return &Handler{secret: secret, jobs: jobs, notifier: notifier}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		log.Error().Err(err).Msg("Webhook: failed to read body")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodySize {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		log.Warn().Msg("Webhook: missing X-Hub-Signature-256 header")
		http.Error(w, "missing signature", http.StatusForbidden)
		return
	}
	if !h.verifySignature(body, signature) {
		log.Warn().Msg("Webhook: invalid signature")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	var upd Update
	if err := json.Unmarshal(body, &upd); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if msg := upd.validate(); msg != "" {
		log.Warn().Str("jobId", upd.JobID).Str("status", string(upd.Status)).Msg("Webhook: rejected update: " + msg)
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	applied, err := h.jobs.UpdateJobStatus(ctx, upd.JobID, store.JobUpdate{
		Status:    upd.Status,
		OutputURL: upd.OutputURL,
		Error:     upd.Error,
	})
	if err != nil {
		log.Error().Err(err).Str("jobId", upd.JobID).Msg("Webhook: failed to update job")
		http.Error(w, "failed to update job", http.StatusInternalServerError)
		return
	}

	if !applied {
		rec, err := h.jobs.GetJob(ctx, upd.JobID)
		if err != nil {
			log.Error().Err(err).Str("jobId", upd.JobID).Msg("Webhook: failed to read job")
			http.Error(w, "failed to read job", http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		log.Info().
			Str("jobId", upd.JobID).
			Str("status", string(upd.Status)).
			Str("current", string(rec.Status)).
			Msg("Webhook: update ignored, job already terminal")
		writeJSON(w, map[string]interface{}{"applied": false, "status": rec.Status})
		return
	}

	log.Info().
		Str("jobId", upd.JobID).
		Str("status", string(upd.Status)).
		Msg("Webhook: job updated")
	h.notify(ctx, upd)

	writeJSON(w, map[string]interface{}{"applied": true, "status": upd.Status})
}

// notify publishes the stored record, falling back to the update itself if
// the record cannot be re-read. Failures are logged only: pollers still see
// the stored state.
func (h *Handler) notify(ctx context.Context, upd Update) {
	if h.notifier == nil {
		return
	}
	rec, err := h.jobs.GetJob(ctx, upd.JobID)
	if err != nil || rec == nil {
		rec = &store.JobRecord{
			ID:        upd.JobID,
			Status:    upd.Status,
			OutputURL: upd.OutputURL,
			Error:     upd.Error,
		}
	}
	n, err := h.notifier.Publish(ctx, rec)
	if err != nil {
		log.Warn().Err(err).Str("jobId", upd.JobID).Msg("Webhook: publish failed")
		return
	}
	log.Debug().Str("jobId", upd.JobID).Int64("receivers", n).Msg("Webhook: snapshot published")
}

func (u Update) validate() string {
	switch {
	case strings.TrimSpace(u.JobID) == "":
		return "jobId is required"
	case !u.Status.Valid():
		return "invalid status"
	case u.Status == store.StatusCompleted && u.OutputURL == "":
		return "completed update requires outputUrl"
	}
	return ""
}

// verifySignature checks a "sha256=<hex>" header against the HMAC-SHA256 of
// body. hmac.Equal keeps the comparison constant-time.
func (h *Handler) verifySignature(body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) || len(header) == len(prefix) {
		return false
	}
	received, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	return hmac.Equal(received, Sign(h.secret, body))
}

// Sign returns the raw HMAC-SHA256 of body under secret. Workers put
// "sha256=" + hex(Sign(...)) in X-Hub-Signature-256.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Webhook: failed to encode response")
	}
}
