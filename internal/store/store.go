// Package store provides persistent storage for enhancement job records and
// the draft slots that reference their outputs.
//
// The package uses a single-table DynamoDB design. Job records live under
// JOB#{jobId}, request fingerprints under FP#{sha256}, and draft slot results
// under DRAFT#{draftId} with one SLOT#{slotId} sort key per slot. A TTL
// attribute (expiresAt) auto-deletes job and fingerprint records; draft slots
// are kept for the lifetime of the draft.
//
// The resolver only ever reads job records. Writes come from the submission
// endpoint (queued) and the worker webhook (processing and terminal states).
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// JobTTL is the time-to-live for job and fingerprint records. Cached results
// for duplicate submissions are served for this long.
const JobTTL = 7 * 24 * time.Hour

// JobStatus is the worker-side lifecycle state of an enhancement job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the four worker statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s ends the job's lifecycle.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobStore defines the persistence interface for enhancement jobs.
// Each method is safe for concurrent use.
//
// All Get methods return (nil, nil) when the requested record does not exist.
type JobStore interface {
	// PutJob creates or replaces a job record. The fingerprint pointer is
	// written separately by ClaimFingerprint.
	PutJob(ctx context.Context, job *JobRecord) error

	// GetJob retrieves a job record by ID. Returns nil, nil if not found.
	GetJob(ctx context.Context, jobID string) (*JobRecord, error)

	// UpdateJobStatus applies a status transition to an existing job. Terminal
	// records are never overwritten: the first terminal write wins. A queued
	// update never replaces processing. Returns false (and no error) when the
	// update was rejected for either reason or the job does not exist.
	UpdateJobStatus(ctx context.Context, jobID string, update JobUpdate) (bool, error)

	// ClaimFingerprint points fingerprint at jobID unless another submission
	// got there first. The claim succeeds when no live pointer exists or the
	// pointer still refers to prevJobID (the job the caller saw and is
	// replacing). It returns the job ID the pointer refers to afterwards:
	// jobID when claimed, otherwise the concurrent winner.
	ClaimFingerprint(ctx context.Context, fingerprint, jobID, prevJobID string) (string, error)

	// GetJobByFingerprint returns the most recent job submitted with the given
	// request fingerprint. Returns nil, nil if none.
	GetJobByFingerprint(ctx context.Context, fingerprint string) (*JobRecord, error)

	// PutSlotResult records the enhanced output for one draft slot.
	PutSlotResult(ctx context.Context, slot *SlotResult) error

	// GetSlotResult retrieves a draft slot result. Returns nil, nil if not found.
	GetSlotResult(ctx context.Context, draftID, slotID string) (*SlotResult, error)
}

// JobRecord is one enhancement job (DynamoDB PK = JOB#{jobId}, SK = META).
// The ID field is derived from PK on read and excluded from attributes on write.
type JobRecord struct {
	ID          string    `json:"id" dynamodbav:"-"`
	Status      JobStatus `json:"status" dynamodbav:"status"`
	Feature     string    `json:"feature,omitempty" dynamodbav:"feature,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty" dynamodbav:"imageUrl,omitempty"`
	OutputURL   string    `json:"outputUrl,omitempty" dynamodbav:"outputUrl,omitempty"`
	Error       string    `json:"error,omitempty" dynamodbav:"error,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty" dynamodbav:"fingerprint,omitempty"`
	CreatedAt   int64     `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt   int64     `json:"updatedAt" dynamodbav:"updatedAt"`
}

// JobUpdate is a status transition written by the worker webhook.
type JobUpdate struct {
	Status    JobStatus
	OutputURL string
	Error     string
}

// SlotResult is the enhanced output attached to a draft slot
// (DynamoDB PK = DRAFT#{draftId}, SK = SLOT#{slotId}).
type SlotResult struct {
	DraftID   string `json:"draftId" dynamodbav:"-"`
	SlotID    string `json:"slotId" dynamodbav:"-"`
	JobID     string `json:"jobId" dynamodbav:"jobId"`
	Feature   string `json:"feature" dynamodbav:"feature"`
	OutputURL string `json:"outputUrl" dynamodbav:"outputUrl"`
	UpdatedAt int64  `json:"updatedAt" dynamodbav:"updatedAt"`
}

// Fingerprint derives the duplicate-detection key for a submission. Two
// requests with the same feature, source image and parameters map to the same
// fingerprint, so a completed result can be served instead of re-processing.
// The draft/slot association is deliberately not part of the key.
func Fingerprint(feature, imageURL, preset, prompt, color string) string {
	h := sha256.New()
	for _, part := range []string{feature, imageURL, preset, strings.TrimSpace(prompt), strings.ToLower(color)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
