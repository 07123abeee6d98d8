// Package enhance submits AI image-enhancement jobs and resolves them.
//
// A job is submitted once over HTTP. Unless the backend serves a cached
// result for an identical request, completion is then learned through two
// racing channels: a push subscription on the job record and a fallback poll
// of the status endpoint. The Resolver arbitrates between them so that every
// call ends in exactly one terminal outcome (completed, failed, timeout or
// cancelled) and tears down whichever channel did not win.
package enhance

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Feature selects the enhancement the worker applies.
type Feature string

const (
	FeatureQualityEnhance    Feature = "quality-enhance"
	FeatureBackgroundRemove  Feature = "background-remove"
	FeatureBackgroundReplace Feature = "background-replace"
)

// Valid reports whether f is a supported feature key.
func (f Feature) Valid() bool {
	switch f {
	case FeatureQualityEnhance, FeatureBackgroundRemove, FeatureBackgroundReplace:
		return true
	}
	return false
}

var hexColor = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// Request describes one job to submit. ImageURL may be a fetchable http(s)
// URL or a device-local path; local paths are uploaded before submission.
type Request struct {
	Feature  Feature
	ImageURL string
	Preset   string
	Prompt   string
	Color    string
	DraftID  string
	SlotID   string
}

// Validate checks the request before any network work is done.
func (r Request) Validate() error {
	if !r.Feature.Valid() {
		return fmt.Errorf("%w: unsupported feature %q", ErrInvalidRequest, r.Feature)
	}
	if r.ImageURL == "" {
		return fmt.Errorf("%w: image locator is required", ErrInvalidRequest)
	}
	if r.Color != "" && !hexColor.MatchString(r.Color) {
		return fmt.Errorf("%w: color must be #RRGGBB, got %q", ErrInvalidRequest, r.Color)
	}
	if r.Feature == FeatureBackgroundReplace && r.Preset == "" && r.Prompt == "" && r.Color == "" {
		return fmt.Errorf("%w: %s needs a preset, prompt or color", ErrInvalidRequest, r.Feature)
	}
	if (r.DraftID == "") != (r.SlotID == "") {
		return fmt.Errorf("%w: draftId and slotId must be set together", ErrInvalidRequest)
	}
	return nil
}

// JobHandle is returned by submission and addresses the job until it resolves.
type JobHandle struct {
	JobID     string
	Cached    bool
	OutputURL string // set only when Cached
	PollURL   string
}

// Status tags a ProgressEvent. The last four values are terminal.
type Status string

const (
	StatusSubmitting Status = "submitting"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s ends a call.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Channel names the path that produced an event or resolved a call.
type Channel string

const (
	ChannelSubmit   Channel = "submit"
	ChannelPush     Channel = "push"
	ChannelPoll     Channel = "poll"
	ChannelResolver Channel = "resolver"
)

// ProgressEvent is delivered to the progress callback. Progress is an
// estimate in [0, 100], or -1 when there is nothing to estimate.
type ProgressEvent struct {
	Status    Status
	Message   string
	Progress  int
	OutputURL string
	Error     string
	Channel   Channel
}

// ProgressFunc receives progress events. It is called synchronously and must
// not block or call back into the resolver.
type ProgressFunc func(ProgressEvent)

func (f ProgressFunc) emit(ev ProgressEvent) {
	if f != nil {
		f(ev)
	}
}

// Result is the single outcome of one call. Every terminal condition uses
// this shape; Err maps the non-success ones to sentinel errors.
type Result struct {
	Success   bool
	Status    Status
	OutputURL string
	Error     string
	JobID     string
	Cached    bool
	Channel   Channel
	Elapsed   time.Duration
}

// Err returns nil on success, otherwise an error wrapping ErrJobFailed,
// ErrTimeout or ErrCancelled.
func (r Result) Err() error {
	subject := "job " + r.JobID
	if r.JobID == "" {
		subject = "submission"
	}
	switch r.Status {
	case StatusCompleted:
		return nil
	case StatusTimeout:
		return fmt.Errorf("%s: %w", subject, ErrTimeout)
	case StatusCancelled:
		return fmt.Errorf("%s: %w", subject, ErrCancelled)
	default:
		if r.Error != "" {
			return fmt.Errorf("%s: %w: %s", subject, ErrJobFailed, r.Error)
		}
		return fmt.Errorf("%s: %w", subject, ErrJobFailed)
	}
}

var (
	// ErrInvalidRequest is wrapped by request validation failures.
	ErrInvalidRequest = errors.New("invalid enhancement request")

	// ErrJobFailed is returned by Result.Err when the worker failed the job.
	ErrJobFailed = errors.New("enhancement failed")

	// ErrTimeout is returned by Result.Err when neither channel resolved in time.
	ErrTimeout = errors.New("enhancement timed out")

	// ErrCancelled is returned by Result.Err when the caller cancelled.
	ErrCancelled = errors.New("enhancement cancelled")
)

// SubmitError is a submission failure: validation, upload, transport or a
// rejected response. No channels are started after one.
type SubmitError struct {
	StatusCode int // HTTP status, 0 when no response was received
	Message    string
	Err        error
}

func (e *SubmitError) Error() string {
	msg := "submit enhancement"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmitError) Unwrap() error { return e.Err }
