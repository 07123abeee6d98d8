package enhance

import (
	"time"

	"github.com/fpang/enhance-studio/internal/store"
)

// User-facing progress messages. They do not name the channel that produced
// the event.
const (
	msgSubmitting = "Submitting enhancement..."
	msgUploading  = "Uploading photo..."
	msgQueued     = "Waiting in queue..."
	msgProcessing = "Enhancing your photo..."
	msgCompleted  = "Enhancement complete!"
	msgFailed     = "Enhancement failed"
	msgTimeout    = "Processing took too long"
	msgCancelled  = "Enhancement cancelled"
)

// StatusMessage returns the progress message for a worker status.
func StatusMessage(s store.JobStatus) string {
	switch s {
	case store.StatusQueued:
		return msgQueued
	case store.StatusProcessing:
		return msgProcessing
	case store.StatusCompleted:
		return msgCompleted
	case store.StatusFailed:
		return msgFailed
	}
	return ""
}

// estimateProgress derives a percentage from elapsed time, since the worker
// does not report one. Queued jobs creep from 5 to 15, processing jobs from
// 20 to 95. Completion is the only way to reach 100.
func estimateProgress(s store.JobStatus, elapsed, maxWait time.Duration) int {
	frac := 0.0
	if maxWait > 0 {
		frac = float64(elapsed) / float64(maxWait)
	}
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	switch s {
	case store.StatusQueued:
		return 5 + int(frac*10)
	case store.StatusProcessing:
		return 20 + int(frac*75)
	}
	return -1
}

// statusRank orders the non-terminal statuses by lifecycle position.
func statusRank(s Status) int {
	switch s {
	case StatusQueued:
		return 1
	case StatusProcessing:
		return 2
	}
	return 0
}

// terminalEvent builds the final event for a result.
func terminalEvent(r Result) ProgressEvent {
	ev := ProgressEvent{
		Status:    r.Status,
		Progress:  -1,
		OutputURL: r.OutputURL,
		Error:     r.Error,
		Channel:   r.Channel,
	}
	switch r.Status {
	case StatusCompleted:
		ev.Message = msgCompleted
		ev.Progress = 100
	case StatusFailed:
		ev.Message = msgFailed
	case StatusTimeout:
		ev.Message = msgTimeout
	case StatusCancelled:
		ev.Message = msgCancelled
	}
	return ev
}

// resultFromRecord converts a terminal worker status into a call result.
// A completion without an output locator is reported as a failure.
func resultFromRecord(status store.JobStatus, outputURL, errText string, ch Channel) Result {
	if status == store.StatusCompleted {
		if outputURL == "" {
			return Result{Status: StatusFailed, Error: "enhancement completed without an output", Channel: ch}
		}
		return Result{Success: true, Status: StatusCompleted, OutputURL: outputURL, Channel: ch}
	}
	if errText == "" {
		errText = "enhancement failed"
	}
	return Result{Status: StatusFailed, Error: errText, Channel: ch}
}
