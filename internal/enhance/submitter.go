package enhance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// SubmitAPI posts a job to the submission endpoint.
type SubmitAPI interface {
	SubmitJob(ctx context.Context, payload SubmitPayload) (*SubmitResponse, error)
}

// Uploader turns a device-local image into a URL the remote worker can fetch.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Submitter builds and sends the initial enhancement request.
type Submitter struct {
	api      SubmitAPI
	uploader Uploader
}

// NewSubmitter creates a Submitter. uploader may be nil, in which case only
// http(s) image URLs are accepted.
func NewSubmitter(api SubmitAPI, uploader Uploader) *Submitter {
	return &Submitter{api: api, uploader: uploader}
}

// Submit sends req and interprets the immediate response. A cached response
// emits a completed event and returns a handle with Cached set; a fresh job
// emits queued. Any failure is returned as *SubmitError after a failed event,
// except when ctx ended first: then a cancelled event is emitted and the error
// wraps ErrCancelled.
func (s *Submitter) Submit(ctx context.Context, req Request, onProgress ProgressFunc) (*JobHandle, error) {
	handle, err := s.submit(ctx, req, onProgress)
	if err != nil && ctx.Err() != nil {
		log.Info().Err(err).Str("feature", string(req.Feature)).Msg("Enhancement submission cancelled")
		onProgress.emit(terminalEvent(Result{Status: StatusCancelled, Channel: ChannelSubmit}))
		return nil, fmt.Errorf("submit enhancement: %w", ErrCancelled)
	}
	if err != nil {
		onProgress.emit(ProgressEvent{
			Status:   StatusFailed,
			Message:  msgFailed,
			Progress: -1,
			Error:    err.Error(),
			Channel:  ChannelSubmit,
		})
		return nil, err
	}
	return handle, nil
}

func (s *Submitter) submit(ctx context.Context, req Request, onProgress ProgressFunc) (*JobHandle, error) {
	if err := req.Validate(); err != nil {
		return nil, &SubmitError{Err: err}
	}

	onProgress.emit(ProgressEvent{Status: StatusSubmitting, Message: msgSubmitting, Progress: 0, Channel: ChannelSubmit})

	imageURL, err := s.fetchableURL(ctx, req.ImageURL, onProgress)
	if err != nil {
		return nil, &SubmitError{Message: "image is not fetchable", Err: err}
	}

	resp, err := s.api.SubmitJob(ctx, SubmitPayload{
		Feature:  req.Feature,
		ImageURL: imageURL,
		Preset:   req.Preset,
		Prompt:   req.Prompt,
		Color:    req.Color,
		DraftID:  req.DraftID,
		SlotID:   req.SlotID,
	})
	if err != nil {
		var se *SubmitError
		if errors.As(err, &se) {
			return nil, se
		}
		return nil, &SubmitError{Err: err}
	}

	if resp.Cached {
		if resp.OutputURL == "" {
			return nil, &SubmitError{Message: "cached result without output"}
		}
		log.Info().
			Str("jobId", resp.ID()).
			Str("feature", string(req.Feature)).
			Msg("Enhancement served from cache")
		onProgress.emit(ProgressEvent{
			Status:    StatusCompleted,
			Message:   msgCompleted,
			Progress:  100,
			OutputURL: resp.OutputURL,
			Channel:   ChannelSubmit,
		})
		return &JobHandle{JobID: resp.ID(), Cached: true, OutputURL: resp.OutputURL}, nil
	}

	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "submission rejected"
		}
		return nil, &SubmitError{Message: msg}
	}
	if resp.ID() == "" {
		return nil, &SubmitError{Message: "response carried no job identifier"}
	}

	log.Info().
		Str("jobId", resp.ID()).
		Str("feature", string(req.Feature)).
		Msg("Enhancement job submitted")
	onProgress.emit(ProgressEvent{Status: StatusQueued, Message: msgQueued, Progress: 5, Channel: ChannelSubmit})

	return &JobHandle{JobID: resp.ID(), PollURL: resp.PollURL}, nil
}

// fetchableURL returns locator unchanged when it is an http(s) URL, and
// uploads it when it is a device-local path.
func (s *Submitter) fetchableURL(ctx context.Context, locator string, onProgress ProgressFunc) (string, error) {
	localPath, remote, err := classifyLocator(locator)
	if err != nil {
		return "", err
	}
	if remote {
		return locator, nil
	}
	if s.uploader == nil {
		return "", fmt.Errorf("local image %s given but no uploader is configured", localPath)
	}

	onProgress.emit(ProgressEvent{Status: StatusSubmitting, Message: msgUploading, Progress: 0, Channel: ChannelSubmit})
	uploaded, err := s.uploader.Upload(ctx, localPath)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", localPath, err)
	}
	log.Debug().Str("localPath", localPath).Msg("Local image uploaded for enhancement")
	return uploaded, nil
}

// classifyLocator reports whether locator is a remote http(s) URL or a local
// path, returning the filesystem path in the latter case.
func classifyLocator(locator string) (localPath string, remote bool, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		// Unparseable as a URL; treat as a path (e.g. contains '%').
		return filepath.Clean(locator), false, nil
	}
	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return "", false, fmt.Errorf("image URL %q has no host", locator)
		}
		return "", true, nil
	case "file":
		return filepath.FromSlash(u.Path), false, nil
	case "":
		return filepath.Clean(locator), false, nil
	}
	if len(u.Scheme) == 1 {
		// Windows drive letter, e.g. C:\photos\a.jpg.
		return locator, false, nil
	}
	return "", false, fmt.Errorf("unsupported image locator scheme %q", u.Scheme)
}
