package enhance

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/fpang/enhance-studio/internal/store"
)

// SlotRecorder persists a successful result against the draft slot the
// request was made for. store.DynamoStore implements it.
type SlotRecorder interface {
	PutSlotResult(ctx context.Context, slot *store.SlotResult) error
}

// Enhancer runs one enhancement end to end: submit, then resolve unless the
// submission was served from cache.
type Enhancer struct {
	submitter *Submitter
	resolver  *Resolver
	recorder  SlotRecorder
}

// NewEnhancer creates an Enhancer. recorder may be nil.
func NewEnhancer(submitter *Submitter, resolver *Resolver, recorder SlotRecorder) *Enhancer {
	return &Enhancer{submitter: submitter, resolver: resolver, recorder: recorder}
}

// Enhance submits req and waits for its outcome. The error return is
// reserved for submission failures (*SubmitError); completion, worker
// failure, timeout and cancellation (including during submission) are all
// reported in the Result.
func (e *Enhancer) Enhance(ctx context.Context, req Request, onProgress ProgressFunc) (Result, error) {
	handle, err := e.submitter.Submit(ctx, req, onProgress)
	if errors.Is(err, ErrCancelled) {
		return Result{Status: StatusCancelled, Channel: ChannelSubmit}, nil
	}
	if err != nil {
		return Result{Status: StatusFailed, Error: err.Error(), Channel: ChannelSubmit}, err
	}

	var res Result
	if handle.Cached {
		res = Result{
			Success:   true,
			Status:    StatusCompleted,
			OutputURL: handle.OutputURL,
			JobID:     handle.JobID,
			Cached:    true,
			Channel:   ChannelSubmit,
		}
	} else {
		res = e.resolver.Resolve(ctx, handle.JobID, onProgress)
	}

	if res.Success {
		e.recordSlot(ctx, req, res)
	}
	return res, nil
}

func (e *Enhancer) recordSlot(ctx context.Context, req Request, res Result) {
	if e.recorder == nil || req.DraftID == "" {
		return
	}
	err := e.recorder.PutSlotResult(ctx, &store.SlotResult{
		DraftID:   req.DraftID,
		SlotID:    req.SlotID,
		JobID:     res.JobID,
		Feature:   string(req.Feature),
		OutputURL: res.OutputURL,
	})
	if err != nil {
		// The enhancement itself succeeded; the caller still gets the output.
		log.Error().Err(err).
			Str("jobId", res.JobID).
			Str("draftId", req.DraftID).
			Str("slotId", req.SlotID).
			Msg("Failed to record enhanced slot")
	}
}
