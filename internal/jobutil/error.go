// Package jobutil provides helpers for server-side job lifecycle operations.
package jobutil

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/enhance-studio/internal/store"
)

// StatusWriter applies a status transition. store.DynamoStore implements it.
type StatusWriter interface {
	UpdateJobStatus(ctx context.Context, id string, upd store.JobUpdate) (bool, error)
}

// FailJob logs msg and marks the job failed so pollers and subscribers see
// the error. A job that is already terminal is left alone.
func FailJob(ctx context.Context, w StatusWriter, jobID, msg string) error {
	log.Error().
		Str("jobId", jobID).
		Str("error", msg).
		Msg("Job failed")
	applied, err := w.UpdateJobStatus(ctx, jobID, store.JobUpdate{Status: store.StatusFailed, Error: msg})
	if err != nil {
		return fmt.Errorf("mark job %s failed: %w", jobID, err)
	}
	if !applied {
		log.Warn().Str("jobId", jobID).Msg("Job already terminal, failure not recorded")
	}
	return nil
}
