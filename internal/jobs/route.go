package jobs

import (
	"strings"
)

// ParseRoute extracts the job ID and action from a path like
// /api/enhance/{id}/{action}. apiPrefix should be like "/api/enhance/" and
// idPrefix like "enh-"; IDs given without the prefix are normalized to carry
// it. ok is false when either segment is missing or extra segments follow.
func ParseRoute(path, apiPrefix, idPrefix string) (jobID, action string, ok bool) {
	if !strings.HasPrefix(path, apiPrefix) {
		return "", "", false
	}
	parts := strings.Split(strings.TrimPrefix(path, apiPrefix), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}

	jobID = parts[0]
	if !strings.HasPrefix(jobID, idPrefix) {
		jobID = idPrefix + jobID
	}
	return jobID, parts[1], true
}
