// Package jobs holds helpers shared by handlers that address jobs by ID.
package jobs

import (
	"github.com/google/uuid"
)

// IDPrefix marks enhancement job IDs.
const IDPrefix = "enh-"

// GenerateID creates a new random job ID with the given prefix. The prefix
// should include a trailing dash, e.g. "enh-".
func GenerateID(prefix string) string {
	return prefix + uuid.NewString()
}
