package pipeline

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	queueKey     = "proof_queue"
	lockKey      = "proof_processing_lock"
	activeJobKey = "proof_active_job"

	jobKeyPrefix    = "job:"
	resultKeyPrefix = "proof_result:"

	jobTTL    = 24 * time.Hour
	resultTTL = time.Hour
	lockTTL   = 3 * time.Hour

	popTimeout   = 10 * time.Second
	errorBackoff = 5 * time.Second
)

var (
	// ErrBusy signals lock contention. It is retryable and never marks a
	// job failed on its own.
	ErrBusy = errors.New("another proof generation is currently in progress")

	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest marks submission validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

var walletRe = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

func jobKey(id string) string    { return jobKeyPrefix + id }
func resultKey(id string) string { return resultKeyPrefix + id }

func newJobID(requesterID string, now time.Time) string {
	return fmt.Sprintf("proof_%d_%s", now.UnixMilli(), requesterID)
}
