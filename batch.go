package ray5agent

import (
	"github.com/google/uuid"
)

// BatchKind labels the two bulk operations.
type BatchKind string

const (
	BatchUpload BatchKind = "upload"
	BatchDelete BatchKind = "delete"
)

// ItemResult is the outcome of one batch item. Items are independent: a
// failure is recorded here and the remaining items still run.
type ItemResult struct {
	// Item is the local path for uploads and the remote name for deletes.
	Item string
	Err  error
}

// Failed reports whether this item ended in an error.
func (r ItemResult) Failed() bool { return r.Err != nil }

// newBatchID tags a batch so its log lines and history rows correlate.
func newBatchID() string {
	return uuid.New().String()
}

// CountFailures tallies the failed items of a finished batch.
func CountFailures(results []ItemResult) int {
	failed := 0
	for _, result := range results {
		if result.Failed() {
			failed++
		}
	}
	return failed
}
