package domain

import "time"

// ─── Dead-Letter Queue Types ────────────────────────────────────────────────

// DLQStatus is the state of a dead-letter item.
type DLQStatus string

const (
	DLQPending      DLQStatus = "pending"       // Awaiting (re)delivery
	DLQDone         DLQStatus = "done"          // Delivered on a retry
	DLQManualReview DLQStatus = "manual_review" // Retries exhausted; operator action required
)

// DLQMaxAttempts is the number of failed attempts that still get a retry
// scheduled. The inline delivery counts as attempt 1, so an item sees
// DLQMaxAttempts+1 tries in total before it is parked for manual review.
const DLQMaxAttempts = 3

// DLQBackoff is the bounded exponential backoff schedule between retries.
// Attempt n (1-based) schedules the next try DLQBackoff[n-1] later.
var DLQBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
}

// NextRetryDelay returns the backoff delay after the given attempt count,
// or false when the schedule is exhausted.
func NextRetryDelay(attempts int) (time.Duration, bool) {
	if attempts < 1 || attempts > DLQMaxAttempts {
		return 0, false
	}
	return DLQBackoff[attempts-1], true
}

// DLQEntry is a failed post-commit side effect queued for retry. The DLQ
// never absorbs ledger-mutation failures — those abort their transaction
// and are surfaced to the caller instead.
type DLQEntry struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // Handler key, e.g. "notify.finalize"
	Payload     []byte    `json:"payload"`
	ErrorCode   string    `json:"error_code"`
	Attempts    int       `json:"attempts"`
	NextRetryAt time.Time `json:"next_retry_at"`
	Status      DLQStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
