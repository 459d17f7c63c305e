package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Counter is the pluggable atomic-counter primitive. All backends guarantee
// race-free, exactly-once arithmetic: two concurrent callers incrementing the
// same key never observe or produce a lost update, regardless of backend.
//
// When a remote backend cannot be reached the operation fails closed with
// ErrBackendUnavailable — implementations never fall back to a non-atomic
// path.
type Counter interface {
	// Increment atomically adds delta to key and returns the new value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)

	// CompareAndSwap atomically replaces the value of key with next if the
	// current value equals expected. A missing key reads as zero. Returns
	// whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, expected, next int64) (bool, error)
}

// Notifier delivers post-commit side effects (webhook notifications) to
// external collaborators. Failures never affect the committed transaction —
// the caller enqueues them on the DLQ instead.
type Notifier interface {
	// Notify delivers a payload for the given event kind.
	Notify(ctx context.Context, kind string, payload []byte) error
}

// KYCReader supplies the compliance collaborator's verification level for an
// account. The payout service consumes it read-only; accounts without a
// recorded level read as KYCNone.
type KYCReader interface {
	Level(ctx context.Context, accountID string) (KYCLevel, error)
}
