package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency. Callers match them
// with errors.Is; the API layer maps them to stable error codes.

var (
	// Ledger errors
	ErrAccountNotFound     = errors.New("account not found")
	ErrLotNotFound         = errors.New("lot not found")
	ErrEntryNotFound       = errors.New("ledger entry not found")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrInvalidAmount       = errors.New("amount must be positive")

	// Reservation errors
	ErrReservationNotFound         = errors.New("reservation not found")
	ErrReservationExpired          = errors.New("reservation has expired")
	ErrReservationAlreadyFinalized = errors.New("reservation already finalized")

	// Settlement errors
	ErrAlreadySettled = errors.New("value has matured past the settlement window")

	// Payout errors
	ErrPayoutNotFound      = errors.New("payout request not found")
	ErrBelowMinimum        = errors.New("amount below minimum payout threshold")
	ErrRateLimited         = errors.New("payout rate limit exceeded")
	ErrKYCInsufficient     = errors.New("kyc level insufficient for requested amount")
	ErrFeeExceedsCap       = errors.New("fee exceeds configured cap")
	ErrInvalidTransition   = errors.New("illegal payout state transition")
	ErrConcurrencyConflict = errors.New("treasury version changed; retry with fresh state")

	// Bonus errors
	ErrBonusBlocked      = errors.New("bonus grant blocked by fraud verdict")
	ErrBonusHoldNotFound = errors.New("bonus hold not found")
	ErrBonusHoldResolved = errors.New("bonus hold already resolved")

	// Counter errors
	ErrBackendUnavailable = errors.New("atomic counter backend unreachable")

	// Reconciliation errors
	ErrInvariantViolation = errors.New("ledger invariant violated")

	// Dead-letter errors
	ErrDLQNotFound = errors.New("dead-letter item not found")

	// Deposit errors
	ErrDuplicateDeposit = errors.New("deposit external ref already processed")
)
