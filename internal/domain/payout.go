package domain

import "time"

// ─── Payout Types ───────────────────────────────────────────────────────────

// PayoutStatus is the closed set of payout states.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutApproved   PayoutStatus = "approved"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
	PayoutCancelled  PayoutStatus = "cancelled"
)

// payoutTransitions is the enumerated transition table of the escrow state
// machine. completed, failed and cancelled are terminal. cancelled is never
// reachable from processing: a payout already submitted to an external rail
// cannot be silently cancelled.
var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:    {PayoutApproved, PayoutFailed, PayoutCancelled},
	PayoutApproved:   {PayoutProcessing, PayoutFailed, PayoutCancelled},
	PayoutProcessing: {PayoutCompleted, PayoutFailed},
}

// CanTransition reports whether from → to is a legal payout transition.
func CanTransition(from, to PayoutStatus) bool {
	for _, next := range payoutTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an absorbing payout state.
func (s PayoutStatus) Terminal() bool {
	switch s {
	case PayoutCompleted, PayoutFailed, PayoutCancelled:
		return true
	}
	return false
}

// PayoutRequest is a withdrawal attempt. It is created at pending and driven
// through the state machine by the payout service; every mutation re-checks
// the treasury version before committing.
type PayoutRequest struct {
	ID              string       `json:"id"`
	AccountID       string       `json:"account_id"`
	Amount          int64        `json:"amount_micros"` // Gross requested
	Fee             int64        `json:"fee_micros"`
	Destination     string       `json:"destination"`
	KYCLevel        KYCLevel     `json:"kyc_level"` // Snapshot at request time
	Status          PayoutStatus `json:"status"`
	EscrowAmount    int64        `json:"escrow_micros"` // Held while in flight
	TreasuryVersion int64        `json:"treasury_version"`
	FailureReason   string       `json:"failure_reason,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Active reports whether the payout currently holds escrow.
func (p PayoutRequest) Active() bool {
	switch p.Status {
	case PayoutPending, PayoutApproved, PayoutProcessing:
		return true
	}
	return false
}

// ─── Treasury ───────────────────────────────────────────────────────────────

// Treasury is the singleton optimistic-concurrency anchor for payouts. Its
// version increments on every payout-affecting mutation; a transition whose
// read version no longer matches aborts with ErrConcurrencyConflict.
type Treasury struct {
	Version int64 `json:"version"`
}

// ─── Balance View ───────────────────────────────────────────────────────────

// Balance is the withdrawable-balance view of an account.
// Invariant: Withdrawable + Escrow == Settled.
type Balance struct {
	AccountID    string `json:"account_id"`
	Settled      int64  `json:"settled_micros"`      // Matured earnings still in the ledger
	Escrow       int64  `json:"escrow_micros"`       // Held by in-flight payouts
	Withdrawable int64  `json:"withdrawable_micros"` // Settled − Escrow
	Provisional  int64  `json:"provisional_micros"`  // Earnings inside the maturity window
	Spendable    int64  `json:"spendable_micros"`    // Available across all pools
}
