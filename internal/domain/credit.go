// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture — it depends on nothing.
//
// All monetary values are signed 64-bit integers in micro-credits
// (1 credit = 1,000,000 micros). No floating point is used anywhere in
// value computation; fractional splits use integer floor division with a
// designated remainder absorber.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MicrosPerCredit is the integer scale of the ledger: one whole credit.
const MicrosPerCredit int64 = 1_000_000

// ─── Account Types ──────────────────────────────────────────────────────────

// EntityType classifies the party behind a credit account.
type EntityType string

const (
	EntityPerson    EntityType = "person"    // A human user
	EntityCommunity EntityType = "community" // A community treasury
	EntityAgent     EntityType = "agent"     // An autonomous agent
	EntitySystem    EntityType = "system"    // A system pool (commons, fees, …)
)

// ValidEntityType reports whether t is a member of the closed set.
func ValidEntityType(t EntityType) bool {
	switch t {
	case EntityPerson, EntityCommunity, EntityAgent, EntitySystem:
		return true
	}
	return false
}

// Account identifies a party that can hold credit. Accounts are created on
// first use and never deleted — exhausted or frozen accounts keep their rows.
type Account struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity_type"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ─── Lot Types ──────────────────────────────────────────────────────────────

// Pool tags a lot with the origin of its value. The pool governs
// withdrawability: only revenue_share value can leave through a payout.
type Pool string

const (
	PoolSignupBonus  Pool = "signup_bonus"  // Promotional grants, spend-only
	PoolPurchased    Pool = "purchased"     // Deposited value, spend-only
	PoolRevenueShare Pool = "revenue_share" // Distributed earnings, withdrawable
	PoolFees         Pool = "fees"          // Payout fees collected by the system
)

// ValidPool reports whether p is a member of the closed set.
func ValidPool(p Pool) bool {
	switch p {
	case PoolSignupBonus, PoolPurchased, PoolRevenueShare, PoolFees:
		return true
	}
	return false
}

// Withdrawable reports whether value in this pool may exit via payout.
func (p Pool) Withdrawable() bool { return p == PoolRevenueShare }

// Lot is a discrete grant of credit to an account — the unit of conservation
// accounting. At all times: Available + Reserved + Consumed == Original.
// A lot is exhausted (never deleted) once Available and Reserved reach zero.
type Lot struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Pool      Pool       `json:"pool"`
	Original  int64      `json:"original_micros"`
	Available int64      `json:"available_micros"`
	Reserved  int64      `json:"reserved_micros"`
	Consumed  int64      `json:"consumed_micros"`
	CreatedAt time.Time  `json:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty"` // Set once the maturity window elapses
}

// Conserved reports whether the lot's conservation equation holds.
func (l Lot) Conserved() bool {
	return l.Available+l.Reserved+l.Consumed == l.Original &&
		l.Available >= 0 && l.Reserved >= 0 && l.Consumed >= 0
}

// Exhausted reports whether the lot has no value left to draw or release.
func (l Lot) Exhausted() bool { return l.Available == 0 && l.Reserved == 0 }

// Matured reports whether the lot's maturity window has elapsed at now.
func (l Lot) Matured(window time.Duration, now time.Time) bool {
	return !now.Before(l.CreatedAt.Add(window))
}

// ─── Ledger Entry Types ─────────────────────────────────────────────────────

// EntryType is the closed set of balance-affecting events.
type EntryType string

const (
	EntryGrant             EntryType = "grant"              // New lot created
	EntryReserve           EntryType = "reserve"            // Hold placed before metered work
	EntryFinalize          EntryType = "finalize"           // Actual cost consumed
	EntryRelease           EntryType = "release"            // Hold (or remainder) returned
	EntryClawback          EntryType = "clawback"           // Provisional grant reversed
	EntryDistributionShare EntryType = "distribution_share" // Revenue split share
	EntrySettlement        EntryType = "settlement"         // Lot matured past the window
	EntryEscrowHold        EntryType = "escrow_hold"        // Payout escrow placed
	EntryEscrowRelease     EntryType = "escrow_release"     // Payout escrow returned
	EntryPayoutComplete    EntryType = "payout_complete"    // Escrowed value left the ledger
	EntryOverrunShortfall  EntryType = "overrun_shortfall"  // Cost overrun exceeding available
)

// LedgerEntry is an immutable, append-only record of a balance-affecting
// event. Entries are never mutated or deleted. Seq is a collision-free,
// monotonically increasing number per (account, pool), assigned through the
// atomic counter so concurrent writers never interleave.
//
// Sign convention for Amount: positive means value flowed into the account's
// spendable or withdrawable view (grant, release, distribution_share,
// settlement, escrow_release); negative means value was held or left it
// (reserve, finalize, clawback, escrow_hold, payout_complete).
// overrun_shortfall is informational: it records uncollectable excess cost
// without touching any lot bucket.
type LedgerEntry struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Pool      Pool      `json:"pool"`
	Type      EntryType `json:"type"`
	Amount    int64     `json:"amount_micros"`
	Seq       int64     `json:"seq"`
	Ref       string    `json:"ref,omitempty"`    // Originating reservation/distribution/payout/deposit
	LotID     string    `json:"lot_id,omitempty"` // The single lot touched, when there is exactly one
	Note      string    `json:"note,omitempty"`   // Free-form audit detail (clawback reason, …)
	CreatedAt time.Time `json:"created_at"`
}

// ─── Deposits ───────────────────────────────────────────────────────────────

// Deposit is a confirmed external payment, consumed from the payment
// processor webhook collaborator. Each deposit creates exactly one purchased
// lot; reconciliation verifies the one-to-one correspondence.
type Deposit struct {
	ExternalRef string    `json:"external_ref"`
	AccountID   string    `json:"account_id"`
	Amount      int64     `json:"amount_micros"`
	LotID       string    `json:"lot_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// ─── ID Generation ──────────────────────────────────────────────────────────

// ID prefixes, one per entity kind.
const (
	IDPrefixAccount     = "acct"
	IDPrefixLot         = "lot"
	IDPrefixReservation = "rsv"
	IDPrefixEntry       = "ent"
	IDPrefixPayout      = "pay"
	IDPrefixDistribute  = "dst"
	IDPrefixBonus       = "bon"
	IDPrefixDLQ         = "dlq"
)

// NewID returns a prefixed random identifier, e.g. "lot_1b4e28ba…".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ─── Formatting ─────────────────────────────────────────────────────────────

// ApplyBps returns floor(amount × bps / 10000) for non-negative amounts.
// The multiplication is split around the bps scale so the intermediate
// products never overflow int64, even for amounts up to 10^15 micros.
func ApplyBps(amount, bps int64) int64 {
	const scale = 10_000
	return (amount/scale)*bps + (amount%scale)*bps/scale
}

// FormatMicros renders a micro-credit amount as a decimal credit string
// using integer arithmetic only, e.g. 1_500_000 → "1.500000".
func FormatMicros(m int64) string {
	neg := m < 0
	if neg {
		m = -m
	}
	s := fmt.Sprintf("%d.%06d", m/MicrosPerCredit, m%MicrosPerCredit)
	if neg {
		return "-" + s
	}
	return s
}
