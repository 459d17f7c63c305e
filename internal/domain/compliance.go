package domain

import "time"

// ─── KYC Types ──────────────────────────────────────────────────────────────

// KYCLevel is the ordered verification ladder supplied by the external
// compliance collaborator: none < basic < enhanced < verified.
// The payout service consumes it read-only.
type KYCLevel string

const (
	KYCNone     KYCLevel = "none"
	KYCBasic    KYCLevel = "basic"
	KYCEnhanced KYCLevel = "enhanced" // Admin-approved enhanced verification
	KYCVerified KYCLevel = "verified" // Fully verified; passes every threshold
)

// kycRank orders the ladder for comparisons.
var kycRank = map[KYCLevel]int{
	KYCNone:     0,
	KYCBasic:    1,
	KYCEnhanced: 2,
	KYCVerified: 3,
}

// ValidKYCLevel reports whether l is a member of the ladder.
func ValidKYCLevel(l KYCLevel) bool {
	_, ok := kycRank[l]
	return ok
}

// AtLeast reports whether l satisfies the required level.
// A fully verified level always passes.
func (l KYCLevel) AtLeast(required KYCLevel) bool {
	if l == KYCVerified {
		return true
	}
	return kycRank[l] >= kycRank[required]
}

// ─── Fraud Verdict ──────────────────────────────────────────────────────────

// FraudVerdict is the risk decision produced by the external fraud-scoring
// collaborator. It gates whether a pending bonus grant proceeds, is held for
// manual review, or is blocked.
type FraudVerdict string

const (
	VerdictClear    FraudVerdict = "clear"
	VerdictFlagged  FraudVerdict = "flagged"
	VerdictWithheld FraudVerdict = "withheld"
)

// ValidFraudVerdict reports whether v is a member of the closed set.
func ValidFraudVerdict(v FraudVerdict) bool {
	switch v {
	case VerdictClear, VerdictFlagged, VerdictWithheld:
		return true
	}
	return false
}

// ─── Bonus Holds ────────────────────────────────────────────────────────────

// BonusStatus is the state of a fraud-held bonus grant.
type BonusStatus string

const (
	BonusHeld     BonusStatus = "held"
	BonusReleased BonusStatus = "released"
	BonusRejected BonusStatus = "rejected"
)

// BonusHold is a bonus grant parked for manual review after a flagged fraud
// verdict. Releasing it performs the deferred grant; rejecting it closes the
// hold without ever touching the ledger.
type BonusHold struct {
	ID         string       `json:"id"`
	AccountID  string       `json:"account_id"`
	Amount     int64        `json:"amount_micros"`
	Verdict    FraudVerdict `json:"verdict"`
	ScoreBps   int64        `json:"score_bps"` // Risk score 0.0–1.0 scaled to 0–10000
	Status     BonusStatus  `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}
