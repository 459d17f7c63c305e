package domain

import "time"

// ─── Reservation Types ──────────────────────────────────────────────────────

// ReservationStatus is the closed set of reservation states.
// Transitions: open → finalized (Finalize) or open → expired (reaper).
// Both terminal states are absorbing; the loser of a finalize/expiry race
// is a no-op.
type ReservationStatus string

const (
	ReservationOpen      ReservationStatus = "open"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a time-bounded hold against one or more lots, created
// before metered work begins. The hold is released by Finalize (charging the
// actual cost) or by TTL expiry (the reaper returns the full hold).
type Reservation struct {
	ID              string            `json:"id"`
	AccountID       string            `json:"account_id"`
	Amount          int64             `json:"amount_micros"` // Requested hold
	Status          ReservationStatus `json:"status"`
	ExpiresAt       time.Time         `json:"expires_at"`
	CreatedAt       time.Time         `json:"created_at"`
	FinalizedAmount *int64            `json:"finalized_micros,omitempty"` // Actual charge, once finalized
	Lots            []LotDraw         `json:"lots,omitempty"`             // Per-lot draws, oldest lot first
}

// LotDraw records how much of a reservation's hold was taken from one lot.
type LotDraw struct {
	LotID  string `json:"lot_id"`
	Pool   Pool   `json:"pool"`
	Amount int64  `json:"amount_micros"`
}

// Open reports whether the reservation can still be finalized or expired.
func (r Reservation) Open() bool { return r.Status == ReservationOpen }

// ExpiredBy reports whether the reservation's TTL has elapsed at now.
func (r Reservation) ExpiredBy(now time.Time) bool { return !now.Before(r.ExpiresAt) }
