// Package reconcile audits the ledger's cross-table invariants.
//
// The auditor runs on an interval and checks what the write path is supposed
// to make impossible: lots whose buckets no longer sum to the grant, holds
// the reaper should have expired, revenue splits whose shares do not add up
// to the gross, and deposits whose one-to-one lot correspondence broke. It
// reports and alerts; it never corrects — a violation means an operator has
// to look at how the impossible happened, and an automated "fix" would only
// destroy the evidence.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/tutu-network/tally/internal/app/ledger"
	"github.com/tutu-network/tally/internal/infra/observability"
	"github.com/tutu-network/tally/internal/infra/sqlite"
)

// KindViolation is the event kind dispatched when a run finds violations.
const KindViolation = "reconcile.violation"

// Invariant names, used as the metric label and in violation reports.
const (
	InvariantLotConservation = "lot_conservation"
	InvariantOrphanedHold    = "orphaned_reservation"
	InvariantDistribution    = "distribution_zero_sum"
	InvariantDepositLots     = "deposit_lots"
)

var invariants = []string{
	InvariantLotConservation,
	InvariantOrphanedHold,
	InvariantDistribution,
	InvariantDepositLots,
}

// Config parameterizes the auditor.
type Config struct {
	// ReservationTTL mirrors the ledger's hold TTL. A reservation still open
	// twice this long after expiry means the reaper is not keeping up.
	ReservationTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{ReservationTTL: 5 * time.Minute}
}

// Violation is one invariant breach found by a run.
type Violation struct {
	Invariant string `json:"invariant"`
	Subject   string `json:"subject"`
	Detail    string `json:"detail"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	RanAt      time.Time   `json:"ran_at"`
	Violations []Violation `json:"violations,omitempty"`
}

// Clean reports whether the run found nothing wrong.
func (r Report) Clean() bool { return len(r.Violations) == 0 }

// Service runs the audits.
type Service struct {
	config Config
	db     *sqlite.DB
	events ledger.EventSink // nil disables violation alerts
}

// New creates the auditor.
func New(cfg Config, db *sqlite.DB, events ledger.EventSink) *Service {
	def := DefaultConfig()
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}
	return &Service{config: cfg, db: db, events: events}
}

// Run executes every audit and returns the findings. Violations are data,
// not errors — the error return is reserved for the audit itself failing.
func (s *Service) Run(ctx context.Context, now time.Time) (Report, error) {
	report := Report{RanAt: now.UTC()}
	counts := make(map[string]int, len(invariants))

	add := func(invariant, subject, detail string) {
		report.Violations = append(report.Violations, Violation{
			Invariant: invariant,
			Subject:   subject,
			Detail:    detail,
		})
		counts[invariant]++
	}

	lots, err := s.db.NonConservedLots(ctx)
	if err != nil {
		return report, fmt.Errorf("audit lot conservation: %w", err)
	}
	for _, l := range lots {
		add(InvariantLotConservation, l.ID, fmt.Sprintf(
			"account %s: %d available + %d reserved + %d consumed != %d original",
			l.AccountID, l.Available, l.Reserved, l.Consumed, l.Original))
	}

	// The reaper gets one full TTL of slack past expiry before an open hold
	// counts as orphaned.
	cutoff := now.Add(-2 * s.config.ReservationTTL)
	stale, err := s.db.OpenReservationsOlderThan(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("audit open reservations: %w", err)
	}
	for _, r := range stale {
		add(InvariantOrphanedHold, r.ID, fmt.Sprintf(
			"account %s: open hold of %d expired %s",
			r.AccountID, r.Amount, r.ExpiresAt.UTC().Format(time.RFC3339)))
	}

	mismatches, err := s.db.DistributionMismatches(ctx)
	if err != nil {
		return report, fmt.Errorf("audit distributions: %w", err)
	}
	for _, m := range mismatches {
		add(InvariantDistribution, m.ID, fmt.Sprintf(
			"share entries sum to %d, gross is %d", m.ShareSum, m.Gross))
	}

	deposits, err := s.db.DepositMismatches(ctx)
	if err != nil {
		return report, fmt.Errorf("audit deposits: %w", err)
	}
	for _, m := range deposits {
		add(InvariantDepositLots, m.ExternalRef, fmt.Sprintf(
			"%s: deposit of %d, lot %s", m.Problem, m.Amount, m.LotID))
	}
	unbacked, err := s.db.UnbackedPurchasedLots(ctx)
	if err != nil {
		return report, fmt.Errorf("audit purchased lots: %w", err)
	}
	for _, l := range unbacked {
		add(InvariantDepositLots, l.ID, fmt.Sprintf(
			"account %s: purchased lot of %d has no deposit record",
			l.AccountID, l.Original))
	}

	observability.ReconcileRuns.Inc()
	for _, invariant := range invariants {
		observability.ReconcileViolations.WithLabelValues(invariant).Set(float64(counts[invariant]))
	}

	if !report.Clean() {
		log.Printf("[reconcile] %d violations found", len(report.Violations))
		s.alert(ctx, report)
	}
	return report, nil
}

func (s *Service) alert(ctx context.Context, report Report) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		log.Printf("[reconcile] encode report: %v", err)
		return
	}
	s.events.Dispatch(ctx, KindViolation, payload)
}
