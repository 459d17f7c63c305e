// Package payout drives withdrawal requests through the escrow state
// machine:
//
//	pending → approved → processing → completed
//	            ↓            ↓
//	      failed/cancelled  failed
//
// A request is validated and approved in one transaction: minimum, rate
// limit, verification ladder, withdrawable balance, fee cap — in that order —
// then the gross amount moves from the account's settled lots into escrow.
// Escrow is a lot-level hold, so escrowed value can be neither spent nor
// double-withdrawn while the payout is in flight.
//
// Every mutation bumps the treasury version through compare-and-swap; two
// racing payout transactions cannot both commit, which is what makes the
// "exactly one of two concurrent full-balance withdrawals succeeds" property
// hold.
package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tutu-network/tally/internal/app/ledger"
	"github.com/tutu-network/tally/internal/domain"
	"github.com/tutu-network/tally/internal/infra/observability"
	"github.com/tutu-network/tally/internal/infra/sqlite"
)

// KindPayoutCompleted is dispatched after a payout reaches completed.
const KindPayoutCompleted = "payout.completed"

// CompletedEvent is the payload dispatched when escrowed value leaves the
// ledger for good.
type CompletedEvent struct {
	PayoutID    string `json:"payout_id"`
	AccountID   string `json:"account_id"`
	Gross       int64  `json:"gross_micros"`
	Fee         int64  `json:"fee_micros"`
	Net         int64  `json:"net_micros"`
	Destination string `json:"destination"`
}

// Config controls payout policy.
type Config struct {
	MinAmount     int64         // Smallest gross accepted (default: 10_000_000 = $10)
	FeeBps        int64         // Fee taken from gross (default: 250 = 2.5%)
	FeeCapBps     int64         // Fee ceiling as share of gross (default: 500 = 5%)
	RateWindow    time.Duration // One request per account per window (default: 24h)
	BasicKYCAt    int64         // Lifetime gross beyond this needs basic verification (default: $100)
	EnhancedKYCAt int64         // Lifetime gross beyond this needs enhanced verification (default: $600)
	FeeAccount    string        // System account collecting fees (default: "acct_fees")
}

// DefaultConfig returns safe payout defaults.
func DefaultConfig() Config {
	return Config{
		MinAmount:     10_000_000,
		FeeBps:        250,
		FeeCapBps:     500,
		RateWindow:    24 * time.Hour,
		BasicKYCAt:    100_000_000,
		EnhancedKYCAt: 600_000_000,
		FeeAccount:    "acct_fees",
	}
}

// Service owns the payout lifecycle. It holds and releases escrow through the
// ledger so lot conservation covers escrowed value too.
type Service struct {
	config Config
	db     *sqlite.DB
	ledger *ledger.Service
	kyc    domain.KYCReader
	events ledger.EventSink // nil disables post-commit events
	now    func() time.Time
}

// New creates the payout service. events may be nil.
func New(cfg Config, db *sqlite.DB, lgr *ledger.Service, kyc domain.KYCReader, events ledger.EventSink) *Service {
	def := DefaultConfig()
	if cfg.MinAmount <= 0 {
		cfg.MinAmount = def.MinAmount
	}
	if cfg.FeeBps <= 0 {
		cfg.FeeBps = def.FeeBps
	}
	if cfg.FeeCapBps <= 0 {
		cfg.FeeCapBps = def.FeeCapBps
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.BasicKYCAt <= 0 {
		cfg.BasicKYCAt = def.BasicKYCAt
	}
	if cfg.EnhancedKYCAt <= 0 {
		cfg.EnhancedKYCAt = def.EnhancedKYCAt
	}
	if cfg.FeeAccount == "" {
		cfg.FeeAccount = def.FeeAccount
	}
	return &Service{
		config: cfg,
		db:     db,
		ledger: lgr,
		kyc:    kyc,
		events: events,
		now:    time.Now,
	}
}

// ─── Request ────────────────────────────────────────────────────────────────

// Request validates a withdrawal and, when every check passes, creates it and
// approves it atomically with an escrow hold on the account's settled lots.
//
// Checks run in a fixed order so callers see stable rejections: minimum
// amount, then the per-account rate limit, then the verification ladder, then
// withdrawable balance, then the fee cap.
func (s *Service) Request(ctx context.Context, accountID string, amount int64, destination string) (domain.PayoutRequest, error) {
	if amount <= 0 {
		return domain.PayoutRequest{}, domain.ErrInvalidAmount
	}
	if destination == "" {
		return domain.PayoutRequest{}, fmt.Errorf("payout destination required")
	}
	now := s.now().UTC()

	// The verification level comes from the compliance collaborator's view;
	// it does not need to be transactional with the balance read.
	level, err := s.kyc.Level(ctx, accountID)
	if err != nil {
		return domain.PayoutRequest{}, fmt.Errorf("read verification level: %w", err)
	}

	var payout domain.PayoutRequest
	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		version, err := tx.TreasuryVersion(ctx)
		if err != nil {
			return err
		}

		if amount < s.config.MinAmount {
			return domain.ErrBelowMinimum
		}
		count, err := tx.PayoutCountSince(ctx, accountID, now.Add(-s.config.RateWindow))
		if err != nil {
			return err
		}
		if count > 0 {
			return domain.ErrRateLimited
		}
		lifetime, err := tx.CompletedGrossSum(ctx, accountID)
		if err != nil {
			return err
		}
		if required := s.requiredLevel(lifetime + amount); !level.AtLeast(required) {
			return fmt.Errorf("withdrawing %s requires %s verification: %w",
				domain.FormatMicros(lifetime+amount), required, domain.ErrKYCInsufficient)
		}
		withdrawable, err := tx.SettledAvailableSum(ctx, accountID)
		if err != nil {
			return err
		}
		if withdrawable < amount {
			return fmt.Errorf("withdrawable %s of %s requested: %w",
				domain.FormatMicros(withdrawable), domain.FormatMicros(amount), domain.ErrInsufficientBalance)
		}
		fee := domain.ApplyBps(amount, s.config.FeeBps)
		if fee > domain.ApplyBps(amount, s.config.FeeCapBps) {
			return domain.ErrFeeExceedsCap
		}

		lots, err := tx.SettledLotsForDraw(ctx, accountID)
		if err != nil {
			return fmt.Errorf("load settled lots: %w", err)
		}
		draws, short := ledger.PlanDraws(lots, amount)
		if short > 0 {
			return domain.ErrInsufficientBalance
		}

		payout = domain.PayoutRequest{
			ID:              domain.NewID(domain.IDPrefixPayout),
			AccountID:       accountID,
			Amount:          amount,
			Fee:             fee,
			Destination:     destination,
			KYCLevel:        level,
			Status:          domain.PayoutPending,
			EscrowAmount:    amount,
			TreasuryVersion: version + 1,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertPayout(ctx, payout, draws); err != nil {
			return fmt.Errorf("persist payout: %w", err)
		}
		if err := s.ledger.HoldLots(ctx, tx, draws); err != nil {
			return err
		}
		if _, err := s.ledger.AppendEntry(ctx, tx, domain.LedgerEntry{
			AccountID: accountID,
			Pool:      domain.PoolRevenueShare,
			Type:      domain.EntryEscrowHold,
			Amount:    -amount,
			Ref:       payout.ID,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if _, err := tx.TransitionPayout(ctx, payout.ID, domain.PayoutPending, domain.PayoutApproved, "", now); err != nil {
			return err
		}
		ok, err := tx.BumpTreasury(ctx, version)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrencyConflict
		}
		payout.Status = domain.PayoutApproved
		return nil
	})
	if err != nil {
		s.countRejection(err)
		return domain.PayoutRequest{}, err
	}

	observability.PayoutTransitions.WithLabelValues(string(domain.PayoutApproved)).Inc()
	log.Printf("[payout] %s approved: %s to %s (fee %s)",
		payout.ID, domain.FormatMicros(payout.Amount), destination, domain.FormatMicros(payout.Fee))
	return payout, nil
}

// requiredLevel maps a lifetime-plus-request gross to the verification rung
// it needs. Thresholds are strict: reaching one exactly does not cross it.
func (s *Service) requiredLevel(gross int64) domain.KYCLevel {
	switch {
	case gross > s.config.EnhancedKYCAt:
		return domain.KYCEnhanced
	case gross > s.config.BasicKYCAt:
		return domain.KYCBasic
	default:
		return domain.KYCNone
	}
}

func (s *Service) countRejection(err error) {
	var reason string
	switch {
	case errors.Is(err, domain.ErrBelowMinimum):
		reason = "below_minimum"
	case errors.Is(err, domain.ErrRateLimited):
		reason = "rate_limited"
	case errors.Is(err, domain.ErrKYCInsufficient):
		reason = "kyc"
	case errors.Is(err, domain.ErrInsufficientBalance):
		reason = "balance"
	case errors.Is(err, domain.ErrFeeExceedsCap):
		reason = "fee_cap"
	case errors.Is(err, domain.ErrConcurrencyConflict):
		observability.TreasuryConflicts.Inc()
		return
	default:
		return
	}
	observability.PayoutRejections.WithLabelValues(reason).Inc()
}

// ─── Transitions ────────────────────────────────────────────────────────────

// Process marks an approved payout as submitted to the external rail.
func (s *Service) Process(ctx context.Context, id string) (domain.PayoutRequest, error) {
	return s.transition(ctx, id, domain.PayoutProcessing, "", nil)
}

// Complete records that the rail paid out: the escrowed value is consumed
// for good and the fee lands in the fee account's collected pool.
func (s *Service) Complete(ctx context.Context, id string) (domain.PayoutRequest, error) {
	payout, err := s.transition(ctx, id, domain.PayoutCompleted, "",
		func(ctx context.Context, tx *sqlite.Tx, p domain.PayoutRequest, now time.Time) error {
			draws, err := tx.PayoutDraws(ctx, p.ID)
			if err != nil {
				return err
			}
			if err := s.ledger.ConsumeLots(ctx, tx, draws); err != nil {
				return err
			}
			if _, err := s.ledger.AppendEntry(ctx, tx, domain.LedgerEntry{
				AccountID: p.AccountID,
				Pool:      domain.PoolRevenueShare,
				Type:      domain.EntryPayoutComplete,
				Amount:    -p.Amount,
				Ref:       p.ID,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			if p.Fee > 0 {
				if _, err := s.ledger.EnsureAccountTx(ctx, tx, s.config.FeeAccount, domain.EntitySystem, now); err != nil {
					return err
				}
				if _, _, err := s.ledger.GrantLot(ctx, tx, s.config.FeeAccount, domain.PoolFees,
					p.Fee, domain.EntryGrant, p.ID, "payout fee", now); err != nil {
					return err
				}
			}
			return nil
		})
	if err != nil {
		return domain.PayoutRequest{}, err
	}

	if s.events != nil {
		payload, _ := json.Marshal(CompletedEvent{
			PayoutID:    payout.ID,
			AccountID:   payout.AccountID,
			Gross:       payout.Amount,
			Fee:         payout.Fee,
			Net:         payout.Amount - payout.Fee,
			Destination: payout.Destination,
		})
		s.events.Dispatch(ctx, KindPayoutCompleted, payload)
	}
	log.Printf("[payout] %s completed: %s gross, %s fee",
		payout.ID, domain.FormatMicros(payout.Amount), domain.FormatMicros(payout.Fee))
	return payout, nil
}

// Fail aborts an in-flight payout and returns its escrow to withdrawable
// balance. Legal from any non-terminal state.
func (s *Service) Fail(ctx context.Context, id, reason string) (domain.PayoutRequest, error) {
	return s.transition(ctx, id, domain.PayoutFailed, reason, s.releaseEscrow)
}

// Cancel withdraws a payout before it reaches the external rail. A payout
// already processing cannot be cancelled, only failed by the rail.
func (s *Service) Cancel(ctx context.Context, id string) (domain.PayoutRequest, error) {
	return s.transition(ctx, id, domain.PayoutCancelled, "", s.releaseEscrow)
}

func (s *Service) releaseEscrow(ctx context.Context, tx *sqlite.Tx, p domain.PayoutRequest, now time.Time) error {
	draws, err := tx.PayoutDraws(ctx, p.ID)
	if err != nil {
		return err
	}
	if err := s.ledger.ReleaseLots(ctx, tx, draws); err != nil {
		return err
	}
	_, err = s.ledger.AppendEntry(ctx, tx, domain.LedgerEntry{
		AccountID: p.AccountID,
		Pool:      domain.PoolRevenueShare,
		Type:      domain.EntryEscrowRelease,
		Amount:    p.Amount,
		Ref:       p.ID,
		CreatedAt: now,
	})
	return err
}

// transition moves a payout to the target state under the treasury version
// guard, applying the state's ledger effects in the same transaction.
func (s *Service) transition(ctx context.Context, id string, to domain.PayoutStatus, reason string, apply func(ctx context.Context, tx *sqlite.Tx, p domain.PayoutRequest, now time.Time) error) (domain.PayoutRequest, error) {
	now := s.now().UTC()

	var payout domain.PayoutRequest
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		p, err := tx.GetPayout(ctx, id)
		if err != nil {
			return err
		}
		if !domain.CanTransition(p.Status, to) {
			return fmt.Errorf("%s → %s: %w", p.Status, to, domain.ErrInvalidTransition)
		}
		version, err := tx.TreasuryVersion(ctx)
		if err != nil {
			return err
		}
		moved, err := tx.TransitionPayout(ctx, id, p.Status, to, reason, now)
		if err != nil {
			return err
		}
		if !moved {
			return domain.ErrConcurrencyConflict
		}
		if apply != nil {
			if err := apply(ctx, tx, p, now); err != nil {
				return err
			}
		}
		ok, err := tx.BumpTreasury(ctx, version)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrencyConflict
		}

		p.Status = to
		p.FailureReason = reason
		p.TreasuryVersion = version + 1
		p.UpdatedAt = now
		payout = p
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConcurrencyConflict) {
			observability.TreasuryConflicts.Inc()
		}
		return domain.PayoutRequest{}, err
	}
	observability.PayoutTransitions.WithLabelValues(string(to)).Inc()
	return payout, nil
}

// ─── Reads & Compliance ─────────────────────────────────────────────────────

// Get returns the payout, or domain.ErrPayoutNotFound.
func (s *Service) Get(ctx context.Context, id string) (domain.PayoutRequest, error) {
	return s.db.GetPayout(ctx, id)
}

// List returns the account's payout requests, newest first.
func (s *Service) List(ctx context.Context, accountID string, limit int) ([]domain.PayoutRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.db.ListPayouts(ctx, accountID, limit)
}

// TreasuryVersion returns the current optimistic-concurrency version.
func (s *Service) TreasuryVersion(ctx context.Context) (int64, error) {
	return s.db.TreasuryVersion(ctx)
}

// SetKYCLevel records the compliance collaborator's assessment, creating the
// account on first contact.
func (s *Service) SetKYCLevel(ctx context.Context, accountID string, level domain.KYCLevel) error {
	if !domain.ValidKYCLevel(level) {
		return fmt.Errorf("unknown verification level %q", level)
	}
	now := s.now().UTC()
	return s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		if _, err := s.ledger.EnsureAccountTx(ctx, tx, accountID, domain.EntityPerson, now); err != nil {
			return err
		}
		return tx.UpsertKYCLevel(ctx, accountID, level, now)
	})
}
