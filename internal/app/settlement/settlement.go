// Package settlement matures provisional earnings into withdrawable balance
// and serves the balance view payouts draw against.
//
// A revenue-share lot is provisional for a maturity window after it is
// minted: spendable immediately, withdrawable never, and still reversible by
// clawback. The maturation sweep stamps lots whose window has elapsed and
// posts a settlement entry as the audit marker; from that instant the lot is
// immutable to clawbacks and its available value counts as withdrawable.
package settlement

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/tutu-network/tally/internal/app/ledger"
	"github.com/tutu-network/tally/internal/domain"
	"github.com/tutu-network/tally/internal/infra/observability"
	"github.com/tutu-network/tally/internal/infra/sqlite"
)

// Config controls settlement behavior.
type Config struct {
	Window time.Duration // Maturity window before earnings settle (default: 48h)
	Batch  int           // Lots stamped per sweep (default: 200)
}

// DefaultConfig returns safe settlement defaults.
func DefaultConfig() Config {
	return Config{
		Window: 48 * time.Hour,
		Batch:  200,
	}
}

// Service runs the maturation sweep and answers balance queries.
type Service struct {
	config Config
	db     *sqlite.DB
	ledger *ledger.Service
}

// New creates the settlement service.
func New(cfg Config, db *sqlite.DB, lgr *ledger.Service) *Service {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Batch <= 0 {
		cfg.Batch = def.Batch
	}
	return &Service{config: cfg, db: db, ledger: lgr}
}

// Window exposes the maturity window.
func (s *Service) Window() time.Duration { return s.config.Window }

// ─── Maturation Sweep ───────────────────────────────────────────────────────

// Mature stamps every unsettled lot created at least one maturity window
// before now, up to the configured batch. Each lot settles in its own short
// transaction; the settled_at guard makes re-running the sweep harmless.
func (s *Service) Mature(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.config.Window)

	var due []domain.Lot
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		due, err = tx.UnsettledMaturedLots(ctx, cutoff, s.config.Batch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list matured lots: %w", err)
	}

	settled := 0
	for _, lot := range due {
		ok, err := s.settleLot(ctx, lot.ID, now)
		if err != nil {
			return settled, fmt.Errorf("settle %s: %w", lot.ID, err)
		}
		if ok {
			settled++
		}
	}
	if settled > 0 {
		observability.SettledLots.Add(float64(settled))
		log.Printf("[settlement] matured %d lots", settled)
	}
	return settled, nil
}

func (s *Service) settleLot(ctx context.Context, lotID string, now time.Time) (bool, error) {
	done := false
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		stamped, err := tx.SetLotSettled(ctx, lotID, now)
		if err != nil {
			return err
		}
		if !stamped {
			return nil // a concurrent sweep got here first
		}
		lot, err := tx.GetLot(ctx, lotID)
		if err != nil {
			return err
		}

		// The marker records the value surviving to maturity: what is
		// still available plus what a spend currently holds.
		if remainder := lot.Available + lot.Reserved; remainder > 0 {
			_, err = s.ledger.AppendEntry(ctx, tx, domain.LedgerEntry{
				AccountID: lot.AccountID,
				Pool:      lot.Pool,
				Type:      domain.EntrySettlement,
				Amount:    remainder,
				LotID:     lot.ID,
				Note:      "earnings matured",
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
		}
		done = true
		return nil
	})
	return done, err
}

// ─── Balance View ───────────────────────────────────────────────────────────

// Balance returns the account's balance decomposition in one consistent
// snapshot. Withdrawable + Escrow always equals Settled.
func (s *Service) Balance(ctx context.Context, accountID string) (domain.Balance, error) {
	var balance domain.Balance
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		withdrawable, err := tx.SettledAvailableSum(ctx, accountID)
		if err != nil {
			return err
		}
		escrow, err := tx.ActiveEscrowSum(ctx, accountID)
		if err != nil {
			return err
		}
		provisional, err := tx.ProvisionalSum(ctx, accountID)
		if err != nil {
			return err
		}
		spendable, err := tx.SpendableSum(ctx, accountID)
		if err != nil {
			return err
		}
		balance = domain.Balance{
			AccountID:    accountID,
			Settled:      withdrawable + escrow,
			Escrow:       escrow,
			Withdrawable: withdrawable,
			Provisional:  provisional,
			Spendable:    spendable,
		}
		return nil
	})
	return balance, err
}

// ─── Clawback ───────────────────────────────────────────────────────────────

// ClawbackEarning reverses an unsettled earning by lot or grant-entry
// reference. Once the lot settled — stamped or merely past the window — the
// ledger refuses with domain.ErrAlreadySettled.
func (s *Service) ClawbackEarning(ctx context.Context, ref string, amount int64, reason string) (domain.LedgerEntry, error) {
	return s.ledger.Clawback(ctx, ref, amount, reason)
}
