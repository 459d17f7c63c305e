// Package ledger is the credit ledger core: accounts, lots, reservations
// and the append-only journal.
//
// Every mutating operation runs as one short transaction that fully commits
// or fully rolls back:
//  1. Reserve places a TTL-bounded hold, drawing oldest lots first
//  2. Finalize charges the actual cost and releases the unused remainder
//  3. The reaper returns expired holds to available balance
//  4. Grant mints new lots for bonuses, deposits and revenue shares
//  5. Clawback reverses a grant that has not yet settled
//
// Per-lot conservation (available + reserved + consumed == original) is
// maintained by construction and re-checked by the store's CHECK
// constraints, so an arithmetic slip aborts the transaction instead of
// leaking value.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/tutu-network/tally/internal/app/distribution"
	"github.com/tutu-network/tally/internal/domain"
	"github.com/tutu-network/tally/internal/infra/observability"
	"github.com/tutu-network/tally/internal/infra/sqlite"
)

// EventSink receives post-commit events. Delivery failure is the sink's
// concern (the dead-letter queue retries it); dispatching never affects the
// transaction that already committed.
type EventSink interface {
	Dispatch(ctx context.Context, kind string, payload []byte)
}

// Event kinds dispatched after commits.
const (
	KindFinalize = "ledger.finalize"
)

// FinalizeEvent is the payload dispatched after a reservation finalizes.
type FinalizeEvent struct {
	ReservationID string `json:"reservation_id"`
	AccountID     string `json:"account_id"`
	Requested     int64  `json:"requested_micros"`
	Consumed      int64  `json:"consumed_micros"`
	Released      int64  `json:"released_micros"`
	Shortfall     int64  `json:"shortfall_micros"`
}

// spendablePools are the pools a reservation may draw from, in no
// particular order; draw order is decided by lot age, not pool.
var spendablePools = []domain.Pool{
	domain.PoolSignupBonus,
	domain.PoolPurchased,
	domain.PoolRevenueShare,
}

// Config controls ledger behavior.
type Config struct {
	ReservationTTL  time.Duration // Hold TTL when the caller passes none (default: 5m)
	SettleWindow    time.Duration // Maturity window guarding clawbacks (default: 48h)
	OverrunAlertBps int64         // Alert when actual > reserved×bps/10000 (default: 20000)
	ReaperBatch     int           // Expired reservations released per sweep (default: 100)
}

// DefaultConfig returns safe ledger defaults.
func DefaultConfig() Config {
	return Config{
		ReservationTTL:  5 * time.Minute,
		SettleWindow:    48 * time.Hour,
		OverrunAlertBps: 20_000,
		ReaperBatch:     100,
	}
}

// Service owns lots and ledger entries. Sibling services post entries and
// mint lots only through it, inside transactions it is handed.
type Service struct {
	config  Config
	db      *sqlite.DB
	counter domain.Counter
	dist    *distribution.Table // nil disables revenue splitting
	events  EventSink           // nil disables post-commit events
	now     func() time.Time
}

// New creates the ledger service. dist and events may be nil.
func New(cfg Config, db *sqlite.DB, counter domain.Counter, dist *distribution.Table, events EventSink) *Service {
	def := DefaultConfig()
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = def.ReservationTTL
	}
	if cfg.SettleWindow <= 0 {
		cfg.SettleWindow = def.SettleWindow
	}
	if cfg.OverrunAlertBps <= 0 {
		cfg.OverrunAlertBps = def.OverrunAlertBps
	}
	if cfg.ReaperBatch <= 0 {
		cfg.ReaperBatch = def.ReaperBatch
	}
	return &Service{
		config:  cfg,
		db:      db,
		counter: counter,
		dist:    dist,
		events:  events,
		now:     time.Now,
	}
}

// SettleWindow exposes the maturity window shared with the settlement
// service.
func (s *Service) SettleWindow() time.Duration { return s.config.SettleWindow }

// ─── Accounts ───────────────────────────────────────────────────────────────

// EnsureAccount returns the account, creating it on first use.
func (s *Service) EnsureAccount(ctx context.Context, id string, entity domain.EntityType) (domain.Account, error) {
	if id == "" {
		return domain.Account{}, fmt.Errorf("account id required")
	}
	now := s.now().UTC()
	var account domain.Account
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		account, err = s.ensureAccount(ctx, tx, id, entity, now)
		return err
	})
	return account, err
}

// EnsureAccountTx is the in-transaction form of EnsureAccount, for sibling
// services composing account creation into their own transactions.
func (s *Service) EnsureAccountTx(ctx context.Context, tx *sqlite.Tx, id string, entity domain.EntityType, now time.Time) (domain.Account, error) {
	return s.ensureAccount(ctx, tx, id, entity, now)
}

func (s *Service) ensureAccount(ctx context.Context, tx *sqlite.Tx, id string, entity domain.EntityType, now time.Time) (domain.Account, error) {
	account, err := tx.GetAccount(ctx, id)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return domain.Account{}, err
	}
	if !domain.ValidEntityType(entity) {
		return domain.Account{}, fmt.Errorf("unknown entity type %q", entity)
	}
	account = domain.Account{ID: id, EntityType: entity, CreatedAt: now}
	if err := tx.InsertAccount(ctx, account); err != nil {
		return domain.Account{}, fmt.Errorf("create account %s: %w", id, err)
	}
	log.Printf("[ledger] created account %s (%s)", id, entity)
	return account, nil
}

// Account returns the account, or domain.ErrAccountNotFound.
func (s *Service) Account(ctx context.Context, id string) (domain.Account, error) {
	return s.db.GetAccount(ctx, id)
}

// ─── Journal Primitives ─────────────────────────────────────────────────────

// AppendEntry allocates the next per-(account, pool) sequence number through
// the atomic counter and appends the entry inside the caller's transaction.
// Sequence numbers survive a rollback, so a failed transaction may leave a
// gap; the UNIQUE constraint guarantees they never collide.
func (s *Service) AppendEntry(ctx context.Context, tx *sqlite.Tx, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	seq, err := s.counter.Increment(ctx, seqKey(e.AccountID, e.Pool), 1)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("allocate seq for %s/%s: %w", e.AccountID, e.Pool, err)
	}
	e.ID = domain.NewID(domain.IDPrefixEntry)
	e.Seq = seq
	if err := tx.InsertEntry(ctx, e); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("append %s entry: %w", e.Type, err)
	}
	return e, nil
}

// GrantLot mints a new lot and posts its grant-family entry inside the
// caller's transaction. The entry carries the lot id so the grant can later
// be clawed back by entry reference.
func (s *Service) GrantLot(ctx context.Context, tx *sqlite.Tx, accountID string, pool domain.Pool, amount int64, typ domain.EntryType, ref, note string, now time.Time) (domain.Lot, domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.Lot{}, domain.LedgerEntry{}, domain.ErrInvalidAmount
	}
	lot := domain.Lot{
		ID:        domain.NewID(domain.IDPrefixLot),
		AccountID: accountID,
		Pool:      pool,
		Original:  amount,
		Available: amount,
		CreatedAt: now,
	}
	if err := tx.InsertLot(ctx, lot); err != nil {
		return domain.Lot{}, domain.LedgerEntry{}, fmt.Errorf("mint lot: %w", err)
	}
	entry, err := s.AppendEntry(ctx, tx, domain.LedgerEntry{
		AccountID: accountID,
		Pool:      pool,
		Type:      typ,
		Amount:    amount,
		Ref:       ref,
		LotID:     lot.ID,
		Note:      note,
		CreatedAt: now,
	})
	if err != nil {
		return domain.Lot{}, domain.LedgerEntry{}, err
	}
	return lot, entry, nil
}

// Grant mints a lot for the account, creating the account on first use.
func (s *Service) Grant(ctx context.Context, accountID string, pool domain.Pool, amount int64, ref, note string) (domain.LedgerEntry, error) {
	if !domain.ValidPool(pool) {
		return domain.LedgerEntry{}, fmt.Errorf("unknown pool %q", pool)
	}
	if amount <= 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidAmount
	}
	now := s.now().UTC()
	var entry domain.LedgerEntry
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		if _, err := s.ensureAccount(ctx, tx, accountID, domain.EntityPerson, now); err != nil {
			return err
		}
		var err error
		_, entry, err = s.GrantLot(ctx, tx, accountID, pool, amount, domain.EntryGrant, ref, note, now)
		return err
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	observability.Grants.WithLabelValues(string(pool)).Inc()
	return entry, nil
}

// ─── Reserve ────────────────────────────────────────────────────────────────

// Reserve places a TTL-bounded hold of amount against the account's
// spendable lots, oldest lot first so early promotional grants drain before
// newer value. The hold is released by Finalize or by the reaper once the
// TTL elapses.
func (s *Service) Reserve(ctx context.Context, accountID string, amount int64, ttl time.Duration) (domain.Reservation, error) {
	if amount <= 0 {
		return domain.Reservation{}, domain.ErrInvalidAmount
	}
	if ttl <= 0 {
		ttl = s.config.ReservationTTL
	}
	now := s.now().UTC()

	var reservation domain.Reservation
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		lots, err := tx.LotsForDraw(ctx, accountID, spendablePools)
		if err != nil {
			return fmt.Errorf("load lots: %w", err)
		}
		draws, short := PlanDraws(lots, amount)
		if short > 0 {
			return domain.ErrInsufficientBalance
		}
		if err := s.HoldLots(ctx, tx, draws); err != nil {
			return err
		}

		reservation = domain.Reservation{
			ID:        domain.NewID(domain.IDPrefixReservation),
			AccountID: accountID,
			Amount:    amount,
			Status:    domain.ReservationOpen,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
			Lots:      draws,
		}
		if err := tx.InsertReservation(ctx, reservation); err != nil {
			return fmt.Errorf("persist reservation: %w", err)
		}

		held := totalsByPool(draws)
		return held.each(func(pool domain.Pool, total int64) error {
			_, err := s.AppendEntry(ctx, tx, domain.LedgerEntry{
				AccountID: accountID,
				Pool:      pool,
				Type:      domain.EntryReserve,
				Amount:    -total,
				Ref:       reservation.ID,
				CreatedAt: now,
			})
			return err
		})
	})
	if err != nil {
		observability.Reserves.WithLabelValues(reserveOutcome(err)).Inc()
		return domain.Reservation{}, err
	}
	observability.Reserves.WithLabelValues("ok").Inc()
	return reservation, nil
}

func reserveOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, domain.ErrAccountNotFound):
		return "account_not_found"
	default:
		return "error"
	}
}

// Reservation returns the reservation with its per-lot draws.
func (s *Service) Reservation(ctx context.Context, id string) (domain.Reservation, error) {
	return s.db.GetReservation(ctx, id)
}

// ─── Finalize ───────────────────────────────────────────────────────────────

// FinalizeResult describes what a finalize actually did.
type FinalizeResult struct {
	Reservation      domain.Reservation   `json:"reservation"`
	Consumed         int64                `json:"consumed_micros"`  // Cost charged against lots
	Released         int64                `json:"released_micros"`  // Unused hold returned
	Shortfall        int64                `json:"shortfall_micros"` // Overrun no balance could cover
	AlreadyFinalized bool                 `json:"already_finalized"`
	Shares           []distribution.Share `json:"shares,omitempty"` // Revenue split, when configured
}

// Finalize charges the actual cost against the reservation and releases the
// remainder of the hold. It is idempotent: finalizing an already-finalized
// reservation reports the stored outcome instead of erroring.
//
// A cost overrun (actual above the reserved amount) draws the excess from
// the account's remaining available balance, oldest lot first. Whatever the
// balance cannot cover is posted as an overrun_shortfall entry and alerted;
// the charge itself is never reversed, because recording true cost beats
// silently under-billing.
func (s *Service) Finalize(ctx context.Context, reservationID string, actual int64) (FinalizeResult, error) {
	if actual < 0 {
		return FinalizeResult{}, domain.ErrInvalidAmount
	}
	now := s.now().UTC()

	var res FinalizeResult
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		r, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		switch r.Status {
		case domain.ReservationFinalized:
			res = FinalizeResult{Reservation: r, AlreadyFinalized: true}
			return nil
		case domain.ReservationExpired:
			return domain.ErrReservationExpired
		}

		closed, err := tx.CloseReservation(ctx, reservationID, domain.ReservationFinalized, &actual)
		if err != nil {
			return fmt.Errorf("close reservation: %w", err)
		}
		if !closed {
			r, err = tx.GetReservation(ctx, reservationID)
			if err != nil {
				return err
			}
			if r.Status == domain.ReservationFinalized {
				res = FinalizeResult{Reservation: r, AlreadyFinalized: true}
				return nil
			}
			return domain.ErrReservationExpired
		}

		// Consume the hold in draw order; any unused remainder of each
		// draw goes back to its lot's available bucket.
		consumed := newPoolTotals()
		released := newPoolTotals()
		deltas := make([]lotDelta, 0, len(r.Lots))
		remaining := actual
		var totalReleased int64
		for _, d := range r.Lots {
			take := d.Amount
			if take > remaining {
				take = remaining
			}
			remaining -= take
			back := d.Amount - take
			totalReleased += back
			deltas = append(deltas, lotDelta{lotID: d.LotID, available: back, reserved: -d.Amount, consumed: take})
			consumed.add(d.Pool, take)
			released.add(d.Pool, back)
		}

		// Overrun: charge the excess against whatever is still available.
		if remaining > 0 {
			lots, err := tx.LotsForDraw(ctx, r.AccountID, spendablePools)
			if err != nil {
				return fmt.Errorf("load overrun lots: %w", err)
			}
			extra, short := PlanDraws(lots, remaining)
			for _, d := range extra {
				deltas = append(deltas, lotDelta{lotID: d.LotID, available: -d.Amount, consumed: d.Amount})
				consumed.add(d.Pool, d.Amount)
			}
			remaining = short
		}

		if err := applyDeltas(ctx, tx, deltas); err != nil {
			return err
		}

		err = consumed.each(func(pool domain.Pool, total int64) error {
			_, err := s.AppendEntry(ctx, tx, domain.LedgerEntry{
				AccountID: r.AccountID,
				Pool:      pool,
				Type:      domain.EntryFinalize,
				Amount:    -total,
				Ref:       r.ID,
				CreatedAt: now,
			})
			return err
		})
		if err != nil {
			return err
		}
		err = released.each(func(pool domain.Pool, total int64) error {
			_, err := s.AppendEntry(ctx, tx, domain.LedgerEntry{
				AccountID: r.AccountID,
				Pool:      pool,
				Type:      domain.EntryRelease,
				Amount:    total,
				Ref:       r.ID,
				CreatedAt: now,
			})
			return err
		})
		if err != nil {
			return err
		}
		if remaining > 0 {
			_, err := s.AppendEntry(ctx, tx, domain.LedgerEntry{
				AccountID: r.AccountID,
				Pool:      r.Lots[0].Pool,
				Type:      domain.EntryOverrunShortfall,
				Amount:    -remaining,
				Ref:       r.ID,
				Note:      "cost overrun exceeded available balance",
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
		}

		collected := actual - remaining
		shares, err := s.distribute(ctx, tx, r.ID, collected, now)
		if err != nil {
			return err
		}

		finalized := actual
		r.Status = domain.ReservationFinalized
		r.FinalizedAmount = &finalized
		res = FinalizeResult{
			Reservation: r,
			Consumed:    collected,
			Released:    totalReleased,
			Shortfall:   remaining,
			Shares:      shares,
		}
		return nil
	})

	switch {
	case errors.Is(err, domain.ErrReservationExpired):
		observability.Finalizes.WithLabelValues("expired").Inc()
		return FinalizeResult{}, err
	case err != nil:
		observability.Finalizes.WithLabelValues("error").Inc()
		return FinalizeResult{}, err
	case res.AlreadyFinalized:
		observability.Finalizes.WithLabelValues("idempotent").Inc()
		return res, nil
	}

	outcome := "ok"
	if actual > res.Reservation.Amount {
		outcome = "overrun"
	}
	observability.Finalizes.WithLabelValues(outcome).Inc()
	if res.Shortfall > 0 {
		observability.OverrunShortfall.Add(float64(res.Shortfall))
		log.Printf("[ledger] overrun shortfall: reservation %s left %s uncovered",
			reservationID, domain.FormatMicros(res.Shortfall))
	}
	if alertAt := domain.ApplyBps(res.Reservation.Amount, s.config.OverrunAlertBps); actual > alertAt {
		log.Printf("[ledger] overrun alert: reservation %s reserved %s, charged %s",
			reservationID, domain.FormatMicros(res.Reservation.Amount), domain.FormatMicros(actual))
	}
	if len(res.Shares) > 0 {
		observability.Distributions.Inc()
		observability.DistributedMicros.Add(float64(res.Consumed))
	}
	if s.events != nil {
		payload, _ := json.Marshal(FinalizeEvent{
			ReservationID: reservationID,
			AccountID:     res.Reservation.AccountID,
			Requested:     res.Reservation.Amount,
			Consumed:      res.Consumed,
			Released:      res.Released,
			Shortfall:     res.Shortfall,
		})
		s.events.Dispatch(ctx, KindFinalize, payload)
	}
	return res, nil
}

// distribute splits a collected charge across the configured stakeholders
// inside the finalize transaction. Shares floored to zero post nothing.
func (s *Service) distribute(ctx context.Context, tx *sqlite.Tx, ref string, collected int64, now time.Time) ([]distribution.Share, error) {
	if s.dist == nil || collected <= 0 {
		return nil, nil
	}
	distID := domain.NewID(domain.IDPrefixDistribute)
	if err := tx.InsertDistribution(ctx, distID, ref, collected, now); err != nil {
		return nil, fmt.Errorf("record distribution: %w", err)
	}
	shares := s.dist.Split(collected)
	for _, share := range shares {
		if share.Amount == 0 {
			continue
		}
		if _, err := s.ensureAccount(ctx, tx, share.AccountID, share.Entity, now); err != nil {
			return nil, err
		}
		_, _, err := s.GrantLot(ctx, tx, share.AccountID, domain.PoolRevenueShare, share.Amount,
			domain.EntryDistributionShare, distID, share.Name, now)
		if err != nil {
			return nil, err
		}
	}
	return shares, nil
}

// ─── Reaper ─────────────────────────────────────────────────────────────────

// ReapExpired releases open reservations whose TTL elapsed at or before now.
// Each release is its own short transaction guarded by the reservation's
// open status, so racing a late finalize is safe: whichever closes the row
// first wins and the loser is a no-op.
func (s *Service) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	var due []domain.Reservation
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		due, err = tx.ExpiredOpenReservations(ctx, now, s.config.ReaperBatch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}

	reaped := 0
	for _, r := range due {
		expired, err := s.expire(ctx, r.ID, now)
		if err != nil {
			return reaped, fmt.Errorf("expire %s: %w", r.ID, err)
		}
		if expired {
			reaped++
		}
	}
	if reaped > 0 {
		observability.ReservationsReaped.Add(float64(reaped))
		log.Printf("[ledger] reaper released %d expired reservations", reaped)
	}
	return reaped, nil
}

func (s *Service) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	expired := false
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		closed, err := tx.CloseReservation(ctx, id, domain.ReservationExpired, nil)
		if err != nil {
			return err
		}
		if !closed {
			return nil // finalize won the race
		}
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return err
		}

		if err := s.ReleaseLots(ctx, tx, r.Lots); err != nil {
			return err
		}

		held := totalsByPool(r.Lots)
		err = held.each(func(pool domain.Pool, total int64) error {
			_, err := s.AppendEntry(ctx, tx, domain.LedgerEntry{
				AccountID: r.AccountID,
				Pool:      pool,
				Type:      domain.EntryRelease,
				Amount:    total,
				Ref:       r.ID,
				Note:      "reservation expired",
				CreatedAt: now,
			})
			return err
		})
		if err != nil {
			return err
		}
		expired = true
		return nil
	})
	return expired, err
}

// ─── Clawback ───────────────────────────────────────────────────────────────

// Clawback reverses up to the still-available part of a grant that has not
// yet settled. ref may be a lot id or the id of the grant-family entry that
// minted it. The lot's available and original shrink together, so
// conservation holds at every instant; once the maturity window has elapsed
// the grant is immutable and the call fails with domain.ErrAlreadySettled.
func (s *Service) Clawback(ctx context.Context, ref string, amount int64, reason string) (domain.LedgerEntry, error) {
	if amount <= 0 {
		return domain.LedgerEntry{}, domain.ErrInvalidAmount
	}
	now := s.now().UTC()

	var entry domain.LedgerEntry
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		lotID := ref
		if strings.HasPrefix(ref, domain.IDPrefixEntry+"_") {
			e, err := tx.GetEntry(ctx, ref)
			if err != nil {
				return err
			}
			if e.LotID == "" {
				return fmt.Errorf("entry %s references no lot: %w", ref, domain.ErrLotNotFound)
			}
			lotID = e.LotID
		}
		lot, err := tx.GetLot(ctx, lotID)
		if err != nil {
			return err
		}
		if lot.SettledAt != nil || lot.Matured(s.config.SettleWindow, now) {
			return domain.ErrAlreadySettled
		}
		if lot.Available < amount {
			return fmt.Errorf("lot %s holds %s of %s requested: %w",
				lot.ID, domain.FormatMicros(lot.Available), domain.FormatMicros(amount), domain.ErrInsufficientBalance)
		}
		if err := tx.ApplyLotDelta(ctx, lot.ID, -amount, 0, 0, -amount); err != nil {
			return fmt.Errorf("shrink lot %s: %w", lot.ID, err)
		}
		entry, err = s.AppendEntry(ctx, tx, domain.LedgerEntry{
			AccountID: lot.AccountID,
			Pool:      lot.Pool,
			Type:      domain.EntryClawback,
			Amount:    -amount,
			Ref:       ref,
			LotID:     lot.ID,
			Note:      reason,
			CreatedAt: now,
		})
		return err
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	observability.Clawbacks.Inc()
	log.Printf("[ledger] clawed back %s from %s (%s)", domain.FormatMicros(amount), entry.LotID, reason)
	return entry, nil
}

// ─── Deposits ───────────────────────────────────────────────────────────────

// Deposit turns a confirmed external payment into a purchased lot, exactly
// once per external reference. Redelivered webhooks get the original result
// back. The counter claim serializes concurrent redeliveries cheaply; the
// deposits primary key stays the durable guard if a claimed attempt crashed
// before its transaction committed.
func (s *Service) Deposit(ctx context.Context, accountID string, amount int64, externalRef string) (domain.Deposit, error) {
	if amount <= 0 {
		return domain.Deposit{}, domain.ErrInvalidAmount
	}
	if externalRef == "" {
		return domain.Deposit{}, fmt.Errorf("deposit external ref required")
	}

	if d, ok, err := s.db.GetDeposit(ctx, externalRef); err != nil {
		return domain.Deposit{}, fmt.Errorf("check deposit: %w", err)
	} else if ok {
		return d, nil
	}

	claimed, err := s.counter.CompareAndSwap(ctx, depositKey(externalRef), 0, 1)
	if err != nil {
		return domain.Deposit{}, fmt.Errorf("claim deposit %s: %w", externalRef, err)
	}
	if !claimed {
		if d, ok, err := s.db.GetDeposit(ctx, externalRef); err != nil {
			return domain.Deposit{}, fmt.Errorf("check deposit: %w", err)
		} else if ok {
			return d, nil
		}
		log.Printf("[ledger] deposit %s: replaying claimed but unrecorded attempt", externalRef)
	}

	now := s.now().UTC()
	var deposit domain.Deposit
	err = s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		if _, ok, err := tx.GetDeposit(ctx, externalRef); err != nil {
			return err
		} else if ok {
			return domain.ErrDuplicateDeposit
		}
		if _, err := s.ensureAccount(ctx, tx, accountID, domain.EntityPerson, now); err != nil {
			return err
		}
		lot, _, err := s.GrantLot(ctx, tx, accountID, domain.PoolPurchased, amount,
			domain.EntryGrant, externalRef, "external deposit", now)
		if err != nil {
			return err
		}
		deposit = domain.Deposit{
			ExternalRef: externalRef,
			AccountID:   accountID,
			Amount:      amount,
			LotID:       lot.ID,
			CreatedAt:   now,
		}
		return tx.InsertDeposit(ctx, deposit)
	})
	if errors.Is(err, domain.ErrDuplicateDeposit) {
		d, _, getErr := s.db.GetDeposit(ctx, externalRef)
		if getErr != nil {
			return domain.Deposit{}, getErr
		}
		return d, nil
	}
	if err != nil {
		return domain.Deposit{}, err
	}
	observability.Grants.WithLabelValues(string(domain.PoolPurchased)).Inc()
	return deposit, nil
}

// ─── Bonuses ────────────────────────────────────────────────────────────────

// BonusResult describes how a bonus application or resolution landed.
type BonusResult struct {
	Granted bool               `json:"granted"`
	Entry   domain.LedgerEntry `json:"entry,omitempty"`
	Hold    *domain.BonusHold  `json:"hold,omitempty"`
}

// ApplyBonus applies a signup bonus gated by the fraud collaborator's
// verdict: clear grants immediately, flagged parks the amount for manual
// review, withheld records the attempt and blocks it.
func (s *Service) ApplyBonus(ctx context.Context, accountID string, amount int64, verdict domain.FraudVerdict, scoreBps int64) (BonusResult, error) {
	if amount <= 0 {
		return BonusResult{}, domain.ErrInvalidAmount
	}
	if !domain.ValidFraudVerdict(verdict) {
		return BonusResult{}, fmt.Errorf("unknown fraud verdict %q", verdict)
	}
	now := s.now().UTC()

	var res BonusResult
	blocked := false
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		if _, err := s.ensureAccount(ctx, tx, accountID, domain.EntityPerson, now); err != nil {
			return err
		}
		switch verdict {
		case domain.VerdictClear:
			_, entry, err := s.GrantLot(ctx, tx, accountID, domain.PoolSignupBonus, amount,
				domain.EntryGrant, "", "signup bonus", now)
			if err != nil {
				return err
			}
			res = BonusResult{Granted: true, Entry: entry}
			return nil

		case domain.VerdictFlagged:
			hold := domain.BonusHold{
				ID:        domain.NewID(domain.IDPrefixBonus),
				AccountID: accountID,
				Amount:    amount,
				Verdict:   verdict,
				ScoreBps:  scoreBps,
				Status:    domain.BonusHeld,
				CreatedAt: now,
			}
			if err := tx.InsertBonusHold(ctx, hold); err != nil {
				return fmt.Errorf("hold bonus: %w", err)
			}
			res = BonusResult{Hold: &hold}
			return nil

		default: // withheld: keep the audit row, block the grant
			resolved := now
			hold := domain.BonusHold{
				ID:         domain.NewID(domain.IDPrefixBonus),
				AccountID:  accountID,
				Amount:     amount,
				Verdict:    verdict,
				ScoreBps:   scoreBps,
				Status:     domain.BonusRejected,
				CreatedAt:  now,
				ResolvedAt: &resolved,
			}
			if err := tx.InsertBonusHold(ctx, hold); err != nil {
				return fmt.Errorf("record blocked bonus: %w", err)
			}
			res = BonusResult{Hold: &hold}
			blocked = true
			return nil
		}
	})
	if err != nil {
		return BonusResult{}, err
	}
	if blocked {
		return res, domain.ErrBonusBlocked
	}
	if res.Granted {
		observability.Grants.WithLabelValues(string(domain.PoolSignupBonus)).Inc()
	}
	return res, nil
}

// ResolveBonus closes a held bonus after manual review, granting it when
// approved. Resolving twice fails with domain.ErrBonusHoldResolved.
func (s *Service) ResolveBonus(ctx context.Context, holdID string, approve bool) (BonusResult, error) {
	now := s.now().UTC()

	var res BonusResult
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		hold, err := tx.GetBonusHold(ctx, holdID)
		if err != nil {
			return err
		}
		status := domain.BonusRejected
		if approve {
			status = domain.BonusReleased
		}
		if err := tx.ResolveBonusHold(ctx, holdID, status, now); err != nil {
			return err
		}
		hold.Status = status
		hold.ResolvedAt = &now
		res.Hold = &hold

		if approve {
			_, entry, err := s.GrantLot(ctx, tx, hold.AccountID, domain.PoolSignupBonus, hold.Amount,
				domain.EntryGrant, holdID, "bonus released after review", now)
			if err != nil {
				return err
			}
			res.Granted = true
			res.Entry = entry
		}
		return nil
	})
	if err != nil {
		return BonusResult{}, err
	}
	if res.Granted {
		observability.Grants.WithLabelValues(string(domain.PoolSignupBonus)).Inc()
	}
	return res, nil
}

// BonusHolds lists the account's bonus holds, newest first.
func (s *Service) BonusHolds(ctx context.Context, accountID string) ([]domain.BonusHold, error) {
	return s.db.BonusHoldsByAccount(ctx, accountID)
}

// ─── Reads & Invariants ─────────────────────────────────────────────────────

// Entries pages through the account's journal, newest first. An empty pool
// spans every pool; beforeSeq pagination needs a single pool, because
// sequence numbers are assigned per (account, pool).
func (s *Service) Entries(ctx context.Context, accountID string, pool domain.Pool, beforeSeq int64, limit int) ([]domain.LedgerEntry, error) {
	if pool != "" && !domain.ValidPool(pool) {
		return nil, fmt.Errorf("unknown pool %q", pool)
	}
	if pool == "" && beforeSeq > 0 {
		return nil, fmt.Errorf("before_seq pagination requires a pool")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.db.ListEntries(ctx, accountID, pool, beforeSeq, limit)
}

// Trail returns every entry referencing the given reservation, distribution,
// payout or deposit, in posting order.
func (s *Service) Trail(ctx context.Context, ref string) ([]domain.LedgerEntry, error) {
	return s.db.EntriesByRef(ctx, ref)
}

// Lots returns every lot the account has ever held, oldest first.
func (s *Service) Lots(ctx context.Context, accountID string) ([]domain.Lot, error) {
	return s.db.LotsByAccount(ctx, accountID)
}

// CheckConservation verifies every lot's conservation equation and the
// account's non-negative available sum. Callable at any time.
func (s *Service) CheckConservation(ctx context.Context, accountID string) error {
	lots, err := s.db.LotsByAccount(ctx, accountID)
	if err != nil {
		return err
	}
	var available int64
	for _, lot := range lots {
		if !lot.Conserved() {
			return fmt.Errorf("lot %s: %d+%d+%d != %d: %w",
				lot.ID, lot.Available, lot.Reserved, lot.Consumed, lot.Original, domain.ErrInvariantViolation)
		}
		available += lot.Available
	}
	if available < 0 {
		return fmt.Errorf("account %s: available sum %d: %w", accountID, available, domain.ErrInvariantViolation)
	}
	return nil
}

// ─── Draw Planning ──────────────────────────────────────────────────────────

// PlanDraws allocates amount across lots in the order given, returning the
// per-lot draws and whatever could not be covered.
func PlanDraws(lots []domain.Lot, amount int64) ([]domain.LotDraw, int64) {
	var draws []domain.LotDraw
	remaining := amount
	for _, lot := range lots {
		if remaining == 0 {
			break
		}
		take := lot.Available
		if take > remaining {
			take = remaining
		}
		if take == 0 {
			continue
		}
		draws = append(draws, domain.LotDraw{LotID: lot.ID, Pool: lot.Pool, Amount: take})
		remaining -= take
	}
	return draws, remaining
}

// HoldLots moves each drawn amount from available to reserved. Sibling
// services use it to place escrow-style holds inside their own transactions.
func (s *Service) HoldLots(ctx context.Context, tx *sqlite.Tx, draws []domain.LotDraw) error {
	deltas := make([]lotDelta, 0, len(draws))
	for _, d := range draws {
		deltas = append(deltas, lotDelta{lotID: d.LotID, available: -d.Amount, reserved: d.Amount})
	}
	return applyDeltas(ctx, tx, deltas)
}

// ReleaseLots returns each drawn amount from reserved to available.
func (s *Service) ReleaseLots(ctx context.Context, tx *sqlite.Tx, draws []domain.LotDraw) error {
	deltas := make([]lotDelta, 0, len(draws))
	for _, d := range draws {
		deltas = append(deltas, lotDelta{lotID: d.LotID, available: d.Amount, reserved: -d.Amount})
	}
	return applyDeltas(ctx, tx, deltas)
}

// ConsumeLots moves each drawn amount from reserved to consumed, the terminal
// bucket. Used when a held amount is paid out for good.
func (s *Service) ConsumeLots(ctx context.Context, tx *sqlite.Tx, draws []domain.LotDraw) error {
	deltas := make([]lotDelta, 0, len(draws))
	for _, d := range draws {
		deltas = append(deltas, lotDelta{lotID: d.LotID, reserved: -d.Amount, consumed: d.Amount})
	}
	return applyDeltas(ctx, tx, deltas)
}

// lotDelta is one pending bucket adjustment. Deltas are applied in lot-id
// order so concurrent writers touching the same lots cannot deadlock.
type lotDelta struct {
	lotID     string
	available int64
	reserved  int64
	consumed  int64
}

func applyDeltas(ctx context.Context, tx *sqlite.Tx, deltas []lotDelta) error {
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].lotID < deltas[j].lotID })
	for _, d := range deltas {
		if err := tx.ApplyLotDelta(ctx, d.lotID, d.available, d.reserved, d.consumed, 0); err != nil {
			return fmt.Errorf("adjust lot %s: %w", d.lotID, err)
		}
	}
	return nil
}

// poolTotals accumulates per-pool amounts in first-seen order, so the
// per-pool journal entries of one operation post deterministically.
type poolTotals struct {
	order  []domain.Pool
	totals map[domain.Pool]int64
}

func newPoolTotals() *poolTotals {
	return &poolTotals{totals: make(map[domain.Pool]int64)}
}

func (p *poolTotals) add(pool domain.Pool, amount int64) {
	if amount == 0 {
		return
	}
	if _, ok := p.totals[pool]; !ok {
		p.order = append(p.order, pool)
	}
	p.totals[pool] += amount
}

func (p *poolTotals) each(fn func(pool domain.Pool, total int64) error) error {
	for _, pool := range p.order {
		if err := fn(pool, p.totals[pool]); err != nil {
			return err
		}
	}
	return nil
}

func totalsByPool(draws []domain.LotDraw) *poolTotals {
	t := newPoolTotals()
	for _, d := range draws {
		t.add(d.Pool, d.Amount)
	}
	return t
}

// ─── Counter Keys ───────────────────────────────────────────────────────────

func seqKey(accountID string, pool domain.Pool) string {
	return "seq|" + accountID + "|" + string(pool)
}

func depositKey(externalRef string) string {
	return "dep|" + externalRef
}
