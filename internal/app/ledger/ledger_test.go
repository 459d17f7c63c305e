package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tutu-network/tally/internal/app/distribution"
	"github.com/tutu-network/tally/internal/domain"
	"github.com/tutu-network/tally/internal/infra/counter"
	"github.com/tutu-network/tally/internal/infra/sqlite"
)

// fakeClock lets tests move the service's idea of now.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.t = c.t.Add(d)
	return c.t
}

// captureSink records dispatched events instead of delivering them.
type captureSink struct {
	kinds    []string
	payloads [][]byte
}

func (c *captureSink) Dispatch(_ context.Context, kind string, payload []byte) {
	c.kinds = append(c.kinds, kind)
	c.payloads = append(c.payloads, payload)
}

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "tally.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := New(Config{}, db, counter.NewMemory(), nil, nil)
	s.now = clock.Now
	return s, clock
}

func mustGrant(t *testing.T, s *Service, accountID string, pool domain.Pool, amount int64) domain.LedgerEntry {
	t.Helper()
	entry, err := s.Grant(context.Background(), accountID, pool, amount, "", "")
	if err != nil {
		t.Fatalf("Grant(%s, %s, %d) error: %v", accountID, pool, amount, err)
	}
	return entry
}

func mustLot(t *testing.T, s *Service, lotID string) domain.Lot {
	t.Helper()
	lot, err := s.db.GetLot(context.Background(), lotID)
	if err != nil {
		t.Fatalf("GetLot(%s) error: %v", lotID, err)
	}
	return lot
}

func assertConserved(t *testing.T, s *Service, accountID string) {
	t.Helper()
	if err := s.CheckConservation(context.Background(), accountID); err != nil {
		t.Errorf("conservation broken for %s: %v", accountID, err)
	}
}

// ─── Grants ─────────────────────────────────────────────────────────────────

func TestGrant_MintsLotAndEntry(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	entry := mustGrant(t, s, "acct-1", domain.PoolPurchased, 2_500_000)
	if entry.Seq != 1 || entry.Amount != 2_500_000 || entry.Type != domain.EntryGrant {
		t.Errorf("entry = %+v, want grant of 2500000 at seq 1", entry)
	}
	if entry.LotID == "" {
		t.Fatal("grant entry should carry the minted lot id")
	}

	lot := mustLot(t, s, entry.LotID)
	if lot.Available != 2_500_000 || lot.Original != 2_500_000 {
		t.Errorf("lot = %+v, want fully available", lot)
	}
	if !lot.Conserved() {
		t.Error("fresh lot should be conserved")
	}

	// The account was created on first use.
	if _, err := s.Account(ctx, "acct-1"); err != nil {
		t.Errorf("Account() after grant: %v", err)
	}
}

func TestGrant_RejectsInvalidInput(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if _, err := s.Grant(ctx, "acct-1", domain.Pool("mystery"), 100, "", ""); err == nil {
		t.Error("unknown pool should be rejected")
	}
	if _, err := s.Grant(ctx, "acct-1", domain.PoolPurchased, 0, "", ""); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("zero amount error = %v, want ErrInvalidAmount", err)
	}
	if _, err := s.Grant(ctx, "acct-1", domain.PoolPurchased, -5, "", ""); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("negative amount error = %v, want ErrInvalidAmount", err)
	}
}

func TestSequences_IndependentPerPool(t *testing.T) {
	s, _ := newTestService(t)

	a := mustGrant(t, s, "acct-1", domain.PoolPurchased, 100)
	b := mustGrant(t, s, "acct-1", domain.PoolSignupBonus, 100)
	c := mustGrant(t, s, "acct-1", domain.PoolPurchased, 100)

	if a.Seq != 1 || b.Seq != 1 || c.Seq != 2 {
		t.Errorf("seqs = %d/%d/%d, want 1/1/2 (per-pool streams)", a.Seq, b.Seq, c.Seq)
	}
}

// ─── Reserve → Finalize ─────────────────────────────────────────────────────

func TestReserveFinalize_ReleasesRemainder(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	grant := mustGrant(t, s, "acct-1", domain.PoolPurchased, 10_000_000)

	r, err := s.Reserve(ctx, "acct-1", 5_000_000, 0)
	if err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	lot := mustLot(t, s, grant.LotID)
	if lot.Available != 5_000_000 || lot.Reserved != 5_000_000 {
		t.Fatalf("after reserve: available/reserved = %d/%d, want 5000000/5000000", lot.Available, lot.Reserved)
	}

	res, err := s.Finalize(ctx, r.ID, 4_500_000)
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if res.Consumed != 4_500_000 || res.Released != 500_000 || res.Shortfall != 0 {
		t.Errorf("result = consumed %d released %d shortfall %d, want 4500000/500000/0",
			res.Consumed, res.Released, res.Shortfall)
	}

	lot = mustLot(t, s, grant.LotID)
	if lot.Available != 5_500_000 || lot.Reserved != 0 || lot.Consumed != 4_500_000 {
		t.Errorf("after finalize: lot = %d/%d/%d, want 5500000/0/4500000",
			lot.Available, lot.Reserved, lot.Consumed)
	}
	assertConserved(t, s, "acct-1")

	// The journal tells the whole story, newest first.
	entries, err := s.Entries(ctx, "acct-1", domain.PoolPurchased, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	types := make([]domain.EntryType, len(entries))
	amounts := make([]int64, len(entries))
	for i, e := range entries {
		types[i] = e.Type
		amounts[i] = e.Amount
	}
	wantTypes := []domain.EntryType{domain.EntryRelease, domain.EntryFinalize, domain.EntryReserve, domain.EntryGrant}
	wantAmounts := []int64{500_000, -4_500_000, -5_000_000, 10_000_000}
	for i := range wantTypes {
		if types[i] != wantTypes[i] || amounts[i] != wantAmounts[i] {
			t.Errorf("entry[%d] = %s %d, want %s %d", i, types[i], amounts[i], wantTypes[i], wantAmounts[i])
		}
	}

	// Every reservation-scoped entry is reachable by reference.
	trail, err := s.Trail(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 3 {
		t.Errorf("trail has %d entries, want 3 (reserve, finalize, release)", len(trail))
	}
}

func TestReserve_OldestLotsFirstAcrossPools(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()

	oldest := mustGrant(t, s, "acct-1", domain.PoolSignupBonus, 300)
	clock.Advance(time.Hour)
	middle := mustGrant(t, s, "acct-1", domain.PoolPurchased, 300)
	clock.Advance(time.Hour)
	newest := mustGrant(t, s, "acct-1", domain.PoolRevenueShare, 300)

	r, err := s.Reserve(ctx, "acct-1", 500, 0)
	if err != nil {
		t.Fatalf("Reserve() error: %v", err)
	}
	if len(r.Lots) != 2 {
		t.Fatalf("draws = %d, want 2", len(r.Lots))
	}
	if r.Lots[0].LotID != oldest.LotID || r.Lots[0].Amount != 300 {
		t.Errorf("first draw = %+v, want 300 from the oldest lot", r.Lots[0])
	}
	if r.Lots[1].LotID != middle.LotID || r.Lots[1].Amount != 200 {
		t.Errorf("second draw = %+v, want 200 from the middle lot", r.Lots[1])
	}
	if got := mustLot(t, s, newest.LotID); got.Reserved != 0 {
		t.Errorf("newest lot touched: %+v", got)
	}
	assertConserved(t, s, "acct-1")
}

func TestReserve_InsufficientBalance(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	grant := mustGrant(t, s, "acct-1", domain.PoolPurchased, 100)
	_, err := s.Reserve(ctx, "acct-1", 200, 0)
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}

	// The failed reserve left no partial hold behind.
	if lot := mustLot(t, s, grant.LotID); lot.Reserved != 0 || lot.Available != 100 {
		t.Errorf("lot after failed reserve = %+v, want untouched", lot)
	}
}

func TestReserve_UnknownAccount(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.Reserve(context.Background(), "ghost", 100, 0); !errors.Is(err, domain.ErrAccountNotFound) {
		t.Errorf("error = %v, want ErrAccountNotFound", err)
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	grant := mustGrant(t, s, "acct-1", domain.PoolPurchased, 1_000)
	r, err := s.Reserve(ctx, "acct-1", 600, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Finalize(ctx, r.ID, 400); err != nil {
		t.Fatalf("first Finalize() error: %v", err)
	}

	// Replaying — even with a different amount — reports the stored outcome.
	res, err := s.Finalize(ctx, r.ID, 999)
	if err != nil {
		t.Fatalf("second Finalize() error: %v", err)
	}
	if !res.AlreadyFinalized {
		t.Error("second finalize should report AlreadyFinalized")
	}
	if res.Reservation.FinalizedAmount == nil || *res.Reservation.FinalizedAmount != 400 {
		t.Errorf("stored amount = %v, want 400", res.Reservation.FinalizedAmount)
	}

	if lot := mustLot(t, s, grant.LotID); lot.Consumed != 400 || lot.Available != 600 {
		t.Errorf("lot after replay = %+v, want unchanged 600/0/400", lot)
	}
}

func TestFinalize_ZeroReleasesWholeHold(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	grant := mustGrant(t, s, "acct-1", domain.PoolPurchased, 1_000)
	r, err := s.Reserve(ctx, "acct-1", 700, 0)
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.Finalize(ctx, r.ID, 0)
	if err != nil {
		t.Fatalf("Finalize(0) error: %v", err)
	}
	if res.Consumed != 0 || res.Released != 700 {
		t.Errorf("result = consumed %d released %d, want 0/700", res.Consumed, res.Released)
	}
	if lot := mustLot(t, s, grant.LotID); lot.Available != 1_000 || lot.Reserved != 0 || lot.Consumed != 0 {
		t.Errorf("lot = %+v, want fully restored", lot)
	}

	// Nothing was consumed, so no finalize entry posts — only the release.
	trail, _ := s.Trail(ctx, r.ID)
	for _, e := range trail {
		if e.Type == domain.EntryFinalize {
			t.Errorf("unexpected finalize entry for a zero-cost close: %+v", e)
		}
	}
}

func TestFinalize_RejectsNegative(t *testing.T) {
	s, _ := newTestService(t)
	if _, err := s.Finalize(context.Background(), "rsv_x", -1); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("error = %v, want ErrInvalidAmount", err)
	}
}

// ─── Overruns ───────────────────────────────────────────────────────────────

func TestFinalize_OverrunCoveredByAvailable(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	grant := mustGrant(t, s, "acct-1", domain.PoolPurchased, 10_000)
	r, err := s.Reserve(ctx, "acct-1", 6_000, 0)
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.Finalize(ctx, r.ID, 9_000)
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if res.Consumed != 9_000 || res.Released != 0 || res.Shortfall != 0 {
		t.Errorf("result = %d/%d/%d, want consumed 9000, no release, no shortfall",
			res.Consumed, res.Released, res.Shortfall)
	}
	if lot := mustLot(t, s, grant.LotID); lot.Available != 1_000 || lot.Consumed != 9_000 {
		t.Errorf("lot = %+v, want 1000 available / 9000 consumed", lot)
	}
	assertConserved(t, s, "acct-1")
}

func TestFinalize_OverrunSpillsToOtherLots(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()

	bonus := mustGrant(t, s, "acct-1", domain.PoolSignupBonus, 1_000)
	clock.Advance(time.Minute)
	purchased := mustGrant(t, s, "acct-1", domain.PoolPurchased, 10_000)

	r, err := s.Reserve(ctx, "acct-1", 1_000, 0) // fully drawn from the bonus lot
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Finalize(ctx, r.ID, 1_500)
	if err != nil {
		t.Fatal(err)
	}
	if res.Consumed != 1_500 || res.Shortfall != 0 {
		t.Errorf("result = %+v, want 1500 consumed with no shortfall", res)
	}

	if lot := mustLot(t, s, bonus.LotID); lot.Consumed != 1_000 || lot.Available != 0 {
		t.Errorf("bonus lot = %+v, want fully consumed", lot)
	}
	if lot := mustLot(t, s, purchased.LotID); lot.Consumed != 500 || lot.Available != 9_500 {
		t.Errorf("purchased lot = %+v, want 500 consumed", lot)
	}

	// Two pools were charged, so two finalize entries post.
	trail, _ := s.Trail(ctx, r.ID)
	finalizes := 0
	for _, e := range trail {
		if e.Type == domain.EntryFinalize {
			finalizes++
		}
	}
	if finalizes != 2 {
		t.Errorf("finalize entries = %d, want 2 (one per pool)", finalizes)
	}
	assertConserved(t, s, "acct-1")
}

func TestFinalize_OverrunShortfall(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	grant := mustGrant(t, s, "acct-1", domain.PoolPurchased, 5_000)
	r, err := s.Reserve(ctx, "acct-1", 5_000, 0)
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.Finalize(ctx, r.ID, 8_000)
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}
	if res.Consumed != 5_000 || res.Shortfall != 3_000 {
		t.Errorf("result = consumed %d shortfall %d, want 5000/3000", res.Consumed, res.Shortfall)
	}
	if lot := mustLot(t, s, grant.LotID); lot.Available != 0 || lot.Consumed != 5_000 {
		t.Errorf("lot = %+v, want everything consumed", lot)
	}

	var shortfall *domain.LedgerEntry
	trail, _ := s.Trail(ctx, r.ID)
	for i := range trail {
		if trail[i].Type == domain.EntryOverrunShortfall {
			shortfall = &trail[i]
		}
	}
	if shortfall == nil {
		t.Fatal("missing overrun_shortfall entry")
	}
	if shortfall.Amount != -3_000 {
		t.Errorf("shortfall amount = %d, want -3000", shortfall.Amount)
	}
	assertConserved(t, s, "acct-1")
}

// ─── Expiry & The Reaper ────────────────────────────────────────────────────

func TestReaper_ReleasesExpiredHolds(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()

	grant := mustGrant(t, s, "acct-1", domain.PoolPurchased, 1_000)
	r, err := s.Reserve(ctx, "acct-1", 400, 5*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// Before the TTL elapses the reaper leaves it alone.
	n, err := s.ReapExpired(ctx, clock.Advance(4*time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("early reap = %d, %v; want 0, nil", n, err)
	}

	n, err = s.ReapExpired(ctx, clock.Advance(2*time.Minute))
	if err != nil {
		t.Fatalf("ReapExpired() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}

	if lot := mustLot(t, s, grant.LotID); lot.Available != 1_000 || lot.Reserved != 0 {
		t.Errorf("lot after reap = %+v, want hold returned", lot)
	}
	got, _ := s.Reservation(ctx, r.ID)
	if got.Status != domain.ReservationExpired {
		t.Errorf("status = %q, want expired", got.Status)
	}

	// A second sweep finds nothing.
	if n, _ := s.ReapExpired(ctx, clock.Now()); n != 0 {
		t.Errorf("second reap = %d, want 0", n)
	}
	assertConserved(t, s, "acct-1")
}

func TestFinalize_AfterExpiryFails(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()

	mustGrant(t, s, "acct-1", domain.PoolPurchased, 1_000)
	r, err := s.Reserve(ctx, "acct-1", 400, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReapExpired(ctx, clock.Advance(2*time.Minute)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Finalize(ctx, r.ID, 300); !errors.Is(err, domain.ErrReservationExpired) {
		t.Errorf("error = %v, want ErrReservationExpired", err)
	}
}

func TestReaper_LosesRaceToFinalize(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()

	grant := mustGrant(t, s, "acct-1", domain.PoolPurchased, 1_000)
	r, err := s.Reserve(ctx, "acct-1", 400, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Finalize(ctx, r.ID, 300); err != nil {
		t.Fatal(err)
	}

	// The reservation expired on the clock but finalize got there first;
	// the expiry path must be a no-op.
	expired, err := s.expire(ctx, r.ID, clock.Advance(2*time.Minute))
	if err != nil {
		t.Fatalf("expire() error: %v", err)
	}
	if expired {
		t.Error("expire should lose to a completed finalize")
	}
	if lot := mustLot(t, s, grant.LotID); lot.Consumed != 300 || lot.Available != 700 {
		t.Errorf("lot = %+v, want the finalize outcome intact", lot)
	}
}

// ─── Deposits ───────────────────────────────────────────────────────────────

func TestDeposit_MintsPurchasedLotOnce(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	d1, err := s.Deposit(ctx, "acct-1", 5_000_000, "ch_001")
	if err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}
	if d1.LotID == "" || d1.Amount != 5_000_000 {
		t.Fatalf("deposit = %+v, want lot-backed 5000000", d1)
	}
	if lot := mustLot(t, s, d1.LotID); lot.Pool != domain.PoolPurchased || lot.Available != 5_000_000 {
		t.Errorf("lot = %+v, want purchased 5000000", lot)
	}

	// A redelivered webhook returns the original deposit, minting nothing.
	d2, err := s.Deposit(ctx, "acct-1", 5_000_000, "ch_001")
	if err != nil {
		t.Fatalf("replayed Deposit() error: %v", err)
	}
	if d2.LotID != d1.LotID {
		t.Errorf("replay minted a second lot: %s vs %s", d2.LotID, d1.LotID)
	}
	lots, err := s.Lots(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(lots) != 1 {
		t.Errorf("lots = %d, want 1", len(lots))
	}

	// A different reference is a different deposit.
	d3, err := s.Deposit(ctx, "acct-1", 1_000_000, "ch_002")
	if err != nil {
		t.Fatal(err)
	}
	if d3.LotID == d1.LotID {
		t.Error("distinct references should mint distinct lots")
	}
}

func TestDeposit_RejectsInvalidInput(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if _, err := s.Deposit(ctx, "acct-1", 0, "ch_003"); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Errorf("zero amount error = %v, want ErrInvalidAmount", err)
	}
	if _, err := s.Deposit(ctx, "acct-1", 100, ""); err == nil {
		t.Error("missing external ref should be rejected")
	}
}

// ─── Bonuses ────────────────────────────────────────────────────────────────

func TestApplyBonus_VerdictPaths(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	// clear grants immediately.
	res, err := s.ApplyBonus(ctx, "acct-clear", 1_000_000, domain.VerdictClear, 100)
	if err != nil {
		t.Fatalf("clear verdict error: %v", err)
	}
	if !res.Granted || res.Entry.LotID == "" {
		t.Errorf("clear result = %+v, want granted with lot", res)
	}
	if lot := mustLot(t, s, res.Entry.LotID); lot.Pool != domain.PoolSignupBonus {
		t.Errorf("bonus lot pool = %q, want signup_bonus", lot.Pool)
	}

	// flagged parks the amount without granting.
	res, err = s.ApplyBonus(ctx, "acct-flagged", 1_000_000, domain.VerdictFlagged, 4_200)
	if err != nil {
		t.Fatalf("flagged verdict error: %v", err)
	}
	if res.Granted || res.Hold == nil || res.Hold.Status != domain.BonusHeld {
		t.Errorf("flagged result = %+v, want an open hold and no grant", res)
	}
	if lots, _ := s.Lots(ctx, "acct-flagged"); len(lots) != 0 {
		t.Errorf("flagged account has %d lots, want 0", len(lots))
	}

	// withheld blocks the grant but keeps the audit trail.
	res, err = s.ApplyBonus(ctx, "acct-withheld", 1_000_000, domain.VerdictWithheld, 9_000)
	if !errors.Is(err, domain.ErrBonusBlocked) {
		t.Fatalf("withheld error = %v, want ErrBonusBlocked", err)
	}
	if res.Hold == nil || res.Hold.Status != domain.BonusRejected {
		t.Errorf("withheld result = %+v, want a rejected hold", res.Hold)
	}
	holds, err := s.BonusHolds(ctx, "acct-withheld")
	if err != nil {
		t.Fatal(err)
	}
	if len(holds) != 1 || holds[0].Status != domain.BonusRejected {
		t.Errorf("audit holds = %+v, want the rejected attempt recorded", holds)
	}
}

func TestResolveBonus_ApproveAndReject(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	flagged, err := s.ApplyBonus(ctx, "acct-1", 2_000_000, domain.VerdictFlagged, 4_000)
	if err != nil {
		t.Fatal(err)
	}

	res, err := s.ResolveBonus(ctx, flagged.Hold.ID, true)
	if err != nil {
		t.Fatalf("ResolveBonus(approve) error: %v", err)
	}
	if !res.Granted || res.Entry.Ref != flagged.Hold.ID {
		t.Errorf("result = %+v, want grant referencing the hold", res)
	}
	if lot := mustLot(t, s, res.Entry.LotID); lot.Available != 2_000_000 {
		t.Errorf("released lot = %+v, want 2000000 available", lot)
	}

	// Resolving again is refused.
	if _, err := s.ResolveBonus(ctx, flagged.Hold.ID, false); !errors.Is(err, domain.ErrBonusHoldResolved) {
		t.Errorf("double resolve error = %v, want ErrBonusHoldResolved", err)
	}

	// Rejection grants nothing.
	flagged2, err := s.ApplyBonus(ctx, "acct-2", 500_000, domain.VerdictFlagged, 4_000)
	if err != nil {
		t.Fatal(err)
	}
	res, err = s.ResolveBonus(ctx, flagged2.Hold.ID, false)
	if err != nil {
		t.Fatalf("ResolveBonus(reject) error: %v", err)
	}
	if res.Granted {
		t.Error("rejection should not grant")
	}
	if lots, _ := s.Lots(ctx, "acct-2"); len(lots) != 0 {
		t.Errorf("rejected account has %d lots, want 0", len(lots))
	}
}

// ─── Clawbacks ──────────────────────────────────────────────────────────────

func TestClawback_ByLotAndByEntryRef(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	grant := mustGrant(t, s, "acct-1", domain.PoolRevenueShare, 1_000)

	// By the grant entry's id.
	entry, err := s.Clawback(ctx, grant.ID, 400, "chargeback ch_99")
	if err != nil {
		t.Fatalf("Clawback(by entry) error: %v", err)
	}
	if entry.Amount != -400 || entry.LotID != grant.LotID {
		t.Errorf("clawback entry = %+v, want -400 on the granted lot", entry)
	}
	lot := mustLot(t, s, grant.LotID)
	if lot.Available != 600 || lot.Original != 600 {
		t.Errorf("lot = %+v, want available and original shrunk together", lot)
	}
	if !lot.Conserved() {
		t.Error("clawed-back lot must stay conserved")
	}

	// By the lot id directly.
	if _, err := s.Clawback(ctx, grant.LotID, 100, "correction"); err != nil {
		t.Fatalf("Clawback(by lot) error: %v", err)
	}
	if lot := mustLot(t, s, grant.LotID); lot.Available != 500 || lot.Original != 500 {
		t.Errorf("lot = %+v, want 500/500 after second clawback", lot)
	}

	// More than is still available cannot be reversed.
	if _, err := s.Clawback(ctx, grant.LotID, 9_999, "too much"); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("error = %v, want ErrInsufficientBalance", err)
	}
	assertConserved(t, s, "acct-1")
}

func TestClawback_SettledLotIsImmutable(t *testing.T) {
	s, clock := newTestService(t)
	ctx := context.Background()

	grant := mustGrant(t, s, "acct-1", domain.PoolRevenueShare, 1_000)

	// Stamped settled: immutable regardless of age.
	err := s.db.WithTx(ctx, func(tx *sqlite.Tx) error {
		_, err := tx.SetLotSettled(ctx, grant.LotID, clock.Now())
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Clawback(ctx, grant.LotID, 100, "late chargeback"); !errors.Is(err, domain.ErrAlreadySettled) {
		t.Errorf("error = %v, want ErrAlreadySettled", err)
	}

	// Matured but not yet stamped: still immutable.
	second := mustGrant(t, s, "acct-1", domain.PoolRevenueShare, 1_000)
	clock.Advance(49 * time.Hour)
	if _, err := s.Clawback(ctx, second.LotID, 100, "late chargeback"); !errors.Is(err, domain.ErrAlreadySettled) {
		t.Errorf("matured lot error = %v, want ErrAlreadySettled", err)
	}
}

func TestClawback_UnknownRef(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()

	if _, err := s.Clawback(ctx, "lot_ghost", 100, "x"); !errors.Is(err, domain.ErrLotNotFound) {
		t.Errorf("error = %v, want ErrLotNotFound", err)
	}
	if _, err := s.Clawback(ctx, "ent_ghost", 100, "x"); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Errorf("error = %v, want ErrEntryNotFound", err)
	}
}

// ─── Distribution Wiring ────────────────────────────────────────────────────

func distTestTable(t *testing.T) *distribution.Table {
	t.Helper()
	table, err := distribution.NewTable([]distribution.Stakeholder{
		{Name: "commons", AccountID: "acct_commons", Entity: domain.EntitySystem, Bps: 500},
		{Name: "community", AccountID: "acct_community", Entity: domain.EntityCommunity, Bps: 7000},
		{Name: "foundation", AccountID: "acct_foundation", Entity: domain.EntitySystem, Bps: 2500},
	})
	if err != nil {
		t.Fatalf("NewTable() error: %v", err)
	}
	return table
}

func TestFinalize_DistributesCollectedRevenue(t *testing.T) {
	s, _ := newTestService(t)
	s.dist = distTestTable(t)
	ctx := context.Background()

	mustGrant(t, s, "acct-1", domain.PoolPurchased, 2_000_003)
	r, err := s.Reserve(ctx, "acct-1", 1_000_003, 0)
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Finalize(ctx, r.ID, 1_000_003)
	if err != nil {
		t.Fatalf("Finalize() error: %v", err)
	}

	want := map[string]int64{
		"acct_commons":    50_000,
		"acct_community":  700_002,
		"acct_foundation": 250_001,
	}
	if len(res.Shares) != 3 {
		t.Fatalf("shares = %d, want 3", len(res.Shares))
	}
	var sum int64
	for _, share := range res.Shares {
		if share.Amount != want[share.AccountID] {
			t.Errorf("share %s = %d, want %d", share.AccountID, share.Amount, want[share.AccountID])
		}
		sum += share.Amount
	}
	if sum != 1_000_003 {
		t.Errorf("share sum = %d, want the full collected amount", sum)
	}

	// Each stakeholder received a revenue_share lot for its cut.
	for account, amount := range want {
		lots, err := s.Lots(ctx, account)
		if err != nil {
			t.Fatal(err)
		}
		if len(lots) != 1 || lots[0].Pool != domain.PoolRevenueShare || lots[0].Available != amount {
			t.Errorf("%s lots = %+v, want one revenue_share lot of %d", account, lots, amount)
		}
		assertConserved(t, s, account)
	}

	// The recorded gross matches the posted shares exactly.
	mismatches, err := s.db.DistributionMismatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mismatches) != 0 {
		t.Errorf("distribution mismatches = %+v, want none", mismatches)
	}
}

func TestFinalize_DistributesOnlyCollected(t *testing.T) {
	s, _ := newTestService(t)
	s.dist = distTestTable(t)
	ctx := context.Background()

	// The whole balance is reserved; finalizing above it leaves a shortfall
	// that must not be distributed.
	mustGrant(t, s, "acct-1", domain.PoolPurchased, 5_000)
	r, err := s.Reserve(ctx, "acct-1", 5_000, 0)
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Finalize(ctx, r.ID, 8_000)
	if err != nil {
		t.Fatal(err)
	}

	var sum int64
	for _, share := range res.Shares {
		sum += share.Amount
	}
	if sum != 5_000 {
		t.Errorf("distributed %d, want only the 5000 actually collected", sum)
	}
}

func TestFinalize_NoDistributionOnZeroCost(t *testing.T) {
	s, _ := newTestService(t)
	s.dist = distTestTable(t)
	ctx := context.Background()

	mustGrant(t, s, "acct-1", domain.PoolPurchased, 1_000)
	r, err := s.Reserve(ctx, "acct-1", 500, 0)
	if err != nil {
		t.Fatal(err)
	}
	res, err := s.Finalize(ctx, r.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Shares) != 0 {
		t.Errorf("shares = %+v, want none for a zero-cost close", res.Shares)
	}
}

// ─── Events ─────────────────────────────────────────────────────────────────

func TestFinalize_DispatchesEvent(t *testing.T) {
	s, _ := newTestService(t)
	sink := &captureSink{}
	s.events = sink
	ctx := context.Background()

	mustGrant(t, s, "acct-1", domain.PoolPurchased, 1_000)
	r, err := s.Reserve(ctx, "acct-1", 600, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Finalize(ctx, r.ID, 450); err != nil {
		t.Fatal(err)
	}

	if len(sink.kinds) != 1 || sink.kinds[0] != KindFinalize {
		t.Fatalf("dispatched kinds = %v, want [%s]", sink.kinds, KindFinalize)
	}
	var event FinalizeEvent
	if err := json.Unmarshal(sink.payloads[0], &event); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if event.ReservationID != r.ID || event.Consumed != 450 || event.Released != 150 {
		t.Errorf("event = %+v, want consumed 450 / released 150 for %s", event, r.ID)
	}
}

// ─── Draw Planning ──────────────────────────────────────────────────────────

func TestPlanDraws(t *testing.T) {
	lots := []domain.Lot{
		{ID: "lot-a", Pool: domain.PoolSignupBonus, Available: 300},
		{ID: "lot-b", Pool: domain.PoolPurchased, Available: 0},
		{ID: "lot-c", Pool: domain.PoolPurchased, Available: 500},
	}

	tests := []struct {
		name      string
		amount    int64
		wantDraws int
		wantShort int64
	}{
		{"covered by first lot", 200, 1, 0},
		{"spans lots, skips empty", 600, 2, 0},
		{"exact total", 800, 2, 0},
		{"short", 1_000, 2, 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draws, short := PlanDraws(lots, tt.amount)
			if len(draws) != tt.wantDraws || short != tt.wantShort {
				t.Errorf("PlanDraws(%d) = %d draws, short %d; want %d, %d",
					tt.amount, len(draws), short, tt.wantDraws, tt.wantShort)
			}
			var sum int64
			for _, d := range draws {
				if d.LotID == "lot-b" {
					t.Error("empty lot drawn")
				}
				sum += d.Amount
			}
			if sum != tt.amount-tt.wantShort {
				t.Errorf("draw sum = %d, want %d", sum, tt.amount-tt.wantShort)
			}
		})
	}
}
