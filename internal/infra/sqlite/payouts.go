package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tutu-network/tally/internal/domain"
)

// ─── Payout Operations ──────────────────────────────────────────────────────

// InsertPayout creates a payout request and the lot rows its escrow is held
// against.
func (tx *Tx) InsertPayout(ctx context.Context, p domain.PayoutRequest, draws []domain.LotDraw) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO payout_requests
			(id, account_id, amount, fee, escrow, destination, kyc_level, status, treasury_version, failure_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.AccountID, p.Amount, p.Fee, p.EscrowAmount, p.Destination, string(p.KYCLevel),
		string(p.Status), p.TreasuryVersion, p.FailureReason, fmtTime(p.CreatedAt), fmtTime(p.UpdatedAt))
	if err != nil {
		return err
	}
	for _, draw := range draws {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO payout_lots (payout_id, lot_id, amount)
			VALUES (?, ?, ?)
		`, p.ID, draw.LotID, draw.Amount)
		if err != nil {
			return err
		}
	}
	return nil
}

func payoutDraws(ctx context.Context, q querier, payoutID string) ([]domain.LotDraw, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT lot_id, amount FROM payout_lots WHERE payout_id = ? ORDER BY rowid
	`, payoutID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var draws []domain.LotDraw
	for rows.Next() {
		d := domain.LotDraw{Pool: domain.PoolRevenueShare}
		if err := rows.Scan(&d.LotID, &d.Amount); err != nil {
			return nil, err
		}
		draws = append(draws, d)
	}
	return draws, rows.Err()
}

// PayoutDraws returns the per-lot escrow holds backing a payout.
func (tx *Tx) PayoutDraws(ctx context.Context, payoutID string) ([]domain.LotDraw, error) {
	return payoutDraws(ctx, tx.tx, payoutID)
}

const payoutColumns = `id, account_id, amount, fee, escrow, destination, kyc_level, status, treasury_version, failure_reason, created_at, updated_at`

func scanPayout(scan func(dest ...any) error) (domain.PayoutRequest, error) {
	var p domain.PayoutRequest
	var kycLevel, status, createdAt, updatedAt string
	err := scan(&p.ID, &p.AccountID, &p.Amount, &p.Fee, &p.EscrowAmount, &p.Destination,
		&kycLevel, &status, &p.TreasuryVersion, &p.FailureReason, &createdAt, &updatedAt)
	if err != nil {
		return domain.PayoutRequest{}, err
	}
	p.KYCLevel = domain.KYCLevel(kycLevel)
	p.Status = domain.PayoutStatus(status)
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

func getPayout(ctx context.Context, q querier, id string) (domain.PayoutRequest, error) {
	row := q.QueryRowContext(ctx, `SELECT `+payoutColumns+` FROM payout_requests WHERE id = ?`, id)
	p, err := scanPayout(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PayoutRequest{}, domain.ErrPayoutNotFound
	}
	return p, err
}

// GetPayout retrieves a payout request, or domain.ErrPayoutNotFound.
func (db *DB) GetPayout(ctx context.Context, id string) (domain.PayoutRequest, error) {
	return getPayout(ctx, db.db, id)
}

// GetPayout retrieves a payout request within the transaction.
func (tx *Tx) GetPayout(ctx context.Context, id string) (domain.PayoutRequest, error) {
	return getPayout(ctx, tx.tx, id)
}

// TransitionPayout moves a payout from one status to another. The WHERE
// clause pins the expected current status, so a concurrent transition makes
// this one report false instead of silently double-applying.
func (tx *Tx) TransitionPayout(ctx context.Context, id string, from, to domain.PayoutStatus, failureReason string, at time.Time) (bool, error) {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE payout_requests SET status = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, string(to), failureReason, fmtTime(at), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListPayouts returns an account's payout requests, newest first.
func (db *DB) ListPayouts(ctx context.Context, accountID string, limit int) ([]domain.PayoutRequest, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+payoutColumns+` FROM payout_requests
		WHERE account_id = ? ORDER BY created_at DESC, id LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows.Scan)
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// ─── Payout Aggregates ──────────────────────────────────────────────────────

func activeEscrowSum(ctx context.Context, q querier, accountID string) (int64, error) {
	return sumQuery(ctx, q, `
		SELECT COALESCE(SUM(escrow), 0) FROM payout_requests
		WHERE account_id = ? AND status IN ('pending', 'approved', 'processing')
	`, accountID)
}

// ActiveEscrowSum returns the value currently held by in-flight payouts.
func (db *DB) ActiveEscrowSum(ctx context.Context, accountID string) (int64, error) {
	return activeEscrowSum(ctx, db.db, accountID)
}

// ActiveEscrowSum returns the in-flight escrow within the transaction.
func (tx *Tx) ActiveEscrowSum(ctx context.Context, accountID string) (int64, error) {
	return activeEscrowSum(ctx, tx.tx, accountID)
}

// CompletedGrossSum returns the account's lifetime withdrawn gross. The
// verification thresholds compare against this plus the request in hand.
func (tx *Tx) CompletedGrossSum(ctx context.Context, accountID string) (int64, error) {
	return sumQuery(ctx, tx.tx, `
		SELECT COALESCE(SUM(amount), 0) FROM payout_requests
		WHERE account_id = ? AND status = 'completed'
	`, accountID)
}

// PayoutCountSince counts requests created at or after since that consumed
// rate-limit budget. Failed and cancelled requests do not count against the
// window.
func (tx *Tx) PayoutCountSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var count int
	err := tx.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payout_requests
		WHERE account_id = ? AND created_at >= ? AND status NOT IN ('failed', 'cancelled')
	`, accountID, fmtTime(since)).Scan(&count)
	return count, err
}

// ─── Treasury Operations ────────────────────────────────────────────────────

func treasuryVersion(ctx context.Context, q querier) (int64, error) {
	var version int64
	err := q.QueryRowContext(ctx, `SELECT version FROM treasury WHERE id = 1`).Scan(&version)
	return version, err
}

// TreasuryVersion returns the current treasury version.
func (db *DB) TreasuryVersion(ctx context.Context) (int64, error) {
	return treasuryVersion(ctx, db.db)
}

// TreasuryVersion returns the treasury version within the transaction.
func (tx *Tx) TreasuryVersion(ctx context.Context) (int64, error) {
	return treasuryVersion(ctx, tx.tx)
}

// BumpTreasury increments the treasury version if and only if it still equals
// expected. Returns false on a version mismatch; the caller aborts with a
// concurrency conflict.
func (tx *Tx) BumpTreasury(ctx context.Context, expected int64) (bool, error) {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE treasury SET version = version + 1 WHERE id = 1 AND version = ?
	`, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
