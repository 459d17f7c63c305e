package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/tutu-network/tally/internal/domain"
)

// ─── Lot Operations ─────────────────────────────────────────────────────────

// InsertLot creates a lot row.
func (tx *Tx) InsertLot(ctx context.Context, l domain.Lot) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO lots (id, account_id, pool, original, available, reserved, consumed, created_at, settled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.AccountID, string(l.Pool), l.Original, l.Available, l.Reserved, l.Consumed,
		fmtTime(l.CreatedAt), fmtNullTime(l.SettledAt))
	return err
}

func scanLot(scan func(dest ...any) error) (domain.Lot, error) {
	var l domain.Lot
	var pool, createdAt string
	var settledAt sql.NullString
	err := scan(&l.ID, &l.AccountID, &pool, &l.Original, &l.Available, &l.Reserved, &l.Consumed, &createdAt, &settledAt)
	if err != nil {
		return domain.Lot{}, err
	}
	l.Pool = domain.Pool(pool)
	l.CreatedAt = parseTime(createdAt)
	l.SettledAt = parseNullTime(settledAt)
	return l, nil
}

const lotColumns = `id, account_id, pool, original, available, reserved, consumed, created_at, settled_at`

func getLot(ctx context.Context, q querier, id string) (domain.Lot, error) {
	row := q.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id)
	l, err := scanLot(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lot{}, domain.ErrLotNotFound
	}
	return l, err
}

// GetLot retrieves a lot, or domain.ErrLotNotFound.
func (db *DB) GetLot(ctx context.Context, id string) (domain.Lot, error) {
	return getLot(ctx, db.db, id)
}

// GetLot retrieves a lot within the transaction.
func (tx *Tx) GetLot(ctx context.Context, id string) (domain.Lot, error) {
	return getLot(ctx, tx.tx, id)
}

func collectLots(rows *sql.Rows) ([]domain.Lot, error) {
	defer rows.Close()
	var lots []domain.Lot
	for rows.Next() {
		l, err := scanLot(rows.Scan)
		if err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

// LotsForDraw returns the account's lots with spendable value in the given
// pools, oldest first. Reservations drain old grants before new ones so
// promotional credit is consumed before it would otherwise linger.
func (tx *Tx) LotsForDraw(ctx context.Context, accountID string, pools []domain.Pool) ([]domain.Lot, error) {
	if len(pools) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(pools))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(pools)+1)
	args = append(args, accountID)
	for _, p := range pools {
		args = append(args, string(p))
	}

	rows, err := tx.tx.QueryContext(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE account_id = ? AND pool IN (`+placeholders+`) AND available > 0
		ORDER BY created_at, id
	`, args...)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// SettledLotsForDraw returns the account's matured withdrawable lots with
// value left, oldest first. Payout escrow is held against these.
func (tx *Tx) SettledLotsForDraw(ctx context.Context, accountID string) ([]domain.Lot, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE account_id = ? AND pool = ? AND settled_at IS NOT NULL AND available > 0
		ORDER BY created_at, id
	`, accountID, string(domain.PoolRevenueShare))
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// LotsByAccount returns every lot the account has ever held, oldest first.
func (db *DB) LotsByAccount(ctx context.Context, accountID string) ([]domain.Lot, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+lotColumns+` FROM lots WHERE account_id = ? ORDER BY created_at, id
	`, accountID)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// UnsettledMaturedLots returns withdrawable-pool lots whose maturity window
// has elapsed (created at or before cutoff) but which have not yet been
// stamped settled. The settlement job drains this set.
func (tx *Tx) UnsettledMaturedLots(ctx context.Context, cutoff time.Time, limit int) ([]domain.Lot, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE pool = ? AND settled_at IS NULL AND created_at <= ?
		ORDER BY created_at, id
		LIMIT ?
	`, string(domain.PoolRevenueShare), fmtTime(cutoff), limit)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// ApplyLotDelta adjusts a lot's buckets in place. The schema's conservation
// CHECK rejects any delta that would leak or mint value, aborting the
// enclosing transaction.
func (tx *Tx) ApplyLotDelta(ctx context.Context, lotID string, dAvailable, dReserved, dConsumed, dOriginal int64) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE lots SET
			available = available + ?,
			reserved  = reserved  + ?,
			consumed  = consumed  + ?,
			original  = original  + ?
		WHERE id = ?
	`, dAvailable, dReserved, dConsumed, dOriginal, lotID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrLotNotFound
	}
	return nil
}

// SetLotSettled stamps the lot settled at the given time. Returns false when
// the lot was already settled, so the settlement entry posts exactly once.
func (tx *Tx) SetLotSettled(ctx context.Context, lotID string, at time.Time) (bool, error) {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE lots SET settled_at = ? WHERE id = ? AND settled_at IS NULL
	`, fmtTime(at), lotID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ─── Balance Aggregates ─────────────────────────────────────────────────────

func sumQuery(ctx context.Context, q querier, query string, args ...any) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx, query, args...).Scan(&sum)
	return sum, err
}

func spendableSum(ctx context.Context, q querier, accountID string) (int64, error) {
	return sumQuery(ctx, q, `
		SELECT COALESCE(SUM(available), 0) FROM lots
		WHERE account_id = ? AND pool IN (?, ?, ?)
	`, accountID,
		string(domain.PoolSignupBonus), string(domain.PoolPurchased), string(domain.PoolRevenueShare))
}

// SpendableSum returns the account's total available value across the
// spendable pools (everything except collected fees).
func (db *DB) SpendableSum(ctx context.Context, accountID string) (int64, error) {
	return spendableSum(ctx, db.db, accountID)
}

// SpendableSum returns the account's total available value within the
// transaction.
func (tx *Tx) SpendableSum(ctx context.Context, accountID string) (int64, error) {
	return spendableSum(ctx, tx.tx, accountID)
}

func settledAvailableSum(ctx context.Context, q querier, accountID string) (int64, error) {
	return sumQuery(ctx, q, `
		SELECT COALESCE(SUM(available), 0) FROM lots
		WHERE account_id = ? AND pool = ? AND settled_at IS NOT NULL
	`, accountID, string(domain.PoolRevenueShare))
}

// SettledAvailableSum returns the matured withdrawable value not currently
// held by escrow or a usage reservation.
func (db *DB) SettledAvailableSum(ctx context.Context, accountID string) (int64, error) {
	return settledAvailableSum(ctx, db.db, accountID)
}

// SettledAvailableSum returns the account's free matured earnings within the
// transaction.
func (tx *Tx) SettledAvailableSum(ctx context.Context, accountID string) (int64, error) {
	return settledAvailableSum(ctx, tx.tx, accountID)
}

func provisionalSum(ctx context.Context, q querier, accountID string) (int64, error) {
	return sumQuery(ctx, q, `
		SELECT COALESCE(SUM(available + reserved), 0) FROM lots
		WHERE account_id = ? AND pool = ? AND settled_at IS NULL
	`, accountID, string(domain.PoolRevenueShare))
}

// ProvisionalSum returns the account's earnings still inside the maturity
// window. Held (reserved) value counts as provisional until consumed.
func (db *DB) ProvisionalSum(ctx context.Context, accountID string) (int64, error) {
	return provisionalSum(ctx, db.db, accountID)
}

// ProvisionalSum returns the account's unmatured earnings within the
// transaction.
func (tx *Tx) ProvisionalSum(ctx context.Context, accountID string) (int64, error) {
	return provisionalSum(ctx, tx.tx, accountID)
}
