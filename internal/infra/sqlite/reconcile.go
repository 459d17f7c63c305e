package sqlite

import (
	"context"

	"github.com/tutu-network/tally/internal/domain"
)

// ─── Reconciliation Queries ─────────────────────────────────────────────────

// These run against the live database without taking a transaction; the
// auditor reports drift, it never corrects it.

// NonConservedLots returns lots whose buckets no longer sum to the original
// grant. The schema CHECK makes this unreachable through application writes;
// a hit means the file was modified out of band.
func (db *DB) NonConservedLots(ctx context.Context) ([]domain.Lot, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+lotColumns+` FROM lots
		WHERE available + reserved + consumed != original
		   OR available < 0 OR reserved < 0 OR consumed < 0
		ORDER BY account_id, id
	`)
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

// DistributionMismatch is a revenue split whose posted shares do not sum to
// the recorded gross.
type DistributionMismatch struct {
	ID       string
	Gross    int64
	ShareSum int64
}

// DistributionMismatches audits every distribution against its posted share
// entries and returns the ones that fail the zero-sum property.
func (db *DB) DistributionMismatches(ctx context.Context) ([]DistributionMismatch, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT d.id, d.gross, COALESCE(SUM(e.amount), 0) AS share_sum
		FROM distributions d
		LEFT JOIN ledger_entries e ON e.ref = d.id AND e.entry_type = 'distribution_share'
		GROUP BY d.id, d.gross
		HAVING d.gross != COALESCE(SUM(e.amount), 0)
		ORDER BY d.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mismatches []DistributionMismatch
	for rows.Next() {
		var m DistributionMismatch
		if err := rows.Scan(&m.ID, &m.Gross, &m.ShareSum); err != nil {
			return nil, err
		}
		mismatches = append(mismatches, m)
	}
	return mismatches, rows.Err()
}

// DepositMismatch is a recorded deposit whose lot is missing or disagrees
// with the deposited amount.
type DepositMismatch struct {
	ExternalRef string
	Amount      int64
	LotID       string
	Problem     string // "missing_lot", "amount_mismatch" or "wrong_pool"
}

// DepositMismatches audits the deposit → lot direction of the one-to-one
// correspondence.
func (db *DB) DepositMismatches(ctx context.Context) ([]DepositMismatch, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT d.external_ref, d.amount, d.lot_id, l.id IS NULL, COALESCE(l.original, 0), COALESCE(l.pool, '')
		FROM deposits d
		LEFT JOIN lots l ON l.id = d.lot_id
		WHERE l.id IS NULL OR l.original != d.amount OR l.pool != ?
		ORDER BY d.external_ref
	`, string(domain.PoolPurchased))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mismatches []DepositMismatch
	for rows.Next() {
		var m DepositMismatch
		var lotMissing bool
		var lotOriginal int64
		var lotPool string
		if err := rows.Scan(&m.ExternalRef, &m.Amount, &m.LotID, &lotMissing, &lotOriginal, &lotPool); err != nil {
			return nil, err
		}
		switch {
		case lotMissing:
			m.Problem = "missing_lot"
		case lotOriginal != m.Amount:
			m.Problem = "amount_mismatch"
		default:
			m.Problem = "wrong_pool"
		}
		mismatches = append(mismatches, m)
	}
	return mismatches, rows.Err()
}

// UnbackedPurchasedLots audits the lot → deposit direction: purchased lots
// that no deposit record accounts for.
func (db *DB) UnbackedPurchasedLots(ctx context.Context) ([]domain.Lot, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+lotColumnsPrefixed("l")+` FROM lots l
		LEFT JOIN deposits d ON d.lot_id = l.id
		WHERE l.pool = ? AND d.external_ref IS NULL
		ORDER BY l.id
	`, string(domain.PoolPurchased))
	if err != nil {
		return nil, err
	}
	return collectLots(rows)
}

func lotColumnsPrefixed(alias string) string {
	return alias + ".id, " + alias + ".account_id, " + alias + ".pool, " +
		alias + ".original, " + alias + ".available, " + alias + ".reserved, " +
		alias + ".consumed, " + alias + ".created_at, " + alias + ".settled_at"
}
