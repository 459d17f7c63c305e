package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tutu-network/tally/internal/domain"
)

// ─── Account Operations ─────────────────────────────────────────────────────

// InsertAccount creates an account row.
func (tx *Tx) InsertAccount(ctx context.Context, a domain.Account) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, entity_type, created_at)
		VALUES (?, ?, ?)
	`, a.ID, string(a.EntityType), fmtTime(a.CreatedAt))
	return err
}

func getAccount(ctx context.Context, q querier, id string) (domain.Account, error) {
	var a domain.Account
	var entityType, createdAt string
	err := q.QueryRowContext(ctx, `
		SELECT id, entity_type, created_at FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &entityType, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.ErrAccountNotFound
	}
	if err != nil {
		return domain.Account{}, err
	}
	a.EntityType = domain.EntityType(entityType)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

// GetAccount retrieves an account, or domain.ErrAccountNotFound.
func (db *DB) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, db.db, id)
}

// GetAccount retrieves an account within the transaction.
func (tx *Tx) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	return getAccount(ctx, tx.tx, id)
}

// ─── KYC Operations ─────────────────────────────────────────────────────────

// UpsertKYCLevel records the compliance collaborator's latest assessment.
func (tx *Tx) UpsertKYCLevel(ctx context.Context, accountID string, level domain.KYCLevel, at time.Time) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO kyc_levels (account_id, level, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			level      = excluded.level,
			updated_at = excluded.updated_at
	`, accountID, string(level), fmtTime(at))
	return err
}

func kycLevel(ctx context.Context, q querier, accountID string) (domain.KYCLevel, error) {
	var level string
	err := q.QueryRowContext(ctx, `
		SELECT level FROM kyc_levels WHERE account_id = ?
	`, accountID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		// Never assessed means unverified.
		return domain.KYCNone, nil
	}
	if err != nil {
		return domain.KYCNone, err
	}
	return domain.KYCLevel(level), nil
}

// KYCLevel returns the account's verification level (none when never assessed).
func (db *DB) KYCLevel(ctx context.Context, accountID string) (domain.KYCLevel, error) {
	return kycLevel(ctx, db.db, accountID)
}

// KYCLevel returns the account's verification level within the transaction.
func (tx *Tx) KYCLevel(ctx context.Context, accountID string) (domain.KYCLevel, error) {
	return kycLevel(ctx, tx.tx, accountID)
}

// KYC exposes the stored compliance view as a domain.KYCReader.
func (db *DB) KYC() domain.KYCReader {
	return kycReader{db: db}
}

type kycReader struct{ db *DB }

func (k kycReader) Level(ctx context.Context, accountID string) (domain.KYCLevel, error) {
	return k.db.KYCLevel(ctx, accountID)
}

// ─── Deposit Operations ─────────────────────────────────────────────────────

// InsertDeposit records a confirmed external payment. The external reference
// is the primary key, so replaying the same deposit fails the insert.
func (tx *Tx) InsertDeposit(ctx context.Context, d domain.Deposit) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO deposits (external_ref, account_id, amount, lot_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, d.ExternalRef, d.AccountID, d.Amount, d.LotID, fmtTime(d.CreatedAt))
	return err
}

func getDeposit(ctx context.Context, q querier, externalRef string) (domain.Deposit, bool, error) {
	var d domain.Deposit
	var createdAt string
	err := q.QueryRowContext(ctx, `
		SELECT external_ref, account_id, amount, lot_id, created_at
		FROM deposits WHERE external_ref = ?
	`, externalRef).Scan(&d.ExternalRef, &d.AccountID, &d.Amount, &d.LotID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Deposit{}, false, nil
	}
	if err != nil {
		return domain.Deposit{}, false, err
	}
	d.CreatedAt = parseTime(createdAt)
	return d, true, nil
}

// GetDeposit looks a deposit up by its processor reference.
func (db *DB) GetDeposit(ctx context.Context, externalRef string) (domain.Deposit, bool, error) {
	return getDeposit(ctx, db.db, externalRef)
}

// GetDeposit looks a deposit up within the transaction.
func (tx *Tx) GetDeposit(ctx context.Context, externalRef string) (domain.Deposit, bool, error) {
	return getDeposit(ctx, tx.tx, externalRef)
}

// ─── Bonus Hold Operations ──────────────────────────────────────────────────

// InsertBonusHold parks a bonus grant pending review.
func (tx *Tx) InsertBonusHold(ctx context.Context, b domain.BonusHold) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO bonus_holds (id, account_id, amount, verdict, score_bps, status, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.AccountID, b.Amount, string(b.Verdict), b.ScoreBps, string(b.Status),
		fmtTime(b.CreatedAt), fmtNullTime(b.ResolvedAt))
	return err
}

func scanBonusHold(row *sql.Row) (domain.BonusHold, error) {
	var b domain.BonusHold
	var verdict, status, createdAt string
	var resolvedAt sql.NullString
	err := row.Scan(&b.ID, &b.AccountID, &b.Amount, &verdict, &b.ScoreBps, &status, &createdAt, &resolvedAt)
	if err != nil {
		return domain.BonusHold{}, err
	}
	b.Verdict = domain.FraudVerdict(verdict)
	b.Status = domain.BonusStatus(status)
	b.CreatedAt = parseTime(createdAt)
	b.ResolvedAt = parseNullTime(resolvedAt)
	return b, nil
}

func getBonusHold(ctx context.Context, q querier, id string) (domain.BonusHold, error) {
	b, err := scanBonusHold(q.QueryRowContext(ctx, `
		SELECT id, account_id, amount, verdict, score_bps, status, created_at, resolved_at
		FROM bonus_holds WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BonusHold{}, domain.ErrBonusHoldNotFound
	}
	return b, err
}

// GetBonusHold retrieves a hold, or domain.ErrBonusHoldNotFound.
func (db *DB) GetBonusHold(ctx context.Context, id string) (domain.BonusHold, error) {
	return getBonusHold(ctx, db.db, id)
}

// GetBonusHold retrieves a hold within the transaction.
func (tx *Tx) GetBonusHold(ctx context.Context, id string) (domain.BonusHold, error) {
	return getBonusHold(ctx, tx.tx, id)
}

// ResolveBonusHold moves a hold out of held. Resolving an already resolved
// hold returns domain.ErrBonusHoldResolved, making the operation race-safe.
func (tx *Tx) ResolveBonusHold(ctx context.Context, id string, status domain.BonusStatus, at time.Time) error {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE bonus_holds SET status = ?, resolved_at = ?
		WHERE id = ? AND status = 'held'
	`, string(status), fmtTime(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing hold from an already resolved one.
		if _, err := tx.GetBonusHold(ctx, id); err != nil {
			return err
		}
		return domain.ErrBonusHoldResolved
	}
	return nil
}

// BonusHoldsByAccount lists an account's holds, newest first.
func (db *DB) BonusHoldsByAccount(ctx context.Context, accountID string) ([]domain.BonusHold, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, account_id, amount, verdict, score_bps, status, created_at, resolved_at
		FROM bonus_holds WHERE account_id = ? ORDER BY created_at DESC, id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holds []domain.BonusHold
	for rows.Next() {
		var b domain.BonusHold
		var verdict, status, createdAt string
		var resolvedAt sql.NullString
		if err := rows.Scan(&b.ID, &b.AccountID, &b.Amount, &verdict, &b.ScoreBps, &status, &createdAt, &resolvedAt); err != nil {
			return nil, err
		}
		b.Verdict = domain.FraudVerdict(verdict)
		b.Status = domain.BonusStatus(status)
		b.CreatedAt = parseTime(createdAt)
		b.ResolvedAt = parseNullTime(resolvedAt)
		holds = append(holds, b)
	}
	return holds, rows.Err()
}
