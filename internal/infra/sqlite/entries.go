package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tutu-network/tally/internal/domain"
)

// ─── Ledger Entry Operations ────────────────────────────────────────────────

// InsertEntry appends a journal row. Entries are never updated or deleted;
// the UNIQUE (account, pool, seq) constraint turns a duplicated sequence
// number into an insert failure that aborts the transaction.
func (tx *Tx) InsertEntry(ctx context.Context, e domain.LedgerEntry) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account_id, pool, entry_type, amount, seq, ref, lot_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, string(e.Pool), string(e.Type), e.Amount, e.Seq, e.Ref, e.LotID, e.Note, fmtTime(e.CreatedAt))
	return err
}

const entryColumns = `id, account_id, pool, entry_type, amount, seq, ref, lot_id, note, created_at`

func scanEntry(scan func(dest ...any) error) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var pool, entryType, createdAt string
	err := scan(&e.ID, &e.AccountID, &pool, &entryType, &e.Amount, &e.Seq, &e.Ref, &e.LotID, &e.Note, &createdAt)
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	e.Pool = domain.Pool(pool)
	e.Type = domain.EntryType(entryType)
	e.CreatedAt = parseTime(createdAt)
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]domain.LedgerEntry, error) {
	defer rows.Close()
	var entries []domain.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func getEntry(ctx context.Context, q querier, id string) (domain.LedgerEntry, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, id)
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LedgerEntry{}, domain.ErrEntryNotFound
	}
	return e, err
}

// GetEntry returns one journal row by id.
func (db *DB) GetEntry(ctx context.Context, id string) (domain.LedgerEntry, error) {
	return getEntry(ctx, db.db, id)
}

func (tx *Tx) GetEntry(ctx context.Context, id string) (domain.LedgerEntry, error) {
	return getEntry(ctx, tx.tx, id)
}

// ListEntries pages through an account's journal, newest first. A non-empty
// pool narrows to that pool and orders by its sequence numbers; beforeSeq > 0
// then resumes below the last seq seen. An empty pool spans every pool as an
// activity feed ordered by posting time (sequence numbers are per pool, so
// seq pagination does not apply there).
func (db *DB) ListEntries(ctx context.Context, accountID string, pool domain.Pool, beforeSeq int64, limit int) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE account_id = ?`
	args := []any{accountID}
	order := ` ORDER BY created_at DESC, seq DESC`
	if pool != "" {
		query += ` AND pool = ?`
		args = append(args, string(pool))
		order = ` ORDER BY seq DESC`
	}
	if beforeSeq > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeSeq)
	}
	query += order + ` LIMIT ?`
	args = append(args, limit)

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// EntriesByRef returns every journal row carrying the given reference, in
// posting order. Used to replay the audit trail of one reservation, payout
// or distribution.
func (db *DB) EntriesByRef(ctx context.Context, ref string) ([]domain.LedgerEntry, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE ref = ? ORDER BY created_at, seq
	`, ref)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

// ─── Distribution Records ───────────────────────────────────────────────────

// InsertDistribution records a revenue split's gross amount so the posted
// shares can later be audited against it.
func (tx *Tx) InsertDistribution(ctx context.Context, id, ref string, gross int64, at time.Time) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO distributions (id, ref, gross, created_at)
		VALUES (?, ?, ?, ?)
	`, id, ref, gross, fmtTime(at))
	return err
}
