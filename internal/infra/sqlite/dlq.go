package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tutu-network/tally/internal/domain"
)

// ─── Dead-Letter Queue Operations ───────────────────────────────────────────

// InsertDLQ queues a failed side effect for retry.
func (tx *Tx) InsertDLQ(ctx context.Context, e domain.DLQEntry) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO dlq_entries (id, kind, payload, error_code, attempts, status, next_retry_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Kind, string(e.Payload), e.ErrorCode, e.Attempts, string(e.Status),
		fmtTime(e.NextRetryAt), fmtTime(e.CreatedAt), fmtTime(e.UpdatedAt))
	return err
}

const dlqColumns = `id, kind, payload, error_code, attempts, status, next_retry_at, created_at, updated_at`

func scanDLQ(scan func(dest ...any) error) (domain.DLQEntry, error) {
	var e domain.DLQEntry
	var payload, status, nextRetry, createdAt, updatedAt string
	err := scan(&e.ID, &e.Kind, &payload, &e.ErrorCode, &e.Attempts, &status, &nextRetry, &createdAt, &updatedAt)
	if err != nil {
		return domain.DLQEntry{}, err
	}
	e.Payload = []byte(payload)
	e.Status = domain.DLQStatus(status)
	e.NextRetryAt = parseTime(nextRetry)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

// GetDLQ looks an item up by id.
func (db *DB) GetDLQ(ctx context.Context, id string) (domain.DLQEntry, bool, error) {
	row := db.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dlq_entries WHERE id = ?`, id)
	e, err := scanDLQ(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DLQEntry{}, false, nil
	}
	if err != nil {
		return domain.DLQEntry{}, false, err
	}
	return e, true, nil
}

func collectDLQ(rows *sql.Rows) ([]domain.DLQEntry, error) {
	defer rows.Close()
	var entries []domain.DLQEntry
	for rows.Next() {
		e, err := scanDLQ(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DueDLQ returns pending items whose retry time has arrived, most overdue
// first. The retry job drains this set in batches.
func (db *DB) DueDLQ(ctx context.Context, now time.Time, limit int) ([]domain.DLQEntry, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+dlqColumns+` FROM dlq_entries
		WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY next_retry_at, id
		LIMIT ?
	`, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	return collectDLQ(rows)
}

// UpdateDLQ records the outcome of a delivery attempt.
func (tx *Tx) UpdateDLQ(ctx context.Context, id string, attempts int, status domain.DLQStatus, errorCode string, nextRetryAt, at time.Time) error {
	_, err := tx.tx.ExecContext(ctx, `
		UPDATE dlq_entries
		SET attempts = ?, status = ?, error_code = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ?
	`, attempts, string(status), errorCode, fmtTime(nextRetryAt), fmtTime(at), id)
	return err
}

// ListDLQ returns items in the given status, oldest first.
func (db *DB) ListDLQ(ctx context.Context, status domain.DLQStatus, limit int) ([]domain.DLQEntry, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+dlqColumns+` FROM dlq_entries
		WHERE status = ? ORDER BY created_at, id LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	return collectDLQ(rows)
}

// CountDLQ returns how many items sit in the given status.
func (db *DB) CountDLQ(ctx context.Context, status domain.DLQStatus) (int, error) {
	var count int
	err := db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dlq_entries WHERE status = ?
	`, string(status)).Scan(&count)
	return count, err
}
