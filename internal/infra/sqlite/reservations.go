package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tutu-network/tally/internal/domain"
)

// ─── Reservation Operations ─────────────────────────────────────────────────

// InsertReservation creates a reservation and its per-lot draw rows.
func (tx *Tx) InsertReservation(ctx context.Context, r domain.Reservation) error {
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO reservations (id, account_id, amount, status, expires_at, finalized_amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.AccountID, r.Amount, string(r.Status), fmtTime(r.ExpiresAt), r.FinalizedAmount, fmtTime(r.CreatedAt))
	if err != nil {
		return err
	}
	for _, draw := range r.Lots {
		_, err := tx.tx.ExecContext(ctx, `
			INSERT INTO reservation_lots (reservation_id, lot_id, pool, amount)
			VALUES (?, ?, ?, ?)
		`, r.ID, draw.LotID, string(draw.Pool), draw.Amount)
		if err != nil {
			return err
		}
	}
	return nil
}

func reservationDraws(ctx context.Context, q querier, reservationID string) ([]domain.LotDraw, error) {
	// rowid order is insertion order, which is the oldest-lot-first draw
	// order the reservation was built with.
	rows, err := q.QueryContext(ctx, `
		SELECT lot_id, pool, amount FROM reservation_lots
		WHERE reservation_id = ? ORDER BY rowid
	`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var draws []domain.LotDraw
	for rows.Next() {
		var d domain.LotDraw
		var pool string
		if err := rows.Scan(&d.LotID, &pool, &d.Amount); err != nil {
			return nil, err
		}
		d.Pool = domain.Pool(pool)
		draws = append(draws, d)
	}
	return draws, rows.Err()
}

func getReservation(ctx context.Context, q querier, id string) (domain.Reservation, error) {
	var r domain.Reservation
	var status, expiresAt, createdAt string
	var finalized sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT id, account_id, amount, status, expires_at, finalized_amount, created_at
		FROM reservations WHERE id = ?
	`, id).Scan(&r.ID, &r.AccountID, &r.Amount, &status, &expiresAt, &finalized, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if err != nil {
		return domain.Reservation{}, err
	}
	r.Status = domain.ReservationStatus(status)
	r.ExpiresAt = parseTime(expiresAt)
	r.CreatedAt = parseTime(createdAt)
	if finalized.Valid {
		v := finalized.Int64
		r.FinalizedAmount = &v
	}
	r.Lots, err = reservationDraws(ctx, q, id)
	return r, err
}

// GetReservation retrieves a reservation with its per-lot draws, or
// domain.ErrReservationNotFound.
func (db *DB) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	return getReservation(ctx, db.db, id)
}

// GetReservation retrieves a reservation within the transaction.
func (tx *Tx) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	return getReservation(ctx, tx.tx, id)
}

// CloseReservation moves an open reservation to its terminal status,
// recording the actual charge when finalizing. Returns false when the
// reservation was not open, which callers use for idempotency decisions.
func (tx *Tx) CloseReservation(ctx context.Context, id string, status domain.ReservationStatus, finalized *int64) (bool, error) {
	res, err := tx.tx.ExecContext(ctx, `
		UPDATE reservations SET status = ?, finalized_amount = ?
		WHERE id = ? AND status = 'open'
	`, string(status), finalized, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ExpiredOpenReservations returns open reservations whose TTL elapsed at or
// before now, oldest deadline first. The reaper works through this set in
// batches.
func (tx *Tx) ExpiredOpenReservations(ctx context.Context, now time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := tx.tx.QueryContext(ctx, `
		SELECT id FROM reservations
		WHERE status = 'open' AND expires_at <= ?
		ORDER BY expires_at, id
		LIMIT ?
	`, fmtTime(now), limit)
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	reservations := make([]domain.Reservation, 0, len(ids))
	for _, id := range ids {
		r, err := tx.GetReservation(ctx, id)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, r)
	}
	return reservations, nil
}

// OpenReservationsOlderThan returns open reservations created at or before
// cutoff. Anything here has outlived the reaper by a wide margin and is
// flagged by reconciliation as orphaned.
func (db *DB) OpenReservationsOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Reservation, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id FROM reservations
		WHERE status = 'open' AND created_at <= ?
		ORDER BY created_at, id
	`, fmtTime(cutoff))
	if err != nil {
		return nil, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	reservations := make([]domain.Reservation, 0, len(ids))
	for _, id := range ids {
		r, err := db.GetReservation(ctx, id)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, r)
	}
	return reservations, nil
}
