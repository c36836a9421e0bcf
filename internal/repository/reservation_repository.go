package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/iliyamo/exam-slot-reservation/internal/model"
)

// ReservationRepo stores reservations and their slot association.  The
// association lives in the reservation_slots join table and is always
// written in the same transaction as the reservation row.  All timestamps
// are stored in UTC.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = "id, user_id, start_time, end_time, party_size, status, created_at, updated_at"

func scanReservation(row rowScanner) (model.Reservation, error) {
	var (
		r      model.Reservation
		status string
	)
	err := row.Scan(&r.ID, &r.UserID, &r.StartTime, &r.EndTime, &r.PartySize, &status, &r.CreatedAt, &r.UpdatedAt)
	r.Status = model.ReservationStatus(status)
	return r, err
}

// CreateReservation inserts res and its join rows, then fills in the
// generated ID and timestamps.
func (r *ReservationRepo) CreateReservation(ctx context.Context, res *model.Reservation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.ExecContext(ctx,
		"INSERT INTO reservations (user_id, start_time, end_time, party_size, status) VALUES (?, ?, ?, ?, ?)",
		res.UserID, res.StartTime.UTC(), res.EndTime.UTC(), res.PartySize, string(res.Status))
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	if err := insertSlotLinksTx(ctx, tx, uint64(id), res.SlotIDs); err != nil {
		return err
	}
	// Query back the timestamps filled in by column defaults
	if err := tx.QueryRowContext(ctx,
		"SELECT created_at, updated_at FROM reservations WHERE id = ?", id).
		Scan(&res.CreatedAt, &res.UpdatedAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	res.ID = uint64(id)
	return nil
}

// GetReservation loads one reservation with its slot ids.
func (r *ReservationRepo) GetReservation(ctx context.Context, id uint64) (model.Reservation, error) {
	res, err := scanReservation(r.db.QueryRowContext(ctx,
		"SELECT "+reservationColumns+" FROM reservations WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Reservation{}, ErrNotFound
		}
		return model.Reservation{}, err
	}
	links, err := r.slotLinks(ctx, []uint64{id})
	if err != nil {
		return model.Reservation{}, err
	}
	res.SlotIDs = links[id]
	return res, nil
}

// UpdateReservation overwrites the mutable columns of res.ID and replaces
// its join rows with res.SlotIDs.
func (r *ReservationRepo) UpdateReservation(ctx context.Context, res model.Reservation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var found uint64
	if err := tx.QueryRowContext(ctx, "SELECT id FROM reservations WHERE id = ? FOR UPDATE", res.ID).Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE reservations SET start_time = ?, end_time = ?, party_size = ?, status = ? WHERE id = ?",
		res.StartTime.UTC(), res.EndTime.UTC(), res.PartySize, string(res.Status), res.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM reservation_slots WHERE reservation_id = ?", res.ID); err != nil {
		return err
	}
	if err := insertSlotLinksTx(ctx, tx, res.ID, res.SlotIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ListReservations returns reservations newest first.  userID 0 lists every
// user's reservations.
func (r *ReservationRepo) ListReservations(ctx context.Context, userID uint64) ([]model.Reservation, error) {
	q := "SELECT " + reservationColumns + " FROM reservations"
	var args []any
	if userID != 0 {
		q += " WHERE user_id = ?"
		args = append(args, userID)
	}
	q += " ORDER BY created_at DESC, id DESC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reservation
	var ids []uint64
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
		ids = append(ids, res.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}
	links, err := r.slotLinks(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].SlotIDs = links[out[i].ID]
	}
	return out, nil
}

func (r *ReservationRepo) slotLinks(ctx context.Context, ids []uint64) (map[uint64][]uint64, error) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT reservation_id, slot_id FROM reservation_slots WHERE reservation_id IN ("+placeholders(len(ids))+") ORDER BY reservation_id, slot_id",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uint64][]uint64, len(ids))
	for rows.Next() {
		var resID, slotID uint64
		if err := rows.Scan(&resID, &slotID); err != nil {
			return nil, err
		}
		out[resID] = append(out[resID], slotID)
	}
	return out, rows.Err()
}

// insertSlotLinksTx writes one reservation_slots row per slot id.  An
// empty slice is a no-op.
func insertSlotLinksTx(ctx context.Context, tx *sql.Tx, reservationID uint64, slotIDs []uint64) error {
	if len(slotIDs) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("INSERT INTO reservation_slots (reservation_id, slot_id) VALUES ")
	args := make([]any, 0, len(slotIDs)*2)
	for i, sid := range slotIDs {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(?, ?)")
		args = append(args, reservationID, sid)
	}
	_, err := tx.ExecContext(ctx, b.String(), args...)
	return err
}
