package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/exam-slot-reservation/internal/model"
)

// SlotRepo reads and mutates the slots table.  Capacity changes go through
// UpdateSlotLocked only; the remaining methods are snapshot reads and the
// bulk insert used by the slot generator.
type SlotRepo struct{ DB *sql.DB }

func NewSlotRepo(db *sql.DB) *SlotRepo { return &SlotRepo{DB: db} }

const slotColumns = "id, slot_date, slot_hour, starts_at, max_capacity, used_count, created_at, updated_at"

// insertBatch caps the number of rows per INSERT so the statement stays
// well below max_allowed_packet.
const insertBatch = 500

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(row rowScanner) (model.Slot, error) {
	var s model.Slot
	err := row.Scan(&s.ID, &s.Date, &s.Hour, &s.StartsAt, &s.MaxCapacity, &s.UsedCount, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

// UpdateSlotLocked reads slot id with SELECT ... FOR UPDATE, hands it to fn
// and writes used_count back in the same transaction.  The row lock is held
// until commit or rollback, so concurrent callers on the same slot queue up
// behind each other.
func (r *SlotRepo) UpdateSlotLocked(ctx context.Context, id uint64, fn func(*model.Slot) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	s, err := scanSlot(tx.QueryRowContext(ctx, "SELECT "+slotColumns+" FROM slots WHERE id = ? FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if err := fn(&s); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE slots SET used_count = ? WHERE id = ?", s.UsedCount, s.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ListSlotsInRange returns the slots with from <= starts_at < to.
func (r *SlotRepo) ListSlotsInRange(ctx context.Context, from, to time.Time) ([]model.Slot, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+slotColumns+" FROM slots WHERE starts_at >= ? AND starts_at < ? ORDER BY slot_date, slot_hour",
		from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

// GetSlots loads slots by id.  Unknown ids are skipped.
func (r *SlotRepo) GetSlots(ctx context.Context, ids []uint64) ([]model.Slot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+slotColumns+" FROM slots WHERE id IN ("+placeholders(len(ids))+") ORDER BY slot_date, slot_hour",
		args...)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

// CreateSlots inserts slots with INSERT IGNORE, so hours that already exist
// keep their current counters.  It returns the number of new rows.
func (r *SlotRepo) CreateSlots(ctx context.Context, slots []model.Slot) (int, error) {
	total := 0
	for start := 0; start < len(slots); start += insertBatch {
		end := start + insertBatch
		if end > len(slots) {
			end = len(slots)
		}
		batch := slots[start:end]
		var b strings.Builder
		b.WriteString("INSERT IGNORE INTO slots (slot_date, slot_hour, starts_at, max_capacity) VALUES ")
		args := make([]any, 0, len(batch)*4)
		for i, s := range batch {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString("(?, ?, ?, ?)")
			args = append(args, s.Date.Format("2006-01-02"), s.Hour, s.StartsAt.UTC(), s.MaxCapacity)
		}
		res, err := r.DB.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return total, fmt.Errorf("insert slots %d-%d: %w", start, end, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

// LastSlot returns the latest slot by (date, hour) or ErrNotFound when the
// table is empty.
func (r *SlotRepo) LastSlot(ctx context.Context) (model.Slot, error) {
	s, err := scanSlot(r.DB.QueryRowContext(ctx,
		"SELECT "+slotColumns+" FROM slots ORDER BY slot_date DESC, slot_hour DESC LIMIT 1"))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Slot{}, ErrNotFound
	}
	return s, err
}

func collectSlots(rows *sql.Rows) ([]model.Slot, error) {
	defer rows.Close()
	var out []model.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
