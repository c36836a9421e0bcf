package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/exam-slot-reservation/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return db, mock
}

var (
	slotCols = []string{"id", "slot_date", "slot_hour", "starts_at", "max_capacity", "used_count", "created_at", "updated_at"}
	resCols  = []string{"id", "user_id", "start_time", "end_time", "party_size", "status", "created_at", "updated_at"}
	d        = time.Date(2030, 5, 6, 0, 0, 0, 0, time.UTC)
)

func TestSlotRepo_UpdateSlotLockedCommits(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSlotRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + slotColumns + " FROM slots WHERE id = ? FOR UPDATE")).
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows(slotCols).AddRow(7, d, 9, d.Add(9*time.Hour), 10, 4, d, d))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE slots SET used_count = ? WHERE id = ?")).
		WithArgs(6, uint64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.UpdateSlotLocked(context.Background(), 7, func(s *model.Slot) error {
		if s.UsedCount != 4 || s.MaxCapacity != 10 {
			t.Fatalf("unexpected row %+v", s)
		}
		s.UsedCount += 2
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestSlotRepo_UpdateSlotLockedRollsBackOnReject(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSlotRepo(db)
	reject := errors.New("over capacity")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM slots WHERE id = ? FOR UPDATE")).
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows(slotCols).AddRow(7, d, 9, d.Add(9*time.Hour), 10, 10, d, d))
	mock.ExpectRollback()

	err := repo.UpdateSlotLocked(context.Background(), 7, func(*model.Slot) error { return reject })
	if !errors.Is(err, reject) {
		t.Fatalf("expected fn error, got %v", err)
	}
}

func TestSlotRepo_UpdateSlotLockedNotFound(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSlotRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM slots WHERE id = ? FOR UPDATE")).
		WithArgs(uint64(9)).
		WillReturnRows(sqlmock.NewRows(slotCols))
	mock.ExpectRollback()

	err := repo.UpdateSlotLocked(context.Background(), 9, func(*model.Slot) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSlotRepo_ListAndGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSlotRepo(db)
	from, to := d.Add(9*time.Hour), d.Add(11*time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("FROM slots WHERE starts_at >= ? AND starts_at < ? ORDER BY slot_date, slot_hour")).
		WithArgs(from, to).
		WillReturnRows(sqlmock.NewRows(slotCols).
			AddRow(1, d, 9, from, 10, 0, d, d).
			AddRow(2, d, 10, from.Add(time.Hour), 10, 3, d, d))
	got, err := repo.ListSlotsInRange(context.Background(), from, to)
	if err != nil || len(got) != 2 || got[1].UsedCount != 3 {
		t.Fatalf("unexpected list result %+v (%v)", got, err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM slots WHERE id IN (?, ?) ORDER BY slot_date, slot_hour")).
		WithArgs(uint64(2), uint64(1)).
		WillReturnRows(sqlmock.NewRows(slotCols).AddRow(1, d, 9, from, 10, 0, d, d))
	got, err = repo.GetSlots(context.Background(), []uint64{2, 1})
	if err != nil || len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("unexpected get result %+v (%v)", got, err)
	}
}

func TestSlotRepo_CreateSlotsInsertIgnore(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSlotRepo(db)
	slots := []model.Slot{
		{Date: d, Hour: 9, StartsAt: d.Add(9 * time.Hour), MaxCapacity: 50000},
		{Date: d, Hour: 10, StartsAt: d.Add(10 * time.Hour), MaxCapacity: 50000},
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO slots (slot_date, slot_hour, starts_at, max_capacity) VALUES (?, ?, ?, ?),(?, ?, ?, ?)")).
		WithArgs("2030-05-06", 9, d.Add(9*time.Hour), 50000, "2030-05-06", 10, d.Add(10*time.Hour), 50000).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.CreateSlots(context.Background(), slots)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 new row, got %d (%v)", n, err)
	}
}

func TestSlotRepo_LastSlotEmpty(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSlotRepo(db)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY slot_date DESC, slot_hour DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows(slotCols))
	if _, err := repo.LastSlot(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReservationRepo_CreateWritesJoinRows(t *testing.T) {
	db, mock := newMock(t)
	repo := NewReservationRepo(db)
	start := d.Add(9 * time.Hour)
	res := &model.Reservation{UserID: 3, StartTime: start, EndTime: start.Add(2 * time.Hour), PartySize: 4, Status: model.StatusPending, SlotIDs: []uint64{11, 12}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reservations (user_id, start_time, end_time, party_size, status) VALUES (?, ?, ?, ?, ?)")).
		WithArgs(uint64(3), start, start.Add(2*time.Hour), 4, "pending").
		WillReturnResult(sqlmock.NewResult(21, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reservation_slots (reservation_id, slot_id) VALUES (?, ?),(?, ?)")).
		WithArgs(uint64(21), uint64(11), uint64(21), uint64(12)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT created_at, updated_at FROM reservations WHERE id = ?")).
		WithArgs(int64(21)).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(d, d))
	mock.ExpectCommit()

	if err := repo.CreateReservation(context.Background(), res); err != nil {
		t.Fatalf("create: %v", err)
	}
	if res.ID != 21 || !res.CreatedAt.Equal(d) {
		t.Fatalf("expected id and timestamps filled, got %+v", res)
	}
}

func TestReservationRepo_CreateRollsBackOnJoinFailure(t *testing.T) {
	db, mock := newMock(t)
	repo := NewReservationRepo(db)
	res := &model.Reservation{UserID: 3, StartTime: d, EndTime: d.Add(time.Hour), PartySize: 1, Status: model.StatusPending, SlotIDs: []uint64{99}}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reservations")).WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reservation_slots")).WillReturnError(errors.New("fk violation"))
	mock.ExpectRollback()

	if err := repo.CreateReservation(context.Background(), res); err == nil {
		t.Fatalf("expected error")
	}
	if res.ID != 0 {
		t.Fatalf("expected no id on failure, got %d", res.ID)
	}
}

func TestReservationRepo_GetLoadsSlots(t *testing.T) {
	db, mock := newMock(t)
	repo := NewReservationRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + reservationColumns + " FROM reservations WHERE id = ?")).
		WithArgs(uint64(5)).
		WillReturnRows(sqlmock.NewRows(resCols).AddRow(5, 3, d, d.Add(time.Hour), 2, "accepted", d, d))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT reservation_id, slot_id FROM reservation_slots WHERE reservation_id IN (?)")).
		WithArgs(uint64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"reservation_id", "slot_id"}).AddRow(5, 8))

	got, err := repo.GetReservation(context.Background(), 5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.StatusAccepted || len(got.SlotIDs) != 1 || got.SlotIDs[0] != 8 {
		t.Fatalf("unexpected reservation %+v", got)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM reservations WHERE id = ?")).
		WithArgs(uint64(6)).
		WillReturnRows(sqlmock.NewRows(resCols))
	if _, err := repo.GetReservation(context.Background(), 6); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReservationRepo_UpdateReplacesJoinRows(t *testing.T) {
	db, mock := newMock(t)
	repo := NewReservationRepo(db)
	res := model.Reservation{ID: 5, StartTime: d, EndTime: d.Add(time.Hour), PartySize: 2, Status: model.StatusCancelled}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM reservations WHERE id = ? FOR UPDATE")).
		WithArgs(uint64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reservations SET start_time = ?, end_time = ?, party_size = ?, status = ? WHERE id = ?")).
		WithArgs(d, d.Add(time.Hour), 2, "cancelled", uint64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reservation_slots WHERE reservation_id = ?")).
		WithArgs(uint64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := repo.UpdateReservation(context.Background(), res); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestReservationRepo_ListFiltersByUser(t *testing.T) {
	db, mock := newMock(t)
	repo := NewReservationRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM reservations WHERE user_id = ? ORDER BY created_at DESC, id DESC")).
		WithArgs(uint64(3)).
		WillReturnRows(sqlmock.NewRows(resCols).
			AddRow(9, 3, d, d.Add(time.Hour), 1, "pending", d, d).
			AddRow(4, 3, d, d.Add(time.Hour), 1, "cancelled", d, d))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE reservation_id IN (?, ?)")).
		WithArgs(uint64(9), uint64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"reservation_id", "slot_id"}).AddRow(9, 1).AddRow(9, 2))

	got, err := repo.ListReservations(context.Background(), 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || len(got[0].SlotIDs) != 2 || len(got[1].SlotIDs) != 0 {
		t.Fatalf("unexpected listing %+v", got)
	}
}

func TestUserRepo_CreateDuplicateEmail(t *testing.T) {
	db, mock := newMock(t)
	repo := NewUserRepo(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users (email, password_hash, role) VALUES (?, ?, ?)")).
		WithArgs("a@b.c", sqlmock.AnyArg(), "CUSTOMER").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	if _, err := repo.Create(context.Background(), " A@B.c ", "pw123456", "CUSTOMER", 4); !errors.Is(err, ErrEmailExists) {
		t.Fatalf("expected ErrEmailExists, got %v", err)
	}
}

func TestTokenRepo_ValidateRefresh(t *testing.T) {
	db, mock := newMock(t)
	repo := NewTokenRepo(db)
	q := regexp.QuoteMeta("SELECT user_id, expires_at, revoked_at FROM refresh_tokens WHERE token_hash = ? LIMIT 1")
	cols := []string{"user_id", "expires_at", "revoked_at"}

	mock.ExpectQuery(q).WithArgs("live").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(3, time.Now().Add(time.Hour), nil))
	if id, err := repo.ValidateRefresh(context.Background(), "live"); err != nil || id != 3 {
		t.Fatalf("expected user 3, got %d (%v)", id, err)
	}

	mock.ExpectQuery(q).WithArgs("revoked").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(3, time.Now().Add(time.Hour), time.Now()))
	if _, err := repo.ValidateRefresh(context.Background(), "revoked"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected revoked token rejected, got %v", err)
	}

	mock.ExpectQuery(q).WithArgs("gone").WillReturnRows(sqlmock.NewRows(cols))
	if _, err := repo.ValidateRefresh(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown token rejected, got %v", err)
	}
}
