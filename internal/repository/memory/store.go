// Package memory is an in-process implementation of the slot and
// reservation stores.  It honours the same contracts as the MySQL stores,
// including per-slot serialization in UpdateSlotLocked, and is used by
// tests and local runs without a database.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/iliyamo/exam-slot-reservation/internal/model"
	"github.com/iliyamo/exam-slot-reservation/internal/repository"
)

type Store struct {
	mu           sync.RWMutex
	slots        map[uint64]model.Slot
	slotKeys     map[string]uint64 // "2006-01-02/15" -> id
	rowLocks     map[uint64]*sync.Mutex
	reservations map[uint64]model.Reservation
	nextSlotID   uint64
	nextResID    uint64
	now          func() time.Time

	slotFaults        map[uint64]error
	reservationFaults int
	reservationFault  error
}

func New() *Store {
	return &Store{
		slots:        map[uint64]model.Slot{},
		slotKeys:     map[string]uint64{},
		rowLocks:     map[uint64]*sync.Mutex{},
		reservations: map[uint64]model.Reservation{},
		slotFaults:   map[uint64]error{},
		now:          time.Now,
	}
}

func slotKey(date time.Time, hour int) string {
	return date.Format("2006-01-02") + "/" + strconv.Itoa(hour)
}

// FailSlot makes every later UpdateSlotLocked on id return err.  A nil err
// clears the fault.
func (s *Store) FailSlot(id uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.slotFaults, id)
		return
	}
	s.slotFaults[id] = err
}

// FailReservationUpdates makes the next n UpdateReservation calls return err.
func (s *Store) FailReservationUpdates(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservationFaults = n
	s.reservationFault = err
}

// CreateSlots inserts slots, skipping any (date, hour) that already exists,
// and returns how many were inserted.
func (s *Store) CreateSlots(ctx context.Context, slots []model.Slot) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sl := range slots {
		k := slotKey(sl.Date, sl.Hour)
		if _, dup := s.slotKeys[k]; dup {
			continue
		}
		s.nextSlotID++
		sl.ID = s.nextSlotID
		now := s.now()
		sl.CreatedAt, sl.UpdatedAt = now, now
		s.slots[sl.ID] = sl
		s.slotKeys[k] = sl.ID
		s.rowLocks[sl.ID] = &sync.Mutex{}
		n++
	}
	return n, nil
}

// AddSlot inserts one slot and returns it with its ID.  Convenience for
// tests; an existing (date, hour) is returned unchanged.
func (s *Store) AddSlot(sl model.Slot) model.Slot {
	_, _ = s.CreateSlots(context.Background(), []model.Slot{sl})
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slots[s.slotKeys[slotKey(sl.Date, sl.Hour)]]
}

// LastSlot returns the latest slot by (date, hour).
func (s *Store) LastSlot(ctx context.Context) (model.Slot, error) {
	if err := ctx.Err(); err != nil {
		return model.Slot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last model.Slot
	found := false
	for _, sl := range s.slots {
		if !found || model.SlotLess(last, sl) {
			last, found = sl, true
		}
	}
	if !found {
		return model.Slot{}, repository.ErrNotFound
	}
	return last, nil
}

// Slot returns a copy of slot id.
func (s *Store) Slot(id uint64) (model.Slot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.slots[id]
	return sl, ok
}

// UpdateSlotLocked holds the slot's row mutex for the duration of fn.
func (s *Store) UpdateSlotLocked(ctx context.Context, id uint64, fn func(*model.Slot) error) error {
	s.mu.RLock()
	row, ok := s.rowLocks[id]
	fault := s.slotFaults[id]
	s.mu.RUnlock()
	if !ok {
		return repository.ErrNotFound
	}
	if fault != nil {
		return fault
	}

	row.Lock()
	defer row.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	cur := s.slots[id]
	s.mu.RUnlock()

	if err := fn(&cur); err != nil {
		return err
	}

	s.mu.Lock()
	stored := s.slots[id]
	stored.UsedCount = cur.UsedCount
	stored.UpdatedAt = s.now()
	s.slots[id] = stored
	s.mu.Unlock()
	return nil
}

func (s *Store) ListSlotsInRange(ctx context.Context, from, to time.Time) ([]model.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Slot
	for _, sl := range s.slots {
		if !sl.StartsAt.Before(from) && sl.StartsAt.Before(to) {
			out = append(out, sl)
		}
	}
	return model.SortSlots(out), nil
}

// GetSlots skips unknown ids, as a WHERE id IN (...) query would.
func (s *Store) GetSlots(ctx context.Context, ids []uint64) ([]model.Slot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Slot, 0, len(ids))
	seen := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if sl, ok := s.slots[id]; ok {
			out = append(out, sl)
		}
	}
	return model.SortSlots(out), nil
}

func (s *Store) CreateReservation(ctx context.Context, r *model.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range r.SlotIDs {
		if _, ok := s.slots[id]; !ok {
			return repository.ErrNotFound
		}
	}
	s.nextResID++
	now := s.now()
	r.ID = s.nextResID
	r.CreatedAt, r.UpdatedAt = now, now
	s.reservations[r.ID] = r.Clone()
	return nil
}

func (s *Store) GetReservation(ctx context.Context, id uint64) (model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return model.Reservation{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return model.Reservation{}, repository.ErrNotFound
	}
	return r.Clone(), nil
}

// UpdateReservation replaces the stored fields and slot set of r.ID.
func (s *Store) UpdateReservation(ctx context.Context, r model.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reservationFaults > 0 {
		s.reservationFaults--
		return s.reservationFault
	}
	old, ok := s.reservations[r.ID]
	if !ok {
		return repository.ErrNotFound
	}
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = s.now()
	s.reservations[r.ID] = r.Clone()
	return nil
}

// ListReservations returns the reservations of userID (all when 0), newest
// first.
func (s *Store) ListReservations(ctx context.Context, userID uint64) ([]model.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		if userID != 0 && r.UserID != userID {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}
