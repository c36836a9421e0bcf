// Package ledger keeps per-slot capacity accounting.  Every change to a
// slot's used_count goes through Adjust, which re-reads the row under an
// exclusive row lock and refuses to break 0 <= used_count <= max_capacity.
// Changes spanning several slots go through ApplyDelta (protocol.go).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/exam-slot-reservation/internal/metrics"
	"github.com/iliyamo/exam-slot-reservation/internal/model"
)

// SlotStore is the persistence contract the ledger needs.
//
// UpdateSlotLocked must read the slot with an exclusive row lock held for
// the whole call, pass it to fn, and persist UsedCount only if fn returns
// nil.  Concurrent calls on the same id must serialize.
//
// ListSlotsInRange and GetSlots are plain snapshot reads ordered by
// (date, hour).  ListSlotsInRange returns slots with from <= starts_at < to.
type SlotStore interface {
	UpdateSlotLocked(ctx context.Context, id uint64, fn func(*model.Slot) error) error
	ListSlotsInRange(ctx context.Context, from, to time.Time) ([]model.Slot, error)
	GetSlots(ctx context.Context, ids []uint64) ([]model.Slot, error)
}

// Ledger applies capacity changes to slots.
type Ledger struct {
	store   SlotStore
	log     *zap.Logger
	metrics *metrics.Metrics

	// compensationTimeout bounds each undo step.  Undo runs detached from
	// the caller's context so a cancelled request cannot strand capacity.
	compensationTimeout time.Duration
}

// Option customises a Ledger.
type Option func(*Ledger)

func WithLogger(l *zap.Logger) Option { return func(lg *Ledger) { lg.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(lg *Ledger) { lg.metrics = m } }

func WithCompensationTimeout(d time.Duration) Option {
	return func(lg *Ledger) {
		if d > 0 {
			lg.compensationTimeout = d
		}
	}
}

// New returns a Ledger over store.
func New(store SlotStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:               store,
		log:                 zap.NewNop(),
		compensationTimeout: 5 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	return l
}

// Adjust adds delta to the used_count of slot id and returns the slot as
// persisted.  Rejections come back as *AdjustError wrapping
// ErrCapacityExceeded or ErrInvalidRelease; storage errors are wrapped
// unchanged.
func (l *Ledger) Adjust(ctx context.Context, id uint64, delta int) (model.Slot, error) {
	var out model.Slot
	err := l.store.UpdateSlotLocked(ctx, id, func(s *model.Slot) error {
		next := s.UsedCount + delta
		switch {
		case delta > 0 && next > s.MaxCapacity:
			return &AdjustError{Slot: *s, Delta: delta, Err: ErrCapacityExceeded}
		case delta < 0 && next < 0:
			return &AdjustError{Slot: *s, Delta: delta, Err: ErrInvalidRelease}
		}
		s.UsedCount = next
		out = *s
		return nil
	})
	if err != nil {
		var ae *AdjustError
		if errors.As(err, &ae) {
			l.metrics.SlotAdjusted(delta, "rejected")
			if errors.Is(ae.Err, ErrInvalidRelease) {
				l.log.Error("slot release below zero",
					zap.Uint64("slot_id", id),
					zap.Int("used_count", ae.Slot.UsedCount),
					zap.Int("delta", delta))
			}
			return ae.Slot, err
		}
		l.metrics.SlotAdjusted(delta, "error")
		return model.Slot{}, fmt.Errorf("adjust slot %d: %w", id, err)
	}
	l.metrics.SlotAdjusted(delta, "ok")
	return out, nil
}

// SlotsInRange returns every slot starting in [from, to), full or not.
func (l *Ledger) SlotsInRange(ctx context.Context, from, to time.Time) ([]model.Slot, error) {
	slots, err := l.store.ListSlotsInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return model.SortSlots(slots), nil
}

// AvailableSlots returns the slots in [from, to) that still have room.  With
// minFree > 0 only slots with at least minFree free places are kept.  The
// result is a snapshot; capacity is checked again when it is consumed.
func (l *Ledger) AvailableSlots(ctx context.Context, from, to time.Time, minFree int) ([]model.Slot, error) {
	slots, err := l.SlotsInRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	out := slots[:0]
	for _, s := range slots {
		if s.UsedCount >= s.MaxCapacity {
			continue
		}
		if minFree > 0 && s.Remaining() < minFree {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Slots loads slots by id, ordered by (date, hour).
func (l *Ledger) Slots(ctx context.Context, ids []uint64) ([]model.Slot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	slots, err := l.store.GetSlots(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("get slots: %w", err)
	}
	return model.SortSlots(slots), nil
}
