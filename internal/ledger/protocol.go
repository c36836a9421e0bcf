package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iliyamo/exam-slot-reservation/internal/model"
)

// ApplyDelta adds delta to every slot as one unit.  Slots are visited in
// (date, hour, id) order so concurrent callers take row locks in the same
// order.
//
// For delta > 0 a failure stops the walk and every slot already adjusted is
// given back in reverse order.  A capacity failure is reported as an error
// matching both ErrInfeasible and the underlying *AdjustError; a storage
// failure is returned as is.  If an undo step itself fails the error also
// matches ErrCompensationFailed.
//
// For delta < 0 there is nothing to roll back to: the first failure is
// logged and returned, slots already released stay released.
func (l *Ledger) ApplyDelta(ctx context.Context, slots []model.Slot, delta int) error {
	if delta == 0 || len(slots) == 0 {
		return nil
	}
	ordered := model.SortSlots(slots)

	applied := make([]model.Slot, 0, len(ordered))
	for _, s := range ordered {
		if _, err := l.Adjust(ctx, s.ID, delta); err != nil {
			if delta < 0 {
				l.log.Error("release across slots failed",
					zap.Uint64("slot_id", s.ID),
					zap.Int("delta", delta),
					zap.Int("released", len(applied)),
					zap.Error(err))
				return err
			}
			var ae *AdjustError
			if errors.As(err, &ae) {
				err = fmt.Errorf("%w: %w", ErrInfeasible, err)
			}
			if cerr := l.compensate(ctx, applied, -delta); cerr != nil {
				return errors.Join(err, cerr)
			}
			return err
		}
		applied = append(applied, s)
	}
	return nil
}

// compensate applies delta to slots in reverse order.  Every slot is tried
// even after a failure; all failures are returned joined.
func (l *Ledger) compensate(ctx context.Context, slots []model.Slot, delta int) error {
	if len(slots) == 0 {
		return nil
	}
	base := context.WithoutCancel(ctx)
	var errs []error
	for i := len(slots) - 1; i >= 0; i-- {
		s := slots[i]
		cctx, cancel := context.WithTimeout(base, l.compensationTimeout)
		_, err := l.Adjust(cctx, s.ID, delta)
		cancel()
		if err != nil {
			l.metrics.CompensationFailed()
			l.log.Error("compensation failed, slot left miscounted",
				zap.Uint64("slot_id", s.ID),
				zap.Int("delta", delta),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%w: slot %d: %w", ErrCompensationFailed, s.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ReserveAcrossSlots consumes count places on every slot, all or nothing.
func (l *Ledger) ReserveAcrossSlots(ctx context.Context, slots []model.Slot, count int) error {
	if count <= 0 {
		return fmt.Errorf("reserve count %d: must be positive", count)
	}
	return l.ApplyDelta(ctx, slots, count)
}

// ReleaseAcrossSlots gives back count places on every slot.
func (l *Ledger) ReleaseAcrossSlots(ctx context.Context, slots []model.Slot, count int) error {
	if count <= 0 {
		return fmt.Errorf("release count %d: must be positive", count)
	}
	return l.ApplyDelta(ctx, slots, -count)
}
