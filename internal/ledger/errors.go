package ledger

import (
	"errors"
	"fmt"

	"github.com/iliyamo/exam-slot-reservation/internal/model"
)

var (
	// ErrCapacityExceeded: a positive delta would push used_count over
	// max_capacity.  Nothing was written.
	ErrCapacityExceeded = errors.New("slot capacity exceeded")

	// ErrInvalidRelease: a negative delta would push used_count below zero.
	// Under correct bookkeeping this never happens; it marks a defect.
	ErrInvalidRelease = errors.New("invalid capacity release")

	// ErrInfeasible is returned by ApplyDelta when a positive delta could not
	// be applied to every slot and the partial application was undone.
	ErrInfeasible = errors.New("reservation infeasible")

	// ErrCompensationFailed is joined to the returned error when undoing a
	// partial application failed, leaving at least one slot miscounted.
	ErrCompensationFailed = errors.New("compensation failed")
)

// AdjustError reports a rejected single-slot adjustment.  Slot is the row as
// read under the lock, so Slot.Remaining() is the capacity that was actually
// available.
type AdjustError struct {
	Slot  model.Slot
	Delta int
	Err   error
}

func (e *AdjustError) Error() string {
	return fmt.Sprintf("slot %d (%s %02d:00) delta %+d: %v",
		e.Slot.ID, e.Slot.Date.Format("2006-01-02"), e.Slot.Hour, e.Delta, e.Err)
}

func (e *AdjustError) Unwrap() error { return e.Err }
