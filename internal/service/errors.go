package service

import (
    "errors"
    "fmt"
    "time"

    "github.com/iliyamo/exam-slot-reservation/internal/ledger"
)

// Errors returned by ReservationService.  Handlers map them to HTTP status
// codes with errors.Is; none of them is retried inside the service.
var (
    // ErrInsufficientCapacity: at creation time some hour of the range has
    // no slot or not enough free places.  Nothing was created.
    ErrInsufficientCapacity = errors.New("insufficient capacity")

    // ErrReservationInfeasible: capacity disappeared between the check and
    // the commit, or a modification asks for a range that does not fit.
    // The reservation is left as it was.
    ErrReservationInfeasible = errors.New("reservation infeasible")

    // ErrInvalidTransition: the reservation's status does not allow the
    // requested operation.
    ErrInvalidTransition = errors.New("invalid status transition")

    // ErrLockBusy: another operation holds the reservation's lock and the
    // wait timed out.  Safe to retry shortly.
    ErrLockBusy = errors.New("reservation is busy, retry later")

    // ErrInvalidRequest: the range or party size is malformed.
    ErrInvalidRequest = errors.New("invalid request")

    // ErrInvalidRelease and ErrCompensationFailed report broken capacity
    // bookkeeping.  They are defects, logged at error level, and must not be
    // shown to users as a business outcome.
    ErrInvalidRelease     = ledger.ErrInvalidRelease
    ErrCompensationFailed = ledger.ErrCompensationFailed
)

// CapacityError names the first hour that made a range unbookable.
type CapacityError struct {
    Err       error     // ErrInsufficientCapacity or ErrReservationInfeasible
    At        time.Time // start of the offending hour (UTC)
    Missing   bool      // no slot exists for that hour
    Remaining int       // free places on the slot when Missing is false
}

func (e *CapacityError) Error() string {
    if e.Missing {
        return fmt.Sprintf("%v: no slot at %s", e.Err, e.At.UTC().Format(time.RFC3339))
    }
    return fmt.Sprintf("%v: %d remaining at %s", e.Err, e.Remaining, e.At.UTC().Format(time.RFC3339))
}

func (e *CapacityError) Unwrap() error { return e.Err }

// outcome classifies err for metrics labels.
func outcome(err error) string {
    switch {
    case err == nil:
        return "ok"
    case errors.Is(err, ErrLockBusy):
        return "busy"
    case errors.Is(err, ErrInvalidRelease), errors.Is(err, ErrCompensationFailed):
        return "invariant_violation"
    case errors.Is(err, ErrInsufficientCapacity):
        return "insufficient_capacity"
    case errors.Is(err, ErrReservationInfeasible):
        return "infeasible"
    case errors.Is(err, ErrInvalidTransition):
        return "invalid_transition"
    case errors.Is(err, ErrInvalidRequest):
        return "invalid_request"
    }
    return "error"
}
