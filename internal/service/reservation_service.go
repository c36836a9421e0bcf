// Package service implements the reservation lifecycle on top of the slot
// ledger: creation, confirmation, modification and cancellation, each
// operation on an existing reservation serialized by a distributed lock on
// that reservation.
//
// Capacity is consumed when a reservation is confirmed, never when it is
// created.  A pending reservation only records which slots it covers.
package service

import (
    "context"
    "errors"
    "fmt"
    "strconv"
    "time"

    "go.uber.org/zap"

    "github.com/iliyamo/exam-slot-reservation/internal/ledger"
    "github.com/iliyamo/exam-slot-reservation/internal/lock"
    "github.com/iliyamo/exam-slot-reservation/internal/metrics"
    "github.com/iliyamo/exam-slot-reservation/internal/model"
    "github.com/iliyamo/exam-slot-reservation/internal/queue"
    "github.com/iliyamo/exam-slot-reservation/internal/repository"
)

// Locker is the distributed lock used around reservation changes.
// Acquire returns lock.ErrNotAcquired when wait elapses.
type Locker interface {
    Acquire(ctx context.Context, resource string, lease, wait time.Duration) (*lock.Handle, error)
    Release(ctx context.Context, h *lock.Handle) error
}

// ReservationStore persists reservations together with their slot ids.
// UpdateReservation replaces the stored slot set with r.SlotIDs.
type ReservationStore interface {
    CreateReservation(ctx context.Context, r *model.Reservation) error
    GetReservation(ctx context.Context, id uint64) (model.Reservation, error)
    UpdateReservation(ctx context.Context, r model.Reservation) error
    ListReservations(ctx context.Context, userID uint64) ([]model.Reservation, error)
}

// EventPublisher receives an event after every committed transition.
type EventPublisher interface {
    Publish(ctx context.Context, ev queue.ReservationEvent) error
}

// Options tune the service.  Zero values fall back to the defaults noted.
type Options struct {
    LockLease           time.Duration    // 30s
    LockWait            time.Duration    // 0 means a single attempt
    MaxPartySize        int              // 50000
    Location            *time.Location   // UTC; slots are laid out on its hours
    CompensationTimeout time.Duration    // 5s per undo step
    PublishTimeout      time.Duration    // 3s
    Now                 func() time.Time // time.Now
}

// CreateRequest is the input of Create.  Start and End must fall on the
// hour in the booking time zone.
type CreateRequest struct {
    UserID    uint64
    Start     time.Time
    End       time.Time
    PartySize int
}

// ModifyRequest carries the fields to change; nil keeps the current value.
type ModifyRequest struct {
    Start     *time.Time
    End       *time.Time
    PartySize *int
}

// ListFilter selects reservations for List.  UserID 0 lists everybody's.
type ListFilter struct {
    UserID uint64
}

// SlotAvailability is one row of ListAvailability.
type SlotAvailability struct {
    Date              string `json:"date"`
    Hour              int    `json:"hour"`
    RemainingCapacity int    `json:"remaining_capacity"`
}

type ReservationService struct {
    ledger  *ledger.Ledger
    store   ReservationStore
    locker  Locker
    events  EventPublisher
    metrics *metrics.Metrics
    log     *zap.Logger
    opts    Options
}

// NewReservationService wires the service.  events, m and log may be nil.
func NewReservationService(l *ledger.Ledger, store ReservationStore, locker Locker, events EventPublisher, m *metrics.Metrics, log *zap.Logger, opts Options) *ReservationService {
    if opts.LockLease <= 0 {
        opts.LockLease = 30 * time.Second
    }
    if opts.LockWait < 0 {
        opts.LockWait = 0
    }
    if opts.MaxPartySize <= 0 {
        opts.MaxPartySize = 50000
    }
    if opts.Location == nil {
        opts.Location = time.UTC
    }
    if opts.CompensationTimeout <= 0 {
        opts.CompensationTimeout = 5 * time.Second
    }
    if opts.PublishTimeout <= 0 {
        opts.PublishTimeout = 3 * time.Second
    }
    if opts.Now == nil {
        opts.Now = time.Now
    }
    if log == nil {
        log = zap.NewNop()
    }
    return &ReservationService{
        ledger:  l,
        store:   store,
        locker:  locker,
        events:  events,
        metrics: m,
        log:     log,
        opts:    opts,
    }
}

// Location is the time zone slots are laid out in.
func (s *ReservationService) Location() *time.Location { return s.opts.Location }

// MaxPartySize is the configured upper bound for a party.
func (s *ReservationService) MaxPartySize() int { return s.opts.MaxPartySize }

// Create stores a pending reservation covering every hour of
// [req.Start, req.End).  Each hour must have a slot with at least
// req.PartySize free places, otherwise a *CapacityError wrapping
// ErrInsufficientCapacity is returned and nothing is written.  No capacity
// is consumed.
func (s *ReservationService) Create(ctx context.Context, req CreateRequest) (res model.Reservation, err error) {
    defer s.observe("create", time.Now(), &err)

    if req.UserID == 0 {
        return model.Reservation{}, fmt.Errorf("%w: missing owner", ErrInvalidRequest)
    }
    if err := s.validate(req.Start, req.End, req.PartySize); err != nil {
        return model.Reservation{}, err
    }
    slots, err := s.slotsFor(ctx, req.Start, req.End, req.PartySize, ErrInsufficientCapacity)
    if err != nil {
        return model.Reservation{}, err
    }

    res = model.Reservation{
        UserID:    req.UserID,
        StartTime: req.Start.UTC(),
        EndTime:   req.End.UTC(),
        PartySize: req.PartySize,
        Status:    model.StatusPending,
        SlotIDs:   model.SlotIDs(slots),
    }
    if err := s.store.CreateReservation(ctx, &res); err != nil {
        return model.Reservation{}, fmt.Errorf("create reservation: %w", err)
    }
    s.publish(ctx, queue.EventCreated, res)
    return res, nil
}

// Confirm moves a pending reservation to accepted, consuming its party
// size on every associated slot.  If any slot lacks room nothing is
// consumed, the reservation stays pending and a *CapacityError wrapping
// ErrReservationInfeasible is returned.
func (s *ReservationService) Confirm(ctx context.Context, id uint64) (res model.Reservation, err error) {
    defer s.observe("confirm", time.Now(), &err)

    err = s.withLock(ctx, id, func(ctx context.Context) error {
        r, err := s.store.GetReservation(ctx, id)
        if err != nil {
            return err
        }
        if r.Status != model.StatusPending {
            return fmt.Errorf("%w: cannot confirm a %s reservation", ErrInvalidTransition, r.Status)
        }
        slots, err := s.attachedSlots(ctx, r)
        if err != nil {
            return err
        }
        if err := s.ledger.ReserveAcrossSlots(ctx, slots, r.PartySize); err != nil {
            return s.consumeFailure(err, r.StartTime)
        }

        r.Status = model.StatusAccepted
        if err := s.store.UpdateReservation(ctx, r); err != nil {
            return s.undo(ctx, fmt.Errorf("persist confirmation: %w", err), "confirm", r.ID,
                func(cctx context.Context) error { return s.ledger.ReleaseAcrossSlots(cctx, slots, r.PartySize) })
        }
        res = r
        return nil
    })
    if err != nil {
        return model.Reservation{}, err
    }
    s.publish(ctx, queue.EventConfirmed, res)
    return res, nil
}

// Modify changes the range and/or party size of a pending or accepted
// reservation and recomputes its slot set.
//
// A pending reservation is re-validated against a snapshot of the new
// slots.  An accepted one moves its capacity to the new slots.  When the
// old and new slot sets overlap the old capacity is released first and
// taken again if the new range does not fit; otherwise the new capacity is
// consumed first and the old released afterwards.  Either way a range that
// does not fit returns ErrReservationInfeasible with the reservation
// unchanged.
func (s *ReservationService) Modify(ctx context.Context, id uint64, req ModifyRequest) (res model.Reservation, err error) {
    defer s.observe("modify", time.Now(), &err)

    changed := false
    err = s.withLock(ctx, id, func(ctx context.Context) error {
        r, err := s.store.GetReservation(ctx, id)
        if err != nil {
            return err
        }
        if r.Status == model.StatusCancelled {
            return fmt.Errorf("%w: cannot modify a cancelled reservation", ErrInvalidTransition)
        }

        next := r.Clone()
        if req.Start != nil {
            next.StartTime = req.Start.UTC()
        }
        if req.End != nil {
            next.EndTime = req.End.UTC()
        }
        if req.PartySize != nil {
            next.PartySize = *req.PartySize
        }
        if err := s.validate(next.StartTime, next.EndTime, next.PartySize); err != nil {
            return err
        }
        if next.StartTime.Equal(r.StartTime) && next.EndTime.Equal(r.EndTime) && next.PartySize == r.PartySize {
            res = r
            return nil
        }

        switch r.Status {
        case model.StatusPending:
            slots, err := s.slotsFor(ctx, next.StartTime, next.EndTime, next.PartySize, ErrReservationInfeasible)
            if err != nil {
                return err
            }
            next.SlotIDs = model.SlotIDs(slots)
            if err := s.store.UpdateReservation(ctx, next); err != nil {
                return fmt.Errorf("persist modification: %w", err)
            }
        case model.StatusAccepted:
            if err := s.moveAccepted(ctx, r, &next); err != nil {
                return err
            }
        default:
            return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, r.Status)
        }
        res, changed = next, true
        return nil
    })
    if err != nil {
        return model.Reservation{}, err
    }
    if changed {
        s.publish(ctx, queue.EventModified, res)
    }
    return res, nil
}

// moveAccepted swaps the capacity of an accepted reservation from cur's
// slots to next's range and persists next.
func (s *ReservationService) moveAccepted(ctx context.Context, cur model.Reservation, next *model.Reservation) error {
    oldSlots, err := s.attachedSlots(ctx, cur)
    if err != nil {
        return err
    }
    inRange, err := s.ledger.SlotsInRange(ctx, next.StartTime, next.EndTime)
    if err != nil {
        return err
    }
    newSlots, cerr := coverRange(inRange, next.StartTime, next.EndTime)
    if cerr != nil {
        cerr.Err = ErrReservationInfeasible
        return cerr
    }

    releaseOld := func(cctx context.Context) error {
        return s.ledger.ReleaseAcrossSlots(cctx, oldSlots, cur.PartySize)
    }
    reacquireOld := func(cctx context.Context) error {
        return s.ledger.ReserveAcrossSlots(cctx, oldSlots, cur.PartySize)
    }
    releaseNew := func(cctx context.Context) error {
        return s.ledger.ReleaseAcrossSlots(cctx, newSlots, next.PartySize)
    }

    if sharesSlot(oldSlots, newSlots) {
        // The old places must be freed before the shared slots can take
        // the new party size.
        if err := releaseOld(ctx); err != nil {
            return fmt.Errorf("release previous slots: %w", err)
        }
        if err := s.ledger.ReserveAcrossSlots(ctx, newSlots, next.PartySize); err != nil {
            return s.undo(ctx, s.consumeFailure(err, next.StartTime), "modify", cur.ID, reacquireOld)
        }
    } else {
        // Disjoint sets: the old places stay held until the new ones are
        // taken, so nobody can claim them in between.
        if err := s.ledger.ReserveAcrossSlots(ctx, newSlots, next.PartySize); err != nil {
            return s.consumeFailure(err, next.StartTime)
        }
        if err := releaseOld(ctx); err != nil {
            return s.undo(ctx, fmt.Errorf("release previous slots: %w", err), "modify", cur.ID, releaseNew)
        }
    }

    next.SlotIDs = model.SlotIDs(newSlots)
    if err := s.store.UpdateReservation(ctx, *next); err != nil {
        return s.undo(ctx, fmt.Errorf("persist modification: %w", err), "modify", cur.ID, releaseNew, reacquireOld)
    }
    return nil
}

func sharesSlot(a, b []model.Slot) bool {
    seen := make(map[uint64]struct{}, len(a))
    for _, sl := range a {
        seen[sl.ID] = struct{}{}
    }
    for _, sl := range b {
        if _, ok := seen[sl.ID]; ok {
            return true
        }
    }
    return false
}

// Cancel moves a reservation to cancelled, giving back its capacity if it
// was accepted, and clears its slot association.  Cancelling a cancelled
// reservation succeeds without doing anything.
func (s *ReservationService) Cancel(ctx context.Context, id uint64) (res model.Reservation, err error) {
    defer s.observe("cancel", time.Now(), &err)

    changed := false
    err = s.withLock(ctx, id, func(ctx context.Context) error {
        r, err := s.store.GetReservation(ctx, id)
        if err != nil {
            return err
        }
        if r.Status == model.StatusCancelled {
            res = r
            return nil
        }

        var released []model.Slot
        if r.Status == model.StatusAccepted {
            slots, err := s.attachedSlots(ctx, r)
            if err != nil {
                return err
            }
            if err := s.ledger.ReleaseAcrossSlots(ctx, slots, r.PartySize); err != nil {
                return fmt.Errorf("release slots: %w", err)
            }
            released = slots
        }

        r.Status = model.StatusCancelled
        r.SlotIDs = nil
        if err := s.store.UpdateReservation(ctx, r); err != nil {
            err = fmt.Errorf("persist cancellation: %w", err)
            if released == nil {
                return err
            }
            return s.undo(ctx, err, "cancel", r.ID,
                func(cctx context.Context) error { return s.ledger.ReserveAcrossSlots(cctx, released, r.PartySize) })
        }
        res, changed = r, true
        return nil
    })
    if err != nil {
        return model.Reservation{}, err
    }
    if changed {
        s.publish(ctx, queue.EventCancelled, res)
    }
    return res, nil
}

// Get returns one reservation or repository.ErrNotFound.
func (s *ReservationService) Get(ctx context.Context, id uint64) (model.Reservation, error) {
    return s.store.GetReservation(ctx, id)
}

// List returns reservations newest first.
func (s *ReservationService) List(ctx context.Context, f ListFilter) ([]model.Reservation, error) {
    return s.store.ListReservations(ctx, f.UserID)
}

// ListAvailability returns the slots of the calendar day of date (in the
// booking time zone) that still have room, ordered by hour.  With
// partySizeHint > 0 only slots with at least that many free places are
// listed.
func (s *ReservationService) ListAvailability(ctx context.Context, date time.Time, partySizeHint int) ([]SlotAvailability, error) {
    if partySizeHint < 0 {
        return nil, fmt.Errorf("%w: negative party size", ErrInvalidRequest)
    }
    loc := s.opts.Location
    y, m, d := date.In(loc).Date()
    from := time.Date(y, m, d, 0, 0, 0, 0, loc)
    to := time.Date(y, m, d+1, 0, 0, 0, 0, loc)

    slots, err := s.ledger.AvailableSlots(ctx, from, to, partySizeHint)
    if err != nil {
        return nil, err
    }
    out := make([]SlotAvailability, 0, len(slots))
    for _, sl := range slots {
        out = append(out, SlotAvailability{
            Date:              sl.Date.Format("2006-01-02"),
            Hour:              sl.Hour,
            RemainingCapacity: sl.Remaining(),
        })
    }
    return out, nil
}

// withLock runs fn while holding the lock of reservation id.  fn gets a
// context that expires at 80% of the lease so it finishes (or aborts)
// before another caller can take the lock over.
func (s *ReservationService) withLock(ctx context.Context, id uint64, fn func(context.Context) error) error {
    h, err := s.locker.Acquire(ctx, lockKey(id), s.opts.LockLease, s.opts.LockWait)
    if errors.Is(err, lock.ErrNotAcquired) {
        s.metrics.LockResult("busy")
        return ErrLockBusy
    }
    if err != nil {
        s.metrics.LockResult("error")
        return fmt.Errorf("acquire reservation lock: %w", err)
    }
    s.metrics.LockResult("acquired")
    defer func() {
        rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
        defer cancel()
        if err := s.locker.Release(rctx, h); err != nil {
            s.log.Warn("release reservation lock", zap.Uint64("reservation_id", id), zap.Error(err))
        }
    }()

    cctx, cancel := context.WithTimeout(ctx, s.opts.LockLease*8/10)
    defer cancel()
    return fn(cctx)
}

func lockKey(id uint64) string { return "reservation:" + strconv.FormatUint(id, 10) }

// undo runs the compensating steps in order on a context detached from the
// caller, after cause made the operation fail.  cause is returned, joined
// with any step that failed.
func (s *ReservationService) undo(ctx context.Context, cause error, op string, id uint64, steps ...func(context.Context) error) error {
    base := context.WithoutCancel(ctx)
    errs := []error{cause}
    for i, step := range steps {
        cctx, cancel := context.WithTimeout(base, s.opts.CompensationTimeout)
        err := step(cctx)
        cancel()
        if err != nil {
            s.metrics.CompensationFailed()
            s.log.Error("compensation failed, ledger may disagree with reservation",
                zap.String("op", op),
                zap.Uint64("reservation_id", id),
                zap.Int("step", i+1),
                zap.NamedError("cause", cause),
                zap.Error(err))
            errs = append(errs, fmt.Errorf("%w: %s step %d: %w", ErrCompensationFailed, op, i+1, err))
        }
    }
    return errors.Join(errs...)
}

// consumeFailure turns a failed ReserveAcrossSlots into the service's
// error vocabulary.  Capacity rejections and vanished slots become a
// *CapacityError wrapping ErrReservationInfeasible; anything else is
// returned unchanged.
func (s *ReservationService) consumeFailure(err error, at time.Time) error {
    var ae *ledger.AdjustError
    var ce *CapacityError
    switch {
    case errors.Is(err, ledger.ErrInfeasible) && errors.As(err, &ae):
        ce = &CapacityError{Err: ErrReservationInfeasible, At: ae.Slot.StartsAt.UTC(), Remaining: ae.Slot.Remaining()}
    case errors.Is(err, repository.ErrNotFound):
        ce = &CapacityError{Err: ErrReservationInfeasible, At: at.UTC(), Missing: true}
    default:
        return err
    }
    if errors.Is(err, ErrCompensationFailed) {
        return errors.Join(ce, err)
    }
    return ce
}

// attachedSlots loads the slots of r.  A slot that no longer exists makes
// the reservation infeasible.
func (s *ReservationService) attachedSlots(ctx context.Context, r model.Reservation) ([]model.Slot, error) {
    slots, err := s.ledger.Slots(ctx, r.SlotIDs)
    if err != nil {
        return nil, err
    }
    if len(r.SlotIDs) == 0 || len(slots) != len(r.SlotIDs) {
        return nil, &CapacityError{Err: ErrReservationInfeasible, At: r.StartTime.UTC(), Missing: true}
    }
    return slots, nil
}

// slotsFor returns one slot per hour of [start, end), each with at least
// partySize free places.  The first hour that fails produces a
// *CapacityError wrapping kind.
func (s *ReservationService) slotsFor(ctx context.Context, start, end time.Time, partySize int, kind error) ([]model.Slot, error) {
    inRange, err := s.ledger.SlotsInRange(ctx, start, end)
    if err != nil {
        return nil, err
    }
    slots, cerr := coverRange(inRange, start, end)
    if cerr != nil {
        cerr.Err = kind
        return nil, cerr
    }
    for _, sl := range slots {
        if sl.Remaining() < partySize {
            return nil, &CapacityError{Err: kind, At: sl.StartsAt.UTC(), Remaining: sl.Remaining()}
        }
    }
    return slots, nil
}

// coverRange picks the slot of every hour in [start, end) from slots.  It
// reports the first hour without a slot.
func coverRange(slots []model.Slot, start, end time.Time) ([]model.Slot, *CapacityError) {
    byStart := make(map[int64]model.Slot, len(slots))
    for _, sl := range slots {
        byStart[sl.StartsAt.Unix()] = sl
    }
    out := make([]model.Slot, 0, len(slots))
    for t := start; t.Before(end); t = t.Add(time.Hour) {
        sl, ok := byStart[t.Unix()]
        if !ok {
            return nil, &CapacityError{At: t.UTC(), Missing: true}
        }
        out = append(out, sl)
    }
    return out, nil
}

// validate checks the shape of a request: a non-empty range on whole hours
// of the booking time zone and a party size within bounds.
func (s *ReservationService) validate(start, end time.Time, partySize int) error {
    if start.IsZero() || end.IsZero() || !start.Before(end) {
        return fmt.Errorf("%w: start must be before end", ErrInvalidRequest)
    }
    if !onTheHour(start, s.opts.Location) || !onTheHour(end, s.opts.Location) {
        return fmt.Errorf("%w: start and end must be on the hour", ErrInvalidRequest)
    }
    if partySize < 1 || partySize > s.opts.MaxPartySize {
        return fmt.Errorf("%w: party size must be between 1 and %d", ErrInvalidRequest, s.opts.MaxPartySize)
    }
    return nil
}

func onTheHour(t time.Time, loc *time.Location) bool {
    l := t.In(loc)
    return l.Minute() == 0 && l.Second() == 0 && l.Nanosecond() == 0
}

func (s *ReservationService) publish(ctx context.Context, typ string, r model.Reservation) {
    if s.events == nil {
        return
    }
    pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PublishTimeout)
    defer cancel()
    if err := s.events.Publish(pctx, queue.NewReservationEvent(typ, r, s.opts.Now())); err != nil {
        s.metrics.EventPublished("error")
        s.log.Warn("publish reservation event",
            zap.String("type", typ),
            zap.Uint64("reservation_id", r.ID),
            zap.Error(err))
        return
    }
    s.metrics.EventPublished("ok")
}

func (s *ReservationService) observe(op string, began time.Time, errp *error) {
    err := *errp
    s.metrics.ObserveOperation(op, outcome(err), time.Since(began).Seconds())
    if err != nil && (errors.Is(err, ErrInvalidRelease) || errors.Is(err, ErrCompensationFailed)) {
        s.log.Error("reservation operation broke capacity bookkeeping", zap.String("op", op), zap.Error(err))
    }
}
