package service

import (
    "context"
    "errors"
    "fmt"
    "time"

    "go.uber.org/zap"

    "github.com/iliyamo/exam-slot-reservation/internal/model"
    "github.com/iliyamo/exam-slot-reservation/internal/repository"
)

// SlotSeeder is the store side of slot generation.  CreateSlots must skip
// hours that already exist and report how many rows were new.
type SlotSeeder interface {
    CreateSlots(ctx context.Context, slots []model.Slot) (int, error)
    LastSlot(ctx context.Context) (model.Slot, error)
}

// SlotGenerator lays out hourly slots ahead of time.
type SlotGenerator struct {
    store    SlotSeeder
    loc      *time.Location
    capacity int
    log      *zap.Logger
}

func NewSlotGenerator(store SlotSeeder, loc *time.Location, capacity int, log *zap.Logger) *SlotGenerator {
    if loc == nil {
        loc = time.UTC
    }
    if log == nil {
        log = zap.NewNop()
    }
    return &SlotGenerator{store: store, loc: loc, capacity: capacity, log: log}
}

// Init creates the slots from the hour after now for the given number of
// days.  Running it twice is harmless.
func (g *SlotGenerator) Init(ctx context.Context, now time.Time, days int) (int, error) {
    if days < 1 {
        return 0, fmt.Errorf("%w: days must be positive", ErrInvalidRequest)
    }
    if err := g.checkCapacity(); err != nil {
        return 0, err
    }
    l := now.In(g.loc)
    from := time.Date(l.Year(), l.Month(), l.Day(), l.Hour()+1, 0, 0, 0, g.loc)
    to := from.AddDate(0, 0, days)
    n, err := g.store.CreateSlots(ctx, HourlySlots(from, to, g.loc, g.capacity))
    if err != nil {
        return n, err
    }
    g.log.Info("slots initialised", zap.Time("from", from), zap.Time("to", to), zap.Int("created", n))
    return n, nil
}

// Extend appends the 24 slots of the day after the last existing slot.
// With no slots at all it falls back to Init for one day.
func (g *SlotGenerator) Extend(ctx context.Context, now time.Time) (int, error) {
    if err := g.checkCapacity(); err != nil {
        return 0, err
    }
    last, err := g.store.LastSlot(ctx)
    if errors.Is(err, repository.ErrNotFound) {
        return g.Init(ctx, now, 1)
    }
    if err != nil {
        return 0, err
    }
    y, m, d := last.Date.Date()
    from := time.Date(y, m, d+1, 0, 0, 0, 0, g.loc)
    n, err := g.store.CreateSlots(ctx, HourlySlots(from, from.AddDate(0, 0, 1), g.loc, g.capacity))
    if err != nil {
        return n, err
    }
    g.log.Info("slots extended", zap.String("date", from.Format("2006-01-02")), zap.Int("created", n))
    return n, nil
}

func (g *SlotGenerator) checkCapacity() error {
    if g.capacity < 1 {
        return fmt.Errorf("%w: slot capacity must be positive, got %d", ErrInvalidRequest, g.capacity)
    }
    return nil
}

// HourlySlots returns one slot per hour in [from, to), laid out in loc.
// from is rounded down to the hour.
func HourlySlots(from, to time.Time, loc *time.Location, capacity int) []model.Slot {
    l := from.In(loc)
    t := time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), 0, 0, 0, loc)
    var out []model.Slot
    for ; t.Before(to); t = t.Add(time.Hour) {
        lt := t.In(loc)
        out = append(out, model.Slot{
            Date:        CalendarDate(lt),
            Hour:        lt.Hour(),
            StartsAt:    t.UTC(),
            MaxCapacity: capacity,
        })
    }
    return out
}

// CalendarDate returns the wall-clock date of t as midnight UTC, the form
// slot dates are stored in.
func CalendarDate(t time.Time) time.Time {
    y, m, d := t.Date()
    return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
