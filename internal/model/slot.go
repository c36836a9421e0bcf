package model

import (
    "sort"
    "time"
)

// Slot represents one hour of bookable capacity on a calendar date.  Slots
// are generated ahead of time (see cmd/slotinit) and afterwards only their
// UsedCount changes.  A slot is identified by the (Date, Hour) pair; ID is
// the surrogate key used by the join table.
//
// Fields:
//  ID          – primary key identifier.
//  Date        – calendar date in the booking time zone, held as midnight UTC.
//  Hour        – hour of day, 0–23, in the booking time zone.
//  StartsAt    – absolute start instant (UTC) of the hour.
//  MaxCapacity – maximum number of people the slot can take.
//  UsedCount   – people already consumed by accepted reservations.
//  CreatedAt   – creation timestamp.
//  UpdatedAt   – last update timestamp.
type Slot struct {
    ID          uint64    // slots.id
    Date        time.Time // slots.slot_date
    Hour        int       // slots.slot_hour
    StartsAt    time.Time // slots.starts_at
    MaxCapacity int       // slots.max_capacity
    UsedCount   int       // slots.used_count
    CreatedAt   time.Time // slots.created_at
    UpdatedAt   time.Time // slots.updated_at
}

// Remaining returns the free capacity of the slot.
func (s Slot) Remaining() int { return s.MaxCapacity - s.UsedCount }

// EndsAt returns the exclusive end instant of the slot.
func (s Slot) EndsAt() time.Time { return s.StartsAt.Add(time.Hour) }

// SlotLess orders slots by (date, hour) ascending, falling back to ID so the
// order is total.  Every multi-slot mutation walks slots in this order.
func SlotLess(a, b Slot) bool {
    ay, am, ad := a.Date.Date()
    by, bm, bd := b.Date.Date()
    if ay != by {
        return ay < by
    }
    if am != bm {
        return am < bm
    }
    if ad != bd {
        return ad < bd
    }
    if a.Hour != b.Hour {
        return a.Hour < b.Hour
    }
    return a.ID < b.ID
}

// SortSlots returns a copy of slots sorted with SlotLess.
func SortSlots(slots []Slot) []Slot {
    out := make([]Slot, len(slots))
    copy(out, slots)
    sort.SliceStable(out, func(i, j int) bool { return SlotLess(out[i], out[j]) })
    return out
}

// SlotIDs extracts the IDs of slots in their current order.
func SlotIDs(slots []Slot) []uint64 {
    ids := make([]uint64, 0, len(slots))
    for _, s := range slots {
        ids = append(ids, s.ID)
    }
    return ids
}
