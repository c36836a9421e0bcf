package model

import "time"

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
    StatusPending   ReservationStatus = "pending"   // slots attached, no capacity consumed
    StatusAccepted  ReservationStatus = "accepted"  // party size consumed on every slot
    StatusCancelled ReservationStatus = "cancelled" // terminal, no slots attached
)

// Valid reports whether s is one of the known statuses.
func (s ReservationStatus) Valid() bool {
    switch s {
    case StatusPending, StatusAccepted, StatusCancelled:
        return true
    }
    return false
}

// Reservation records one party's claim on a contiguous range of hourly
// slots.  The slot association is kept in the reservation_slots join table
// and is loaded into SlotIDs; it is recomputed whenever StartTime or
// EndTime change and cleared on cancellation.
//
// Fields:
//  ID        – primary key identifier.
//  UserID    – user who owns the reservation.
//  StartTime – inclusive start (UTC), on the hour.
//  EndTime   – exclusive end (UTC), on the hour, after StartTime.
//  PartySize – number of people (reservations.count in the legacy schema).
//  Status    – pending, accepted or cancelled.
//  SlotIDs   – IDs of the associated slots (join table rows).
//  CreatedAt – creation timestamp.
//  UpdatedAt – last update timestamp.
type Reservation struct {
    ID        uint64            // reservations.id
    UserID    uint64            // reservations.user_id
    StartTime time.Time         // reservations.start_time
    EndTime   time.Time         // reservations.end_time
    PartySize int               // reservations.party_size
    Status    ReservationStatus // reservations.status
    SlotIDs   []uint64          // reservation_slots.slot_id
    CreatedAt time.Time         // reservations.created_at
    UpdatedAt time.Time         // reservations.updated_at
}

// Clone returns a deep copy so callers can mutate it without touching the
// stored value.
func (r Reservation) Clone() Reservation {
    c := r
    if r.SlotIDs != nil {
        c.SlotIDs = append([]uint64(nil), r.SlotIDs...)
    }
    return c
}
