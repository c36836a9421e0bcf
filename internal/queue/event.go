// Package queue defines message payloads exchanged over the message broker
// and the consumer that turns them into the reservation audit log.
package queue

import (
    "time"

    "github.com/iliyamo/exam-slot-reservation/internal/model"
)

// Event types published after a committed lifecycle transition.
const (
    EventCreated   = "reservation.created"
    EventConfirmed = "reservation.confirmed"
    EventModified  = "reservation.modified"
    EventCancelled = "reservation.cancelled"
)

// ReservationEvent describes one committed change of a reservation.  It
// carries enough of the reservation for the audit log without a lookup.
type ReservationEvent struct {
    Type          string   `json:"type"`
    ReservationID uint64   `json:"reservation_id"`
    UserID        uint64   `json:"user_id"`
    Status        string   `json:"status"`
    StartTime     string   `json:"start_time"`
    EndTime       string   `json:"end_time"`
    PartySize     int      `json:"party_size"`
    SlotIDs       []uint64 `json:"slot_ids"`
    OccurredAt    string   `json:"occurred_at"`
}

// NewReservationEvent builds the event for r with RFC3339 UTC timestamps.
func NewReservationEvent(typ string, r model.Reservation, at time.Time) ReservationEvent {
    return ReservationEvent{
        Type:          typ,
        ReservationID: r.ID,
        UserID:        r.UserID,
        Status:        string(r.Status),
        StartTime:     r.StartTime.UTC().Format(time.RFC3339),
        EndTime:       r.EndTime.UTC().Format(time.RFC3339),
        PartySize:     r.PartySize,
        SlotIDs:       append(make([]uint64, 0, len(r.SlotIDs)), r.SlotIDs...),
        OccurredAt:    at.UTC().Format(time.RFC3339),
    }
}
