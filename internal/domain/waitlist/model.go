package waitlist

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusOffered   Status = "offered"
	StatusBooked    Status = "booked"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusWaiting: {StatusOffered, StatusCancelled},
	StatusOffered: {StatusBooked, StatusExpired, StatusCancelled},
}

// CanTransition reports whether the state machine allows from -> to.
// Booked, expired and cancelled are terminal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusOffered, StatusBooked, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Entry is one request to be offered a slot for a service on a date. Entries
// of the same (tenant, service, preferred date) form a group ordered by
// Position, then CreatedAt.
type Entry struct {
	ID                   uuid.UUID  `json:"id"`
	TenantID             string     `json:"-"`
	PetID                uuid.UUID  `json:"pet_id"`
	ServiceID            uuid.UUID  `json:"service_id"`
	PreferredDate        time.Time  `json:"preferred_date"`
	PreferredTimeStart   *string    `json:"preferred_time_start,omitempty"`
	PreferredTimeEnd     *string    `json:"preferred_time_end,omitempty"`
	PreferredVetID       *uuid.UUID `json:"preferred_vet_id,omitempty"`
	IsFlexibleDate       bool       `json:"is_flexible_date"`
	Position             int        `json:"position"`
	Status               Status     `json:"status"`
	OfferedAppointmentID *uuid.UUID `json:"offered_appointment_id,omitempty"`
	OfferExpiresAt       *time.Time `json:"offer_expires_at,omitempty"`
	BookedAppointmentID  *uuid.UUID `json:"booked_appointment_id,omitempty"`
	Notes                string     `json:"notes,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// OfferActive reports whether the entry holds an offer that can still be
// accepted at now.
func (e *Entry) OfferActive(now time.Time) bool {
	return e.Status == StatusOffered && e.OfferExpiresAt != nil && now.Before(*e.OfferExpiresAt)
}

// Group identifies the ordering partition of an entry.
type Group struct {
	TenantID  string
	ServiceID uuid.UUID
	Date      time.Time
}

func (g Group) key() string {
	return g.TenantID + ":" + g.ServiceID.String() + ":" + g.Date.Format(time.DateOnly)
}

func (e *Entry) Group() Group {
	return Group{TenantID: e.TenantID, ServiceID: e.ServiceID, Date: e.PreferredDate}
}

type Filter struct {
	Status    Status
	Date      *time.Time
	ServiceID *uuid.UUID
	PetID     *uuid.UUID
}
