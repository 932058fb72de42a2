package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/vetcare/scheduling/internal/apperr"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

var validStatuses = map[Status]bool{
	StatusScheduled: true,
	StatusCancelled: true,
	StatusCompleted: true,
	StatusNoShow:    true,
}

type Appointment struct {
	ID           uuid.UUID  `json:"id"`
	TenantID     string     `json:"tenant_id"`
	PetID        uuid.UUID  `json:"pet_id"`
	ServiceID    uuid.UUID  `json:"service_id"`
	VetID        *uuid.UUID `json:"vet_id,omitempty"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      time.Time  `json:"end_time"`
	Status       Status     `json:"status"`
	RecurrenceID *uuid.UUID `json:"recurrence_id,omitempty"`
	Notes        string     `json:"notes,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ResourceKey identifies the bookable resource: the vet, or the clinic as a
// whole when no vet is assigned.
func (a *Appointment) ResourceKey() string {
	return ResourceKey(a.VetID)
}

func ResourceKey(vetID *uuid.UUID) string {
	if vetID == nil {
		return "clinic"
	}
	return vetID.String()
}

func (a *Appointment) Validate() error {
	v := &apperr.ValidationError{}
	if a.TenantID == "" {
		v.Add("tenant_id", "required")
	}
	if a.PetID == uuid.Nil {
		v.Add("pet_id", "required")
	}
	if a.ServiceID == uuid.Nil {
		v.Add("service_id", "required")
	}
	if a.StartTime.IsZero() {
		v.Add("start_time", "required")
	}
	if !a.EndTime.After(a.StartTime) {
		v.Add("end_time", "must be after start_time")
	}
	if a.Status != "" && !validStatuses[a.Status] {
		v.Add("status", "unknown status")
	}
	return v.OrNil()
}

// Filter narrows List. Zero values are ignored.
type Filter struct {
	VetID        *uuid.UUID
	PetID        *uuid.UUID
	RecurrenceID *uuid.UUID
	Status       Status
	From         *time.Time
	To           *time.Time
}
