package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateOccurrence marks an insert for a (recurrence, start time) pair
// that already has a row, whatever that row's status.
var ErrDuplicateOccurrence = errors.New("occurrence already generated")

type Repository interface {
	// LockResource serialises writers for one bookable resource until the
	// surrounding transaction ends.
	LockResource(ctx context.Context, tenantID, resourceKey string) error
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Appointment, error)
	ExistsForRecurrence(ctx context.Context, tenantID string, recurrenceID uuid.UUID, start time.Time) (bool, error)
	// ListOverlapping returns the non-cancelled appointments of the resource
	// that intersect [start, end).
	ListOverlapping(ctx context.Context, tenantID string, vetID *uuid.UUID, start, end time.Time) ([]*Appointment, error)
	// Transition moves the appointment from one status to another. It returns
	// false when the row is not in the expected status.
	Transition(ctx context.Context, tenantID string, id uuid.UUID, from, to Status, reason string) (*Appointment, bool, error)
	CancelFutureForRecurrence(ctx context.Context, tenantID string, recurrenceID uuid.UUID, after time.Time) (int, error)
	List(ctx context.Context, tenantID string, f Filter, limit, offset int) ([]*Appointment, int, error)
}
