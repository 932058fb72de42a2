package waitlist

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists waitlist entries. Every conditional Mark* call reports
// whether the row was still in the expected prior state; false means another
// writer won.
type Repository interface {
	// LockGroup serialises joins and offers of one group until the
	// surrounding transaction ends.
	LockGroup(ctx context.Context, g Group) error
	// NextPosition returns MAX(position)+1 over every entry of the group.
	NextPosition(ctx context.Context, g Group) (int, error)
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Entry, error)
	GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Entry, error)
	List(ctx context.Context, tenantID string, f Filter, limit, offset int) ([]*Entry, int, error)

	// NextWaiting returns the lowest positioned waiting entry of the group,
	// or nil when there is none.
	NextWaiting(ctx context.Context, g Group) (*Entry, error)
	// NextFlexible returns the waiting flexible-date entry for the service
	// whose preferred date is closest to g.Date, within days either side.
	NextFlexible(ctx context.Context, g Group, days int) (*Entry, error)
	// HasActiveOffer reports whether some entry holds an offer on the
	// appointment.
	HasActiveOffer(ctx context.Context, tenantID string, appointmentID uuid.UUID) (bool, error)

	MarkOffered(ctx context.Context, tenantID string, id, appointmentID uuid.UUID, expiresAt time.Time) (bool, error)
	MarkBooked(ctx context.Context, tenantID string, id, bookedID uuid.UUID) (bool, error)
	MarkCancelled(ctx context.Context, tenantID string, id uuid.UUID, from Status) (bool, error)
	// ExpireDue flips every offer with offer_expires_at <= now to expired
	// across tenants. The returned entries still carry the offer fields
	// they held, so callers can re-offer the slot.
	ExpireDue(ctx context.Context, now time.Time) ([]*Entry, error)
}
