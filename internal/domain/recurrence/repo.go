package recurrence

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, p *Pattern) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Pattern, error)
	// GetForUpdate reads the pattern and holds its row lock until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Pattern, error)
	List(ctx context.Context, tenantID string, f Filter, limit, offset int) ([]*Pattern, int, error)

	// ListSchedulable returns active, uncapped-or-unexhausted patterns across
	// all tenants that are not paused past today.
	ListSchedulable(ctx context.Context, today time.Time) ([]*Pattern, error)
	// IncrementGenerated bumps the counter unless the cap is reached. It
	// returns false when nothing was updated.
	IncrementGenerated(ctx context.Context, tenantID string, id uuid.UUID) (bool, error)

	SetPausedUntil(ctx context.Context, tenantID string, id uuid.UUID, until *time.Time) (*Pattern, error)
	Deactivate(ctx context.Context, tenantID string, id uuid.UUID) (*Pattern, error)

	// ClearExpiredPauses resumes every pattern whose pause ended on or before
	// today and returns the resumed patterns.
	ClearExpiredPauses(ctx context.Context, today time.Time) ([]*Pattern, error)
	// ListNearLimit returns active capped patterns with 1..threshold
	// occurrences left that have not been warned yet.
	ListNearLimit(ctx context.Context, threshold int) ([]*Pattern, error)
	// MarkNearLimitNotified records the warning. It returns false when
	// another run already did.
	MarkNearLimitNotified(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) (bool, error)
}
