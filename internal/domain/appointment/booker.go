package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/platform/db"
)

// Booker is the only write path that creates appointments. Scheduler runs,
// waitlist accepts and manual bookings all go through Book so the no-overlap
// rule holds whatever the entry point.
type Booker struct {
	repo Repository
	tx   db.TxRunner
}

func NewBooker(repo Repository, tx db.TxRunner) *Booker {
	return &Booker{repo: repo, tx: tx}
}

// Book inserts a after checking it against every non-cancelled appointment of
// the same resource. Lock, check and insert share one transaction, joining the
// caller's when there is one. A duplicate recurrence occurrence fails with
// ErrDuplicateOccurrence; an overlap fails with a ConflictError.
func (b *Booker) Book(ctx context.Context, a *Appointment) error {
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	if err := a.Validate(); err != nil {
		return err
	}
	if a.Status != StatusScheduled {
		return apperr.Invalid("status", "new appointments must be scheduled")
	}

	return b.tx.InTx(ctx, func(ctx context.Context) error {
		if err := b.repo.LockResource(ctx, a.TenantID, a.ResourceKey()); err != nil {
			return err
		}

		if a.RecurrenceID != nil {
			exists, err := b.repo.ExistsForRecurrence(ctx, a.TenantID, *a.RecurrenceID, a.StartTime)
			if err != nil {
				return fmt.Errorf("check occurrence: %w", err)
			}
			if exists {
				return fmt.Errorf("%w: %w", ErrDuplicateOccurrence,
					apperr.Conflict("recurrence %s already has an appointment at %s", a.RecurrenceID, a.StartTime.Format(time.RFC3339)))
			}
		}

		existing, err := b.repo.ListOverlapping(ctx, a.TenantID, a.VetID, a.StartTime, a.EndTime)
		if err != nil {
			return fmt.Errorf("list overlapping: %w", err)
		}
		for _, x := range existing {
			if Overlaps(a.StartTime, a.EndTime, x.StartTime, x.EndTime) {
				return apperr.Conflict("%s-%s overlaps appointment %s on %s",
					a.StartTime.Format(time.RFC3339), a.EndTime.Format(time.RFC3339), x.ID, a.ResourceKey())
			}
		}

		return b.repo.Create(ctx, a)
	})
}
