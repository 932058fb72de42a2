package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/platform/db"
)

// SlotFreedListener is told about every appointment that was cancelled by a
// caller. The waitlist engine implements it.
type SlotFreedListener interface {
	OnSlotFreed(ctx context.Context, a *Appointment) error
}

type Service struct {
	repo     Repository
	booker   *Booker
	catalog  Catalog
	tx       db.TxRunner
	listener SlotFreedListener
	logger   zerolog.Logger
}

func NewService(repo Repository, booker *Booker, catalog Catalog, tx db.TxRunner, logger zerolog.Logger) *Service {
	return &Service{repo: repo, booker: booker, catalog: catalog, tx: tx, logger: logger}
}

// SetSlotFreedListener wires the waitlist after both sides are constructed.
func (s *Service) SetSlotFreedListener(l SlotFreedListener) {
	s.listener = l
}

type BookRequest struct {
	PetID     uuid.UUID  `json:"pet_id"`
	ServiceID uuid.UUID  `json:"service_id"`
	VetID     *uuid.UUID `json:"vet_id,omitempty"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// Book creates a manual appointment. The end time defaults to the service
// duration.
func (s *Service) Book(ctx context.Context, tenantID string, req BookRequest) (*Appointment, error) {
	if _, err := s.catalog.GetPet(ctx, tenantID, req.PetID); err != nil {
		return nil, err
	}
	svc, err := s.catalog.GetService(ctx, tenantID, req.ServiceID)
	if err != nil {
		return nil, err
	}
	if req.VetID != nil {
		vet, err := s.catalog.GetVet(ctx, tenantID, *req.VetID)
		if err != nil {
			return nil, err
		}
		if !vet.Active {
			return nil, apperr.Invalid("vet_id", "vet is not active")
		}
	}

	a := &Appointment{
		TenantID:  tenantID,
		PetID:     req.PetID,
		ServiceID: req.ServiceID,
		VetID:     req.VetID,
		StartTime: req.StartTime.UTC(),
		Notes:     req.Notes,
	}
	if req.EndTime != nil {
		a.EndTime = req.EndTime.UTC()
	} else {
		a.EndTime = a.StartTime.Add(time.Duration(svc.DurationMinutes) * time.Minute)
	}

	if err := s.booker.Book(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("appointment_id", a.ID.String()).
		Time("start_time", a.StartTime).Msg("appointment booked")
	return a, nil
}

func (s *Service) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetByID(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID string, f Filter, limit, offset int) ([]*Appointment, int, error) {
	if f.Status != "" && !validStatuses[f.Status] {
		return nil, 0, apperr.Invalid("status", "unknown status")
	}
	return s.repo.List(ctx, tenantID, f, limit, offset)
}

// Cancel frees the slot and then hands it to the waitlist. A waitlist failure
// is logged; the cancellation stands.
func (s *Service) Cancel(ctx context.Context, tenantID string, id uuid.UUID, reason string) (*Appointment, error) {
	a, err := s.transition(ctx, tenantID, id, StatusCancelled, "cancel", reason)
	if err != nil {
		return nil, err
	}
	if s.listener != nil {
		if err := s.listener.OnSlotFreed(ctx, a); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Str("appointment_id", id.String()).
				Msg("waitlist offer after cancellation failed")
		}
	}
	return a, nil
}

func (s *Service) Complete(ctx context.Context, tenantID string, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, tenantID, id, StatusCompleted, "complete", "")
}

func (s *Service) NoShow(ctx context.Context, tenantID string, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, tenantID, id, StatusNoShow, "mark no-show", "")
}

// CancelFutureForRecurrence cancels scheduled occurrences of a pattern that
// start after the given instant. The waitlist is not notified.
func (s *Service) CancelFutureForRecurrence(ctx context.Context, tenantID string, recurrenceID uuid.UUID, after time.Time) (int, error) {
	return s.repo.CancelFutureForRecurrence(ctx, tenantID, recurrenceID, after)
}

func (s *Service) transition(ctx context.Context, tenantID string, id uuid.UUID, to Status, action, reason string) (*Appointment, error) {
	var out *Appointment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetByID(ctx, tenantID, id)
		if err != nil {
			return err
		}
		a, ok, err := s.repo.Transition(ctx, tenantID, id, StatusScheduled, to, reason)
		if err != nil {
			return err
		}
		if !ok {
			return &apperr.StateError{Resource: "appointment", State: string(current.Status), Action: action}
		}
		out = a
		return nil
	})
	return out, err
}
