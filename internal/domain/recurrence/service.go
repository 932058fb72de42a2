package recurrence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/domain/appointment"
	"github.com/vetcare/scheduling/internal/platform/notification"
)

const (
	MaxHorizonDays = 365
	maxPreviewDays = 366
)

type Service struct {
	repo        Repository
	scheduler   *Scheduler
	expander    *Expander
	catalog     appointment.Catalog
	appts       *appointment.Service
	notifier    notification.Dispatcher
	horizonDays int
	logger      zerolog.Logger
}

func NewService(repo Repository, scheduler *Scheduler, expander *Expander, catalog appointment.Catalog,
	appts *appointment.Service, notifier notification.Dispatcher, horizonDays int, logger zerolog.Logger) *Service {
	return &Service{
		repo:        repo,
		scheduler:   scheduler,
		expander:    expander,
		catalog:     catalog,
		appts:       appts,
		notifier:    notifier,
		horizonDays: horizonDays,
		logger:      logger,
	}
}

type CreateRequest struct {
	PetID           uuid.UUID  `json:"pet_id"`
	ServiceID       uuid.UUID  `json:"service_id"`
	PreferredVetID  *uuid.UUID `json:"preferred_vet_id,omitempty"`
	Frequency       Frequency  `json:"frequency"`
	IntervalValue   int        `json:"interval_value"`
	DaysOfWeek      []int      `json:"days_of_week,omitempty"`
	DayOfMonth      *int       `json:"day_of_month,omitempty"`
	PreferredTime   string     `json:"preferred_time"`
	DurationMinutes int        `json:"duration_minutes,omitempty"`
	StartDate       string     `json:"start_date"`
	EndDate         *string    `json:"end_date,omitempty"`
	MaxOccurrences  *int       `json:"max_occurrences,omitempty"`
}

// Create validates and stores a new active pattern. Interval defaults to 1
// and duration to the service's duration.
func (s *Service) Create(ctx context.Context, tenantID string, req CreateRequest) (*Pattern, error) {
	v := &apperr.ValidationError{}
	p := &Pattern{
		TenantID:        tenantID,
		PetID:           req.PetID,
		ServiceID:       req.ServiceID,
		PreferredVetID:  req.PreferredVetID,
		Frequency:       req.Frequency,
		IntervalValue:   req.IntervalValue,
		DaysOfWeek:      req.DaysOfWeek,
		DayOfMonth:      req.DayOfMonth,
		PreferredTime:   req.PreferredTime,
		DurationMinutes: req.DurationMinutes,
		MaxOccurrences:  req.MaxOccurrences,
		IsActive:        true,
	}
	if p.IntervalValue == 0 {
		p.IntervalValue = 1
	}
	if d, err := ParseDate(req.StartDate); err != nil {
		v.Add("start_date", "must be a date like 2024-01-31")
	} else {
		p.StartDate = d
	}
	if req.EndDate != nil {
		if d, err := ParseDate(*req.EndDate); err != nil {
			v.Add("end_date", "must be a date like 2024-01-31")
		} else {
			p.EndDate = &d
		}
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	if _, err := s.catalog.GetPet(ctx, tenantID, p.PetID); err != nil {
		return nil, err
	}
	svc, err := s.catalog.GetService(ctx, tenantID, p.ServiceID)
	if err != nil {
		return nil, err
	}
	if p.DurationMinutes == 0 {
		p.DurationMinutes = svc.DurationMinutes
	}
	if p.PreferredVetID != nil {
		if _, err := s.catalog.GetVet(ctx, tenantID, *p.PreferredVetID); err != nil {
			return nil, err
		}
	}

	if err := Validate(p); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("recurrence_id", p.ID.String()).
		Str("frequency", string(p.Frequency)).Msg("recurrence created")
	return p, nil
}

func (s *Service) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Pattern, error) {
	return s.repo.GetByID(ctx, tenantID, id)
}

func (s *Service) List(ctx context.Context, tenantID string, f Filter, limit, offset int) ([]*Pattern, int, error) {
	return s.repo.List(ctx, tenantID, f, limit, offset)
}

// Pause stops generation until the given date, which must be after today.
func (s *Service) Pause(ctx context.Context, tenantID string, id uuid.UUID, until time.Time) (*Pattern, error) {
	until = DateOf(until)
	if !until.After(s.expander.Today()) {
		return nil, apperr.Invalid("paused_until", "must be after today")
	}
	p, err := s.repo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, &apperr.StateError{Resource: "recurrence", State: "inactive", Action: "pause"}
	}
	p, err = s.repo.SetPausedUntil(ctx, tenantID, id, &until)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, notification.EventPatternPaused, p, map[string]string{"paused_until": until.Format(time.DateOnly)})
	return p, nil
}

// Resume clears a pause immediately.
func (s *Service) Resume(ctx context.Context, tenantID string, id uuid.UUID) (*Pattern, error) {
	p, err := s.repo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if p.PausedUntil == nil {
		return nil, &apperr.StateError{Resource: "recurrence", State: "not paused", Action: "resume"}
	}
	p, err = s.repo.SetPausedUntil(ctx, tenantID, id, nil)
	if err != nil {
		return nil, err
	}
	s.notify(ctx, notification.EventPatternResumed, p, nil)
	return p, nil
}

// Deactivate stops the pattern for good. With cancelFuture its scheduled
// occurrences after now are cancelled as well.
func (s *Service) Deactivate(ctx context.Context, tenantID string, id uuid.UUID, cancelFuture bool) (*Pattern, int, error) {
	p, err := s.repo.Deactivate(ctx, tenantID, id)
	if err != nil {
		return nil, 0, err
	}
	cancelled := 0
	if cancelFuture {
		cancelled, err = s.appts.CancelFutureForRecurrence(ctx, tenantID, id, s.expander.Now())
		if err != nil {
			return p, 0, err
		}
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("recurrence_id", id.String()).
		Int("cancelled", cancelled).Msg("recurrence deactivated")
	return p, cancelled, nil
}

// Generate fills one pattern's horizon on demand.
func (s *Service) Generate(ctx context.Context, tenantID string, id uuid.UUID, daysAhead int) (PatternResult, error) {
	if daysAhead == 0 {
		daysAhead = s.horizonDays
	}
	if daysAhead < 1 || daysAhead > MaxHorizonDays {
		return PatternResult{}, apperr.Invalid("days_ahead", "must be between 1 and "+strconv.Itoa(MaxHorizonDays))
	}
	p, err := s.repo.GetByID(ctx, tenantID, id)
	if err != nil {
		return PatternResult{}, err
	}
	if !p.IsActive {
		return PatternResult{}, &apperr.StateError{Resource: "recurrence", State: "inactive", Action: "generate"}
	}
	return s.scheduler.GeneratePattern(ctx, p, daysAhead)
}

// Preview returns the capped candidate sequence without booking anything.
func (s *Service) Preview(ctx context.Context, tenantID string, id uuid.UUID, from, to time.Time) ([]Candidate, error) {
	from, to = DateOf(from), DateOf(to)
	if to.Before(from) {
		return nil, apperr.Invalid("to", "must not be before from")
	}
	if to.Sub(from) > maxPreviewDays*24*time.Hour {
		return nil, apperr.Invalid("to", "preview window is limited to one year")
	}
	p, err := s.repo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := CheckExpandable(p); err != nil {
		return nil, err
	}
	out := []Candidate{}
	for c := range s.expander.Expand(p, from, to) {
		out = append(out, c)
	}
	return out, nil
}

// Upcoming lists the pattern's scheduled occurrences from now on.
func (s *Service) Upcoming(ctx context.Context, tenantID string, id uuid.UUID, limit int) (*Pattern, []*appointment.Appointment, error) {
	p, err := s.repo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, nil, err
	}
	now := s.expander.Now()
	items, _, err := s.appts.List(ctx, tenantID, appointment.Filter{
		RecurrenceID: &id,
		Status:       appointment.StatusScheduled,
		From:         &now,
	}, limit, 0)
	if err != nil {
		return nil, nil, err
	}
	return p, items, nil
}

func (s *Service) notify(ctx context.Context, t notification.EventType, p *Pattern, extra map[string]string) {
	pet, err := s.catalog.GetPet(ctx, p.TenantID, p.PetID)
	if err != nil {
		s.logger.Warn().Err(err).Str("recurrence_id", p.ID.String()).Msg("notification recipient lookup failed")
		return
	}
	data := map[string]string{
		"pet_name":   pet.Name,
		"owner_name": pet.OwnerName,
	}
	if svc, err := s.catalog.GetService(ctx, p.TenantID, p.ServiceID); err == nil {
		data["service_name"] = svc.Name
	}
	for k, v := range extra {
		data[k] = v
	}
	s.notifier.Notify(ctx, notification.Event{
		Type:       t,
		TenantID:   p.TenantID,
		Recipient:  notification.Recipient{Name: pet.OwnerName, Email: pet.OwnerEmail, Phone: pet.OwnerPhone},
		Data:       data,
		OccurredAt: s.expander.Now().UTC(),
	})
}

// ResumeExpiredPauses clears every pause whose date has been reached and
// tells the owners. It returns the number of patterns resumed.
func (s *Service) ResumeExpiredPauses(ctx context.Context) (int, error) {
	resumed, err := s.repo.ClearExpiredPauses(ctx, s.expander.Today())
	if err != nil {
		return 0, fmt.Errorf("clear expired pauses: %w", err)
	}
	for _, p := range resumed {
		s.logger.Info().Str("tenant_id", p.TenantID).Str("recurrence_id", p.ID.String()).Msg("recurrence resumed")
		s.notify(ctx, notification.EventPatternResumed, p, nil)
	}
	return len(resumed), nil
}

// WarnNearLimit notifies owners of patterns with between 1 and threshold
// occurrences left. Each pattern is warned once.
func (s *Service) WarnNearLimit(ctx context.Context, threshold int) (int, error) {
	patterns, err := s.repo.ListNearLimit(ctx, threshold)
	if err != nil {
		return 0, fmt.Errorf("list near-limit patterns: %w", err)
	}
	var (
		sent int
		errs error
	)
	for _, p := range patterns {
		ok, err := s.repo.MarkNearLimitNotified(ctx, p.TenantID, p.ID, s.expander.Now().UTC())
		if err != nil {
			s.logger.Error().Err(err).Str("recurrence_id", p.ID.String()).Msg("near-limit mark failed")
			errs = multierr.Append(errs, fmt.Errorf("recurrence %s: %w", p.ID, err))
			continue
		}
		if !ok {
			continue
		}
		s.notify(ctx, notification.EventNearLimit, p, map[string]string{"remaining": strconv.Itoa(p.Remaining())})
		sent++
	}
	return sent, errs
}
