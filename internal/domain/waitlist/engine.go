package waitlist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/domain/appointment"
	"github.com/vetcare/scheduling/internal/domain/recurrence"
	"github.com/vetcare/scheduling/internal/platform/db"
	"github.com/vetcare/scheduling/internal/platform/notification"
)

// ErrOfferUnavailable wraps every conflict or state error on the accept path:
// the offer expired, was withdrawn, was already accepted, or its slot is gone.
var ErrOfferUnavailable = errors.New("offer no longer available")

var errDuplicateJoin = apperr.Conflict("pet is already on the waitlist for this service and date")

// Policy holds the tunable parts of the offer lifecycle.
type Policy struct {
	OfferWindow time.Duration
	// AutoReoffer offers a slot to the next waiting entry when an offer on it
	// expires or is withdrawn.
	AutoReoffer bool
	// FlexibleDays bounds the flexible-date fallback. Zero disables it.
	FlexibleDays int
}

func DefaultPolicy() Policy {
	return Policy{OfferWindow: 24 * time.Hour, AutoReoffer: true, FlexibleDays: 7}
}

// Engine drives waitlist entries through waiting, offered and the terminal
// states. Every transition is a conditional update inside one transaction.
type Engine struct {
	repo     Repository
	appts    appointment.Repository
	booker   *appointment.Booker
	catalog  appointment.Catalog
	tx       db.TxRunner
	notifier notification.Dispatcher
	policy   Policy
	loc      *time.Location
	logger   zerolog.Logger

	Now func() time.Time
}

func NewEngine(repo Repository, appts appointment.Repository, booker *appointment.Booker, catalog appointment.Catalog,
	tx db.TxRunner, notifier notification.Dispatcher, policy Policy, loc *time.Location, logger zerolog.Logger) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	if notifier == nil {
		notifier = notification.Nop{}
	}
	return &Engine{
		repo:     repo,
		appts:    appts,
		booker:   booker,
		catalog:  catalog,
		tx:       tx,
		notifier: notifier,
		policy:   policy,
		loc:      loc,
		logger:   logger,
		Now:      time.Now,
	}
}

func (e *Engine) today() time.Time {
	return recurrence.DateOf(e.Now().In(e.loc))
}

type JoinRequest struct {
	PetID              uuid.UUID  `json:"pet_id"`
	ServiceID          uuid.UUID  `json:"service_id"`
	PreferredDate      string     `json:"preferred_date"`
	PreferredTimeStart *string    `json:"preferred_time_start,omitempty"`
	PreferredTimeEnd   *string    `json:"preferred_time_end,omitempty"`
	PreferredVetID     *uuid.UUID `json:"preferred_vet_id,omitempty"`
	IsFlexibleDate     bool       `json:"is_flexible_date"`
	Notes              string     `json:"notes,omitempty"`
}

func normalizeOptionalTime(v *apperr.ValidationError, field string, s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	n, err := recurrence.NormalizeTime(*s)
	if err != nil {
		v.Add(field, err.Error())
		return nil
	}
	return &n
}

// Join appends an entry to its group with the next free position.
func (e *Engine) Join(ctx context.Context, tenantID string, req JoinRequest) (*Entry, error) {
	v := &apperr.ValidationError{}
	if req.PetID == uuid.Nil {
		v.Add("pet_id", "required")
	}
	if req.ServiceID == uuid.Nil {
		v.Add("service_id", "required")
	}
	date, err := recurrence.ParseDate(req.PreferredDate)
	if err != nil {
		v.Add("preferred_date", "must be a date like 2024-01-31")
	} else if date.Before(e.today()) {
		v.Add("preferred_date", "must not be in the past")
	}
	start := normalizeOptionalTime(v, "preferred_time_start", req.PreferredTimeStart)
	end := normalizeOptionalTime(v, "preferred_time_end", req.PreferredTimeEnd)
	if start != nil && end != nil && *end <= *start {
		v.Add("preferred_time_end", "must be after preferred_time_start")
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	if _, err := e.catalog.GetPet(ctx, tenantID, req.PetID); err != nil {
		return nil, err
	}
	if _, err := e.catalog.GetService(ctx, tenantID, req.ServiceID); err != nil {
		return nil, err
	}
	if req.PreferredVetID != nil {
		if _, err := e.catalog.GetVet(ctx, tenantID, *req.PreferredVetID); err != nil {
			return nil, err
		}
	}

	entry := &Entry{
		TenantID:           tenantID,
		PetID:              req.PetID,
		ServiceID:          req.ServiceID,
		PreferredDate:      date,
		PreferredTimeStart: start,
		PreferredTimeEnd:   end,
		PreferredVetID:     req.PreferredVetID,
		IsFlexibleDate:     req.IsFlexibleDate,
		Status:             StatusWaiting,
		Notes:              req.Notes,
	}
	err = e.tx.InTx(ctx, func(ctx context.Context) error {
		if err := e.repo.LockGroup(ctx, entry.Group()); err != nil {
			return err
		}
		pos, err := e.repo.NextPosition(ctx, entry.Group())
		if err != nil {
			return fmt.Errorf("next position: %w", err)
		}
		entry.Position = pos
		return e.repo.Create(ctx, entry)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().Str("tenant_id", tenantID).Str("entry_id", entry.ID.String()).
		Str("preferred_date", date.Format(time.DateOnly)).Int("position", entry.Position).Msg("waitlist joined")
	return entry, nil
}

func (e *Engine) Get(ctx context.Context, tenantID string, id uuid.UUID) (*Entry, error) {
	return e.repo.GetByID(ctx, tenantID, id)
}

func (e *Engine) List(ctx context.Context, tenantID string, f Filter, limit, offset int) ([]*Entry, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, apperr.Invalid("status", "unknown status "+string(f.Status))
	}
	return e.repo.List(ctx, tenantID, f, limit, offset)
}

// OfferSlot offers a cancelled appointment's slot to the waitlist on behalf
// of staff. It returns nil when nobody is waiting for it.
func (e *Engine) OfferSlot(ctx context.Context, tenantID string, appointmentID uuid.UUID) (*Entry, error) {
	slot, err := e.appts.GetByID(ctx, tenantID, appointmentID)
	if err != nil {
		return nil, err
	}
	if slot.Status != appointment.StatusCancelled {
		return nil, &apperr.StateError{Resource: "appointment", State: string(slot.Status), Action: "offer"}
	}
	if !slot.StartTime.After(e.Now()) {
		return nil, apperr.Invalid("appointment_id", "slot has already started")
	}
	return e.offer(ctx, slot)
}

// OnSlotFreed is called after an appointment is cancelled.
func (e *Engine) OnSlotFreed(ctx context.Context, a *appointment.Appointment) error {
	if !a.StartTime.After(e.Now()) {
		return nil
	}
	_, err := e.offer(ctx, a)
	return err
}

// offer picks the lowest positioned waiting entry of the slot's group, or the
// closest flexible-date entry when the group is empty, and marks it offered.
// Nothing is offered once another appointment has taken the slot.
func (e *Engine) offer(ctx context.Context, slot *appointment.Appointment) (*Entry, error) {
	g := Group{
		TenantID:  slot.TenantID,
		ServiceID: slot.ServiceID,
		Date:      recurrence.DateOf(slot.StartTime.In(e.loc)),
	}
	expires := e.Now().Add(e.policy.OfferWindow).UTC()

	var offered *Entry
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		taken, err := e.repo.HasActiveOffer(ctx, slot.TenantID, slot.ID)
		if err != nil {
			return err
		}
		if taken {
			return apperr.Conflict("appointment %s is already offered", slot.ID)
		}
		// Held until commit, so a booking for the same resource either lands
		// before the check below or waits for the offer to be recorded.
		if err := e.appts.LockResource(ctx, slot.TenantID, slot.ResourceKey()); err != nil {
			return err
		}
		claimed, err := e.slotClaimed(ctx, slot)
		if err != nil {
			return err
		}
		if claimed {
			e.logger.Info().Str("tenant_id", slot.TenantID).Str("appointment_id", slot.ID.String()).
				Msg("slot already booked, nothing offered")
			return nil
		}
		if err := e.repo.LockGroup(ctx, g); err != nil {
			return err
		}
		next, err := e.repo.NextWaiting(ctx, g)
		if err != nil {
			return fmt.Errorf("next waiting: %w", err)
		}
		if next == nil && e.policy.FlexibleDays > 0 {
			if next, err = e.repo.NextFlexible(ctx, g, e.policy.FlexibleDays); err != nil {
				return fmt.Errorf("next flexible: %w", err)
			}
		}
		if next == nil {
			return nil
		}
		ok, err := e.repo.MarkOffered(ctx, slot.TenantID, next.ID, slot.ID, expires)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("waitlist entry %s is no longer waiting", next.ID)
		}
		next.Status = StatusOffered
		next.OfferedAppointmentID = &slot.ID
		next.OfferExpiresAt = &expires
		offered = next
		return nil
	})
	if err != nil || offered == nil {
		return nil, err
	}

	e.logger.Info().Str("tenant_id", slot.TenantID).Str("entry_id", offered.ID.String()).
		Str("appointment_id", slot.ID.String()).Int("position", offered.Position).Msg("waitlist offer created")
	e.notify(ctx, notification.EventSlotAvailable, offered, map[string]string{
		"date":       slot.StartTime.In(e.loc).Format(time.DateOnly),
		"time":       slot.StartTime.In(e.loc).Format("15:04"),
		"expires_at": expires.In(e.loc).Format("2006-01-02 15:04"),
	})
	return offered, nil
}

// slotClaimed reports whether another live appointment now occupies the
// cancelled slot's resource and time.
func (e *Engine) slotClaimed(ctx context.Context, slot *appointment.Appointment) (bool, error) {
	existing, err := e.appts.ListOverlapping(ctx, slot.TenantID, slot.VetID, slot.StartTime, slot.EndTime)
	if err != nil {
		return false, fmt.Errorf("list overlapping: %w", err)
	}
	for _, x := range existing {
		if x.ID != slot.ID && appointment.Overlaps(slot.StartTime, slot.EndTime, x.StartTime, x.EndTime) {
			return true, nil
		}
	}
	return false, nil
}

// Accept books the offered slot for the entry. The entry row stays locked
// from the state check until it is marked booked, so a concurrent accept or
// expiry sweep either runs first and makes this call fail, or waits.
func (e *Engine) Accept(ctx context.Context, tenantID string, id uuid.UUID) (*Entry, *appointment.Appointment, error) {
	var (
		entry  *Entry
		booked *appointment.Appointment
	)
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := e.repo.GetForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if cur.Status != StatusOffered {
			return &apperr.StateError{Resource: "waitlist entry", State: string(cur.Status), Action: "accept"}
		}
		if !cur.OfferActive(e.Now()) {
			return &apperr.StateError{Resource: "waitlist entry", State: "offer expired", Action: "accept"}
		}
		slot, err := e.appts.GetByID(ctx, tenantID, *cur.OfferedAppointmentID)
		if apperr.IsNotFound(err) {
			return apperr.Conflict("offered appointment %s no longer exists", cur.OfferedAppointmentID)
		}
		if err != nil {
			return err
		}
		if slot.Status != appointment.StatusCancelled {
			return apperr.Conflict("offered appointment %s is no longer free", slot.ID)
		}

		a := &appointment.Appointment{
			TenantID:  tenantID,
			PetID:     cur.PetID,
			ServiceID: slot.ServiceID,
			VetID:     slot.VetID,
			StartTime: slot.StartTime,
			EndTime:   slot.EndTime,
			Status:    appointment.StatusScheduled,
			Notes:     "booked from waitlist",
		}
		if err := e.booker.Book(ctx, a); err != nil {
			return err
		}
		ok, err := e.repo.MarkBooked(ctx, tenantID, id, a.ID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("waitlist entry %s changed while accepting", id)
		}
		cur.Status = StatusBooked
		cur.BookedAppointmentID = &a.ID
		cur.OfferedAppointmentID = nil
		cur.OfferExpiresAt = nil
		entry, booked = cur, a
		return nil
	})
	if err != nil {
		if apperr.IsConflict(err) || apperr.IsState(err) {
			return nil, nil, fmt.Errorf("%w: %w", ErrOfferUnavailable, err)
		}
		return nil, nil, err
	}

	e.logger.Info().Str("tenant_id", tenantID).Str("entry_id", id.String()).
		Str("appointment_id", booked.ID.String()).Msg("waitlist offer accepted")
	e.notify(ctx, notification.EventOfferConfirmed, entry, map[string]string{
		"date": booked.StartTime.In(e.loc).Format(time.DateOnly),
		"time": booked.StartTime.In(e.loc).Format("15:04"),
	})
	return entry, booked, nil
}

// Withdraw cancels a waiting or offered entry. A withdrawn offer's slot goes
// to the next entry when AutoReoffer is on.
func (e *Engine) Withdraw(ctx context.Context, tenantID string, id uuid.UUID) (*Entry, error) {
	var prev *Entry
	err := e.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := e.repo.GetForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		if !CanTransition(cur.Status, StatusCancelled) {
			return &apperr.StateError{Resource: "waitlist entry", State: string(cur.Status), Action: "withdraw"}
		}
		ok, err := e.repo.MarkCancelled(ctx, tenantID, id, cur.Status)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Conflict("waitlist entry %s changed while withdrawing", id)
		}
		prev = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := *prev
	out.Status = StatusCancelled
	out.OfferedAppointmentID = nil
	out.OfferExpiresAt = nil
	e.logger.Info().Str("tenant_id", tenantID).Str("entry_id", id.String()).
		Str("from", string(prev.Status)).Msg("waitlist entry withdrawn")

	if prev.Status == StatusOffered {
		e.notify(ctx, notification.EventOfferDeclined, &out, nil)
		if e.policy.AutoReoffer && prev.OfferedAppointmentID != nil {
			if _, err := e.reoffer(ctx, tenantID, *prev.OfferedAppointmentID); err != nil {
				e.logger.Warn().Err(err).Str("tenant_id", tenantID).
					Str("appointment_id", prev.OfferedAppointmentID.String()).Msg("re-offer after withdrawal failed")
			}
		}
	}
	return &out, nil
}

// reoffer offers a previously offered slot again if it is still free and in
// the future.
func (e *Engine) reoffer(ctx context.Context, tenantID string, appointmentID uuid.UUID) (*Entry, error) {
	slot, err := e.appts.GetByID(ctx, tenantID, appointmentID)
	if err != nil {
		return nil, err
	}
	if slot.Status != appointment.StatusCancelled || !slot.StartTime.After(e.Now()) {
		return nil, nil
	}
	return e.offer(ctx, slot)
}

// ExpiryReport summarises one expiry sweep.
type ExpiryReport struct {
	Expired   int      `json:"expired_offers_processed"`
	Reoffered int      `json:"reoffered"`
	Failed    []string `json:"failed_entries,omitempty"`
}

// ExpireOffers flips every offer past its expiry to expired and, with
// AutoReoffer, hands each slot to the next waiting entry of its group.
// Re-offer failures are collected into a PartialBatchFailure.
func (e *Engine) ExpireOffers(ctx context.Context) (ExpiryReport, error) {
	var report ExpiryReport
	expired, err := e.repo.ExpireDue(ctx, e.Now())
	if err != nil {
		return report, fmt.Errorf("expire offers: %w", err)
	}
	sort.SliceStable(expired, func(i, j int) bool {
		a, b := expired[i], expired[j]
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if !a.PreferredDate.Equal(b.PreferredDate) {
			return a.PreferredDate.Before(b.PreferredDate)
		}
		return before(a, b)
	})
	report.Expired = len(expired)

	var errs error
	for _, x := range expired {
		e.logger.Info().Str("tenant_id", x.TenantID).Str("entry_id", x.ID.String()).Msg("waitlist offer expired")
		e.notify(ctx, notification.EventOfferExpired, x, nil)
		if !e.policy.AutoReoffer || x.OfferedAppointmentID == nil {
			continue
		}
		next, err := e.reoffer(ctx, x.TenantID, *x.OfferedAppointmentID)
		switch {
		case apperr.IsConflict(err):
			e.logger.Info().Err(err).Str("entry_id", x.ID.String()).Msg("slot already re-offered")
		case err != nil:
			e.logger.Error().Err(err).Str("tenant_id", x.TenantID).Str("entry_id", x.ID.String()).Msg("re-offer failed")
			report.Failed = append(report.Failed, x.ID.String())
			errs = multierr.Append(errs, fmt.Errorf("re-offer after entry %s: %w", x.ID, err))
		case next != nil:
			report.Reoffered++
		}
	}
	if errs != nil {
		return report, &apperr.PartialBatchFailure{Job: "expire-offers", Failed: report.Failed, Cause: errs}
	}
	return report, nil
}

func (e *Engine) notify(ctx context.Context, t notification.EventType, entry *Entry, extra map[string]string) {
	pet, err := e.catalog.GetPet(ctx, entry.TenantID, entry.PetID)
	if err != nil {
		e.logger.Warn().Err(err).Str("entry_id", entry.ID.String()).Msg("notification recipient lookup failed")
		return
	}
	data := map[string]string{
		"pet_name":   pet.Name,
		"owner_name": pet.OwnerName,
		"date":       entry.PreferredDate.Format(time.DateOnly),
	}
	if svc, err := e.catalog.GetService(ctx, entry.TenantID, entry.ServiceID); err == nil {
		data["service_name"] = svc.Name
	}
	for k, v := range extra {
		data[k] = v
	}
	e.notifier.Notify(ctx, notification.Event{
		Type:       t,
		TenantID:   entry.TenantID,
		Recipient:  notification.Recipient{Name: pet.OwnerName, Email: pet.OwnerEmail, Phone: pet.OwnerPhone},
		Data:       data,
		OccurredAt: e.Now().UTC(),
	})
}
