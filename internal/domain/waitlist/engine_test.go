package waitlist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/domain/appointment"
	"github.com/vetcare/scheduling/internal/platform/db"
	"github.com/vetcare/scheduling/internal/platform/notification"
)

const tenant = "acme"

var (
	start     = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	slotDay   = "2024-03-05"
	slotStart = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	engine    *Engine
	repo      *MemoryRepository
	appts     *appointment.MemoryRepository
	apptSvc   *appointment.Service
	booker    *appointment.Booker
	catalog   *appointment.MemoryCatalog
	rec       *notification.Recorder
	serviceID uuid.UUID
	vetID     uuid.UUID
	now       time.Time
}

func newFixture(policy Policy) *fixture {
	tx := &db.SerialTxRunner{}
	appts := appointment.NewMemoryRepository()
	booker := appointment.NewBooker(appts, tx)
	cat := appointment.NewMemoryCatalog()
	svc := cat.AddService(&appointment.ClinicService{TenantID: tenant, Name: "Dental", DurationMinutes: 30})
	vet := cat.AddVet(&appointment.Vet{TenantID: tenant, Name: "Dr. Lee", Active: true})
	rec := &notification.Recorder{}
	repo := NewMemoryRepository()

	f := &fixture{
		repo:      repo,
		appts:     appts,
		booker:    booker,
		catalog:   cat,
		rec:       rec,
		serviceID: svc.ID,
		vetID:     vet.ID,
		now:       start,
	}
	f.engine = NewEngine(repo, appts, booker, cat, tx, rec, policy, time.UTC, zerolog.Nop())
	f.engine.Now = func() time.Time { return f.now }
	f.apptSvc = appointment.NewService(appts, booker, cat, tx, zerolog.Nop())
	f.apptSvc.SetSlotFreedListener(f.engine)
	return f
}

func (f *fixture) pet(name string) uuid.UUID {
	return f.catalog.AddPet(&appointment.Pet{
		TenantID: tenant, Name: name, OwnerName: name + "'s owner", OwnerEmail: name + "@example.com",
	}).ID
}

func (f *fixture) join(t *testing.T, pet uuid.UUID, date string, flexible bool) *Entry {
	t.Helper()
	e, err := f.engine.Join(context.Background(), tenant, JoinRequest{
		PetID: pet, ServiceID: f.serviceID, PreferredDate: date, IsFlexibleDate: flexible,
	})
	require.NoError(t, err)
	return e
}

// freedSlot books an appointment and cancels it without notifying the
// waitlist, leaving a free slot to offer.
func (f *fixture) freedSlot(t *testing.T, at time.Time) *appointment.Appointment {
	t.Helper()
	vet := f.vetID
	a := &appointment.Appointment{
		TenantID: tenant, PetID: f.pet("Original"), ServiceID: f.serviceID, VetID: &vet,
		StartTime: at, EndTime: at.Add(30 * time.Minute),
	}
	require.NoError(t, f.booker.Book(context.Background(), a))
	cancelled, ok, err := f.appts.Transition(context.Background(), tenant, a.ID,
		appointment.StatusScheduled, appointment.StatusCancelled, "owner cancelled")
	require.NoError(t, err)
	require.True(t, ok)
	return cancelled
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *Entry {
	t.Helper()
	e, err := f.engine.Get(context.Background(), tenant, id)
	require.NoError(t, err)
	return e
}

func TestJoin_PositionsAreSequenceNumbers(t *testing.T) {
	f := newFixture(DefaultPolicy())
	a := f.join(t, f.pet("A"), slotDay, false)
	b := f.join(t, f.pet("B"), slotDay, false)
	c := f.join(t, f.pet("C"), slotDay, false)
	other := f.join(t, f.pet("D"), "2024-03-06", false)

	assert.Equal(t, []int{1, 2, 3}, []int{a.Position, b.Position, c.Position})
	assert.Equal(t, 1, other.Position, "positions are per group")

	_, err := f.engine.Withdraw(context.Background(), tenant, c.ID)
	require.NoError(t, err)
	d := f.join(t, f.pet("E"), slotDay, false)
	assert.Equal(t, 4, d.Position, "positions are never reused")
	assert.Equal(t, 1, f.get(t, a.ID).Position, "existing entries are never renumbered")
}

func TestJoin_Errors(t *testing.T) {
	f := newFixture(DefaultPolicy())
	ctx := context.Background()
	pet := f.pet("A")

	_, err := f.engine.Join(ctx, tenant, JoinRequest{PetID: pet, ServiceID: f.serviceID, PreferredDate: "2024-02-01"})
	assert.True(t, apperr.IsValidation(err), "past date")

	from, to := "11:00", "10:00"
	_, err = f.engine.Join(ctx, tenant, JoinRequest{
		PetID: pet, ServiceID: f.serviceID, PreferredDate: slotDay, PreferredTimeStart: &from, PreferredTimeEnd: &to,
	})
	assert.True(t, apperr.IsValidation(err), "inverted time window")

	_, err = f.engine.Join(ctx, tenant, JoinRequest{PetID: uuid.New(), ServiceID: f.serviceID, PreferredDate: slotDay})
	assert.True(t, apperr.IsNotFound(err))

	_, err = f.engine.Join(ctx, "other-tenant", JoinRequest{PetID: pet, ServiceID: f.serviceID, PreferredDate: slotDay})
	assert.True(t, apperr.IsNotFound(err))

	f.join(t, pet, slotDay, false)
	_, err = f.engine.Join(ctx, tenant, JoinRequest{PetID: pet, ServiceID: f.serviceID, PreferredDate: slotDay})
	assert.True(t, apperr.IsConflict(err), "duplicate join for the same group")
}

func TestOfferSlot_LowestPositionFirst(t *testing.T) {
	f := newFixture(DefaultPolicy())
	first := f.join(t, f.pet("A"), slotDay, false)
	second := f.join(t, f.pet("B"), slotDay, false)
	slot := f.freedSlot(t, slotStart)

	offered, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)
	require.NotNil(t, offered)
	assert.Equal(t, first.ID, offered.ID)
	assert.Equal(t, StatusOffered, offered.Status)
	assert.Equal(t, slot.ID, *offered.OfferedAppointmentID)
	assert.True(t, offered.OfferExpiresAt.Equal(start.Add(24*time.Hour)))
	assert.Equal(t, StatusWaiting, f.get(t, second.ID).Status)

	events := f.rec.OfType(notification.EventSlotAvailable)
	require.Len(t, events, 1)
	assert.Equal(t, "A@example.com", events[0].Recipient.Email)
	assert.Equal(t, "10:00", events[0].Data["time"])

	_, err = f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	assert.True(t, apperr.IsConflict(err), "only one active offer per slot")
}

func TestOfferSlot_Rejections(t *testing.T) {
	f := newFixture(DefaultPolicy())
	vet := f.vetID
	live := &appointment.Appointment{
		TenantID: tenant, PetID: f.pet("A"), ServiceID: f.serviceID, VetID: &vet,
		StartTime: slotStart, EndTime: slotStart.Add(30 * time.Minute),
	}
	require.NoError(t, f.booker.Book(context.Background(), live))

	_, err := f.engine.OfferSlot(context.Background(), tenant, live.ID)
	assert.True(t, apperr.IsState(err), "a scheduled appointment is not a free slot")

	_, err = f.engine.OfferSlot(context.Background(), tenant, uuid.New())
	assert.True(t, apperr.IsNotFound(err))

	past := f.freedSlot(t, start.Add(-time.Hour))
	_, err = f.engine.OfferSlot(context.Background(), tenant, past.ID)
	assert.True(t, apperr.IsValidation(err))
}

func TestOfferSlot_NobodyWaiting(t *testing.T) {
	f := newFixture(DefaultPolicy())
	slot := f.freedSlot(t, slotStart)
	offered, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)
	assert.Nil(t, offered)
}

func TestExpireOffers_ReoffersToNextPosition(t *testing.T) {
	f := newFixture(DefaultPolicy())
	p1 := f.join(t, f.pet("A"), slotDay, false)
	p2 := f.join(t, f.pet("B"), slotDay, false)
	p3 := f.join(t, f.pet("C"), slotDay, false)
	slot := f.freedSlot(t, slotStart)
	_, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)

	f.now = start.Add(23 * time.Hour)
	report, err := f.engine.ExpireOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired, "offer still inside its window")

	f.now = start.Add(24 * time.Hour)
	report, err = f.engine.ExpireOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Reoffered)

	assert.Equal(t, StatusExpired, f.get(t, p1.ID).Status)
	assert.Nil(t, f.get(t, p1.ID).OfferedAppointmentID)
	e2 := f.get(t, p2.ID)
	assert.Equal(t, StatusOffered, e2.Status)
	assert.Equal(t, slot.ID, *e2.OfferedAppointmentID)
	assert.Equal(t, StatusWaiting, f.get(t, p3.ID).Status)
	assert.Len(t, f.rec.OfType(notification.EventOfferExpired), 1)
	assert.Len(t, f.rec.OfType(notification.EventSlotAvailable), 2)

	report, err = f.engine.ExpireOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Expired, "sweep is idempotent")
}

func TestExpireOffers_NoAutoReoffer(t *testing.T) {
	policy := DefaultPolicy()
	policy.AutoReoffer = false
	f := newFixture(policy)
	p1 := f.join(t, f.pet("A"), slotDay, false)
	p2 := f.join(t, f.pet("B"), slotDay, false)
	slot := f.freedSlot(t, slotStart)
	_, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)

	f.now = start.Add(48 * time.Hour)
	report, err := f.engine.ExpireOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExpiryReport{Expired: 1}, report)
	assert.Equal(t, StatusExpired, f.get(t, p1.ID).Status)
	assert.Equal(t, StatusWaiting, f.get(t, p2.ID).Status)
}

func TestAccept_BooksOfferedSlot(t *testing.T) {
	f := newFixture(DefaultPolicy())
	pet := f.pet("A")
	entry := f.join(t, pet, slotDay, false)
	slot := f.freedSlot(t, slotStart)
	_, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)

	got, appt, err := f.engine.Accept(context.Background(), tenant, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBooked, got.Status)
	assert.Equal(t, appt.ID, *got.BookedAppointmentID)
	assert.Equal(t, pet, appt.PetID)
	assert.True(t, appt.StartTime.Equal(slot.StartTime))
	assert.True(t, appt.EndTime.Equal(slot.EndTime))
	assert.Equal(t, slot.VetID, appt.VetID)
	assert.Equal(t, appointment.StatusScheduled, appt.Status)
	assert.Len(t, f.rec.OfType(notification.EventOfferConfirmed), 1)

	_, _, err = f.engine.Accept(context.Background(), tenant, entry.ID)
	assert.ErrorIs(t, err, ErrOfferUnavailable)
}

func TestAccept_ExpiredOffer(t *testing.T) {
	f := newFixture(DefaultPolicy())
	entry := f.join(t, f.pet("A"), slotDay, false)
	slot := f.freedSlot(t, slotStart)
	_, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)

	f.now = start.Add(25 * time.Hour)
	_, _, err = f.engine.Accept(context.Background(), tenant, entry.ID)
	assert.ErrorIs(t, err, ErrOfferUnavailable, "expired but not yet swept")

	_, err = f.engine.ExpireOffers(context.Background())
	require.NoError(t, err)
	_, _, err = f.engine.Accept(context.Background(), tenant, entry.ID)
	assert.ErrorIs(t, err, ErrOfferUnavailable)
	assert.True(t, apperr.IsState(err))
}

func TestAccept_SlotTakenMeanwhile(t *testing.T) {
	f := newFixture(DefaultPolicy())
	entry := f.join(t, f.pet("A"), slotDay, false)
	slot := f.freedSlot(t, slotStart)
	_, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)

	vet := f.vetID
	walkIn := &appointment.Appointment{
		TenantID: tenant, PetID: f.pet("WalkIn"), ServiceID: f.serviceID, VetID: &vet,
		StartTime: slotStart.Add(15 * time.Minute), EndTime: slotStart.Add(45 * time.Minute),
	}
	require.NoError(t, f.booker.Book(context.Background(), walkIn))

	_, _, err = f.engine.Accept(context.Background(), tenant, entry.ID)
	assert.ErrorIs(t, err, ErrOfferUnavailable)
	assert.True(t, apperr.IsConflict(err))
	assert.Equal(t, StatusOffered, f.get(t, entry.ID).Status, "failed accept leaves the offer untouched")
}

func TestOfferSlot_NotReofferedAfterAccept(t *testing.T) {
	f := newFixture(DefaultPolicy())
	first := f.join(t, f.pet("A"), slotDay, false)
	second := f.join(t, f.pet("B"), slotDay, false)
	slot := f.freedSlot(t, slotStart)
	_, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)
	_, _, err = f.engine.Accept(context.Background(), tenant, first.ID)
	require.NoError(t, err)

	offered, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)
	assert.Nil(t, offered, "the accepted booking holds the slot")
	assert.Equal(t, StatusWaiting, f.get(t, second.ID).Status)
	assert.Len(t, f.rec.OfType(notification.EventSlotAvailable), 1)
}

func TestExpireOffers_SkipsSlotBookedMeanwhile(t *testing.T) {
	f := newFixture(DefaultPolicy())
	first := f.join(t, f.pet("A"), slotDay, false)
	second := f.join(t, f.pet("B"), slotDay, false)
	slot := f.freedSlot(t, slotStart)
	_, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)

	vet := f.vetID
	walkIn := &appointment.Appointment{
		TenantID: tenant, PetID: f.pet("WalkIn"), ServiceID: f.serviceID, VetID: &vet,
		StartTime: slotStart, EndTime: slotStart.Add(30 * time.Minute),
	}
	require.NoError(t, f.booker.Book(context.Background(), walkIn))

	f.now = start.Add(24 * time.Hour)
	report, err := f.engine.ExpireOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ExpiryReport{Expired: 1}, report)
	assert.Equal(t, StatusExpired, f.get(t, first.ID).Status)
	assert.Equal(t, StatusWaiting, f.get(t, second.ID).Status, "keeps its place for the next real slot")
	assert.Len(t, f.rec.OfType(notification.EventSlotAvailable), 1)
}

func TestOnSlotFreed_OtherVetStillOffered(t *testing.T) {
	f := newFixture(DefaultPolicy())
	entry := f.join(t, f.pet("A"), slotDay, false)
	slot := f.freedSlot(t, slotStart)

	other := f.catalog.AddVet(&appointment.Vet{TenantID: tenant, Name: "Dr. Park", Active: true})
	busy := &appointment.Appointment{
		TenantID: tenant, PetID: f.pet("Busy"), ServiceID: f.serviceID, VetID: &other.ID,
		StartTime: slotStart, EndTime: slotStart.Add(30 * time.Minute),
	}
	require.NoError(t, f.booker.Book(context.Background(), busy))

	offered, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)
	require.NotNil(t, offered)
	assert.Equal(t, entry.ID, offered.ID)
}

func TestAccept_ConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture(DefaultPolicy())
	entry := f.join(t, f.pet("A"), slotDay, false)
	slot := f.freedSlot(t, slotStart)
	_, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)

	const n = 8
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		wins        int
		unavailable int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.engine.Accept(context.Background(), tenant, entry.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrOfferUnavailable):
				unavailable++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, unavailable)

	items, _, err := f.appts.List(context.Background(), tenant, appointment.Filter{Status: appointment.StatusScheduled}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1, "no duplicate appointment")
}

func TestWithdraw_OfferedSlotGoesToNext(t *testing.T) {
	f := newFixture(DefaultPolicy())
	p1 := f.join(t, f.pet("A"), slotDay, false)
	p2 := f.join(t, f.pet("B"), slotDay, false)
	slot := f.freedSlot(t, slotStart)
	_, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)

	out, err := f.engine.Withdraw(context.Background(), tenant, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Nil(t, out.OfferedAppointmentID)
	assert.Len(t, f.rec.OfType(notification.EventOfferDeclined), 1)

	e2 := f.get(t, p2.ID)
	assert.Equal(t, StatusOffered, e2.Status)
	assert.Equal(t, slot.ID, *e2.OfferedAppointmentID)

	_, err = f.engine.Withdraw(context.Background(), tenant, p1.ID)
	assert.True(t, apperr.IsState(err), "cancelled is terminal")
}

func TestCancellation_OffersSlotToWaitlist(t *testing.T) {
	f := newFixture(DefaultPolicy())
	entry := f.join(t, f.pet("A"), slotDay, false)
	vet := f.vetID
	booked, err := f.apptSvc.Book(context.Background(), tenant, appointment.BookRequest{
		PetID: f.pet("Other"), ServiceID: f.serviceID, VetID: &vet, StartTime: slotStart,
	})
	require.NoError(t, err)

	_, err = f.apptSvc.Cancel(context.Background(), tenant, booked.ID, "sick")
	require.NoError(t, err)

	got := f.get(t, entry.ID)
	assert.Equal(t, StatusOffered, got.Status)
	assert.Equal(t, booked.ID, *got.OfferedAppointmentID)
}

func TestOffer_FlexibleFallback(t *testing.T) {
	f := newFixture(DefaultPolicy())
	f.join(t, f.pet("Fixed"), "2024-03-06", false)
	far := f.join(t, f.pet("Far"), "2024-03-09", true)
	near := f.join(t, f.pet("Near"), "2024-03-07", true)
	slot := f.freedSlot(t, slotStart)

	offered, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)
	require.NotNil(t, offered)
	assert.Equal(t, near.ID, offered.ID, "closest flexible date wins")
	assert.Equal(t, StatusWaiting, f.get(t, far.ID).Status)
}

func TestOffer_FlexibleWindow(t *testing.T) {
	policy := DefaultPolicy()
	policy.FlexibleDays = 2
	f := newFixture(policy)
	f.join(t, f.pet("Far"), "2024-03-09", true)
	slot := f.freedSlot(t, slotStart)

	offered, err := f.engine.OfferSlot(context.Background(), tenant, slot.ID)
	require.NoError(t, err)
	assert.Nil(t, offered, "flexible entry outside the window")
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusWaiting, StatusOffered, true},
		{StatusWaiting, StatusCancelled, true},
		{StatusWaiting, StatusBooked, false},
		{StatusOffered, StatusBooked, true},
		{StatusOffered, StatusExpired, true},
		{StatusOffered, StatusCancelled, true},
		{StatusBooked, StatusCancelled, false},
		{StatusExpired, StatusOffered, false},
		{StatusCancelled, StatusWaiting, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
