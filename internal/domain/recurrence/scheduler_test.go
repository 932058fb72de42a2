package recurrence

import (
	"context"
	"errors"
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

type env struct {
	repo      *MemoryRepository
	appts     *appointment.MemoryRepository
	apptSvc   *appointment.Service
	booker    *appointment.Booker
	catalog   *appointment.MemoryCatalog
	expander  *Expander
	scheduler *Scheduler
	svc       *Service
	rec       *notification.Recorder
	petID     uuid.UUID
	serviceID uuid.UUID
	vetID     uuid.UUID
}

func newEnv(now time.Time) *env {
	return newEnvWithRepo(now, NewMemoryRepository())
}

func newEnvWithRepo(now time.Time, repo Repository) *env {
	tx := &db.SerialTxRunner{}
	appts := appointment.NewMemoryRepository()
	booker := appointment.NewBooker(appts, tx)
	cat := appointment.NewMemoryCatalog()
	pet := cat.AddPet(&appointment.Pet{TenantID: tenant, Name: "Rex", OwnerName: "Dana", OwnerEmail: "dana@example.com"})
	svc := cat.AddService(&appointment.ClinicService{TenantID: tenant, Name: "Physio", DurationMinutes: 30})
	vet := cat.AddVet(&appointment.Vet{TenantID: tenant, Name: "Dr. Lee", Active: true})

	exp := NewExpander(time.UTC, OverflowClamp)
	exp.Now = func() time.Time { return now }
	apptSvc := appointment.NewService(appts, booker, cat, tx, zerolog.Nop())
	sched := NewScheduler(repo, booker, tx, exp, 4, zerolog.Nop())
	rec := &notification.Recorder{}

	e := &env{
		appts:     appts,
		apptSvc:   apptSvc,
		booker:    booker,
		catalog:   cat,
		expander:  exp,
		scheduler: sched,
		svc:       NewService(repo, sched, exp, cat, apptSvc, rec, 30, zerolog.Nop()),
		rec:       rec,
		petID:     pet.ID,
		serviceID: svc.ID,
		vetID:     vet.ID,
	}
	if m, ok := repo.(*MemoryRepository); ok {
		e.repo = m
	}
	return e
}

func (e *env) pattern(t *testing.T, repo Repository, mutate func(p *Pattern)) *Pattern {
	t.Helper()
	vet := e.vetID
	p := &Pattern{
		TenantID:        tenant,
		PetID:           e.petID,
		ServiceID:       e.serviceID,
		PreferredVetID:  &vet,
		Frequency:       FrequencyDaily,
		IntervalValue:   1,
		PreferredTime:   "09:00",
		DurationMinutes: 30,
		StartDate:       date(2024, 1, 1),
		IsActive:        true,
	}
	if mutate != nil {
		mutate(p)
	}
	require.NoError(t, Validate(p))
	require.NoError(t, repo.Create(context.Background(), p))
	return p
}

func (e *env) countAppointments(t *testing.T, recurrenceID uuid.UUID) int {
	t.Helper()
	_, total, err := e.appts.List(context.Background(), tenant, appointment.Filter{RecurrenceID: &recurrenceID}, 0, 0)
	require.NoError(t, err)
	return total
}

var morning = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

func TestScheduler_IdempotentGeneration(t *testing.T) {
	e := newEnv(morning)
	p := e.pattern(t, e.repo, nil)
	ctx := context.Background()

	report, err := e.scheduler.RunDaily(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 8, report.Created)
	assert.Equal(t, 1, report.Processed)

	again, err := e.scheduler.RunDaily(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Created)
	assert.Equal(t, 8, again.ByRecurrenceID[p.ID.String()].AlreadyGenerated)

	assert.Equal(t, 8, e.countAppointments(t, p.ID))
	stored, err := e.repo.GetByID(ctx, tenant, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, stored.OccurrencesGenerated)
}

func TestScheduler_ConflictSkippedWithoutConsumingCap(t *testing.T) {
	e := newEnv(morning)
	ctx := context.Background()

	vet := e.vetID
	existing := &appointment.Appointment{
		TenantID: tenant, PetID: e.petID, ServiceID: e.serviceID, VetID: &vet,
		StartTime: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC),
	}
	require.NoError(t, e.booker.Book(ctx, existing))

	end := date(2024, 1, 1)
	p := e.pattern(t, e.repo, func(p *Pattern) {
		p.PreferredTime = "09:15"
		p.EndDate = &end
	})

	report, err := e.scheduler.RunDaily(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Created)
	assert.Equal(t, 1, report.SkippedConflicts)

	stored, _ := e.repo.GetByID(ctx, tenant, p.ID)
	assert.Equal(t, 0, stored.OccurrencesGenerated)
}

func TestScheduler_CapRespected(t *testing.T) {
	e := newEnv(morning)
	ctx := context.Background()

	vet := e.vetID
	blocker := &appointment.Appointment{
		TenantID: tenant, PetID: e.petID, ServiceID: e.serviceID, VetID: &vet,
		StartTime: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, e.booker.Book(ctx, blocker))

	p := e.pattern(t, e.repo, func(p *Pattern) { p.MaxOccurrences = intPtr(3) })

	report, err := e.scheduler.RunDaily(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Created)
	assert.Equal(t, 1, report.SkippedConflicts)

	items, _, _ := e.appts.List(ctx, tenant, appointment.Filter{RecurrenceID: &p.ID}, 0, 0)
	require.Len(t, items, 3)
	assert.Equal(t, 1, items[0].StartTime.Day())
	assert.Equal(t, 3, items[1].StartTime.Day())
	assert.Equal(t, 4, items[2].StartTime.Day())

	// Exhausted patterns are no longer schedulable.
	again, err := e.scheduler.RunDaily(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Processed)
}

func TestScheduler_SkipsPastAndPausedAndInactive(t *testing.T) {
	e := newEnv(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	active := e.pattern(t, e.repo, nil)
	until := date(2024, 1, 10)
	paused := e.pattern(t, e.repo, func(p *Pattern) { p.PausedUntil = &until; p.PreferredTime = "11:00" })
	inactive := e.pattern(t, e.repo, func(p *Pattern) { p.IsActive = false; p.PreferredTime = "12:00" })

	report, err := e.scheduler.RunDaily(ctx, 2)
	require.NoError(t, err)

	// 09:00 today already passed, so only Jan 2 and Jan 3.
	assert.Equal(t, 2, e.countAppointments(t, active.ID))
	assert.Equal(t, 0, e.countAppointments(t, paused.ID))
	assert.Equal(t, 0, e.countAppointments(t, inactive.ID))
	assert.Equal(t, 2, report.Created)
}

type failingRepo struct {
	*MemoryRepository
	failID uuid.UUID
}

func (f *failingRepo) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Pattern, error) {
	if id == f.failID {
		return nil, errors.New("row lock timeout")
	}
	return f.MemoryRepository.GetForUpdate(ctx, tenantID, id)
}

func TestScheduler_PerPatternIsolation(t *testing.T) {
	mem := NewMemoryRepository()
	repo := &failingRepo{MemoryRepository: mem}
	e := newEnvWithRepo(morning, repo)

	good := e.pattern(t, repo, nil)
	bad := e.pattern(t, repo, func(p *Pattern) { p.PreferredTime = "14:00" })
	repo.failID = bad.ID

	report, err := e.scheduler.RunDaily(context.Background(), 3)
	require.Error(t, err)

	var partial *apperr.PartialBatchFailure
	require.True(t, errors.As(err, &partial))
	assert.Equal(t, []string{bad.ID.String()}, partial.Failed)
	assert.Empty(t, partial.Unprocessed)

	assert.Equal(t, 4, e.countAppointments(t, good.ID))
	assert.Equal(t, 1, report.Processed)
	assert.NotEmpty(t, report.ByRecurrenceID[bad.ID.String()].Error)
}

func TestScheduler_CorruptPreferredTimeFailsPattern(t *testing.T) {
	e := newEnv(morning)
	good := e.pattern(t, e.repo, nil)
	bad := e.pattern(t, e.repo, func(p *Pattern) { p.PreferredTime = "14:00" })
	e.repo.items[bad.ID].PreferredTime = "25:99"

	report, err := e.scheduler.RunDaily(context.Background(), 3)
	var partial *apperr.PartialBatchFailure
	require.True(t, errors.As(err, &partial), "expected partial failure, got %v", err)
	assert.Equal(t, []string{bad.ID.String()}, partial.Failed)
	assert.Contains(t, report.ByRecurrenceID[bad.ID.String()].Error, "25:99")

	assert.Equal(t, 0, e.countAppointments(t, bad.ID))
	assert.Equal(t, 4, e.countAppointments(t, good.ID))
}

func TestScheduler_DeadlineReportsUnprocessed(t *testing.T) {
	e := newEnv(morning)
	a := e.pattern(t, e.repo, nil)
	b := e.pattern(t, e.repo, func(p *Pattern) { p.PreferredTime = "15:00" })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.scheduler.RunDaily(ctx, 3)
	var partial *apperr.PartialBatchFailure
	require.True(t, errors.As(err, &partial), "expected partial failure, got %v", err)
	assert.ElementsMatch(t, []string{a.ID.String(), b.ID.String()}, report.Unprocessed)
	assert.Empty(t, report.Failed)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestScheduler_MonthlyAcrossHorizon(t *testing.T) {
	e := newEnv(morning)
	p := e.pattern(t, e.repo, func(p *Pattern) {
		p.Frequency = FrequencyMonthly
		p.DayOfMonth = intPtr(31)
	})
	_, err := e.scheduler.RunDaily(context.Background(), 91)
	require.NoError(t, err)

	items, _, _ := e.appts.List(context.Background(), tenant, appointment.Filter{RecurrenceID: &p.ID}, 0, 0)
	require.Len(t, items, 3)
	assert.Equal(t, "2024-02-29", items[1].StartTime.Format(time.DateOnly))
}
