package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/platform/db"
)

const recurrenceStartConstraint = "appointments_recurrence_start_key"

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const apptCols = `id, tenant_id, pet_id, service_id, vet_id, start_time, end_time, status,
	recurrence_id, notes, cancel_reason, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.TenantID, &a.PetID, &a.ServiceID, &a.VetID, &a.StartTime, &a.EndTime, &a.Status,
		&a.RecurrenceID, &a.Notes, &a.CancelReason, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (r *repoPG) LockResource(ctx context.Context, tenantID, resourceKey string) error {
	return db.AdvisoryXactLock(ctx, "appt:"+tenantID+":"+resourceKey)
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (id, tenant_id, pet_id, service_id, vet_id, start_time, end_time, status,
			recurrence_id, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		a.ID, a.TenantID, a.PetID, a.ServiceID, a.VetID, a.StartTime, a.EndTime, a.Status,
		a.RecurrenceID, a.Notes).Scan(&a.CreatedAt, &a.UpdatedAt)
	switch {
	case err == nil:
		return nil
	case db.IsUniqueViolation(err, recurrenceStartConstraint):
		return fmt.Errorf("%w: %w", ErrDuplicateOccurrence, apperr.Conflict("recurrence %s already has an appointment at %s", a.RecurrenceID, a.StartTime.Format(time.RFC3339)))
	case db.IsExclusionViolation(err):
		return apperr.Conflict("slot %s overlaps an existing appointment", a.StartTime.Format(time.RFC3339))
	default:
		return err
	}
}

func (r *repoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+apptCols+` FROM appointments WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("appointment", id)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *repoPG) ExistsForRecurrence(ctx context.Context, tenantID string, recurrenceID uuid.UUID, start time.Time) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM appointments
			WHERE tenant_id = $1 AND recurrence_id = $2 AND start_time = $3)`,
		tenantID, recurrenceID, start).Scan(&exists)
	return exists, err
}

func (r *repoPG) ListOverlapping(ctx context.Context, tenantID string, vetID *uuid.UUID, start, end time.Time) ([]*Appointment, error) {
	// The range predicate is a prefilter; callers decide with Overlaps.
	query := `SELECT ` + apptCols + ` FROM appointments
		WHERE tenant_id = $1 AND status <> 'cancelled' AND start_time < $2 AND end_time > $3`
	args := []interface{}{tenantID, end, start}
	if vetID == nil {
		query += ` AND vet_id IS NULL`
	} else {
		query += ` AND vet_id = $4`
		args = append(args, *vetID)
	}
	query += ` ORDER BY start_time`

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *repoPG) Transition(ctx context.Context, tenantID string, id uuid.UUID, from, to Status, reason string) (*Appointment, bool, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments SET status = $4, cancel_reason = $5, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = $3
		RETURNING `+apptCols, tenantID, id, from, to, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (r *repoPG) CancelFutureForRecurrence(ctx context.Context, tenantID string, recurrenceID uuid.UUID, after time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE appointments SET status = 'cancelled', cancel_reason = 'recurrence deactivated', updated_at = NOW()
		WHERE tenant_id = $1 AND recurrence_id = $2 AND status = 'scheduled' AND start_time > $3`,
		tenantID, recurrenceID, after)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *repoPG) List(ctx context.Context, tenantID string, f Filter, limit, offset int) ([]*Appointment, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2

	add := func(clause string, v interface{}) {
		where += fmt.Sprintf(clause, idx)
		args = append(args, v)
		idx++
	}
	if f.VetID != nil {
		add(` AND vet_id = $%d`, *f.VetID)
	}
	if f.PetID != nil {
		add(` AND pet_id = $%d`, *f.PetID)
	}
	if f.RecurrenceID != nil {
		add(` AND recurrence_id = $%d`, *f.RecurrenceID)
	}
	if f.Status != "" {
		add(` AND status = $%d`, f.Status)
	}
	if f.From != nil {
		add(` AND start_time >= $%d`, *f.From)
	}
	if f.To != nil {
		add(` AND start_time < $%d`, *f.To)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + apptCols + ` FROM appointments` + where +
		fmt.Sprintf(` ORDER BY start_time LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
