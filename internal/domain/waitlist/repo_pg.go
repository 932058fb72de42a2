package waitlist

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

// Must match the index names in migrations/001_scheduling.sql.
const (
	activeJoinConstraint  = "waitlist_entries_active_join_key"
	activeOfferConstraint = "waitlist_entries_active_offer_key"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const entryCols = `id, tenant_id, pet_id, service_id, preferred_date, preferred_time_start, preferred_time_end,
	preferred_vet_id, is_flexible_date, position, status, offered_appointment_id, offer_expires_at,
	booked_appointment_id, notes, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.TenantID, &e.PetID, &e.ServiceID, &e.PreferredDate, &e.PreferredTimeStart, &e.PreferredTimeEnd,
		&e.PreferredVetID, &e.IsFlexibleDate, &e.Position, &e.Status, &e.OfferedAppointmentID, &e.OfferExpiresAt,
		&e.BookedAppointmentID, &e.Notes, &e.CreatedAt, &e.UpdatedAt)
	return &e, err
}

func (r *repoPG) queryEntries(ctx context.Context, sql string, args ...interface{}) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// optional returns nil, nil when the query matched no row.
func (r *repoPG) optional(ctx context.Context, sql string, args ...interface{}) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *repoPG) LockGroup(ctx context.Context, g Group) error {
	return db.AdvisoryXactLock(ctx, "waitlist:"+g.key())
}

func (r *repoPG) NextPosition(ctx context.Context, g Group) (int, error) {
	var next int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(position), 0) + 1 FROM waitlist_entries
		WHERE tenant_id = $1 AND service_id = $2 AND preferred_date = $3`,
		g.TenantID, g.ServiceID, g.Date).Scan(&next)
	return next, err
}

func (r *repoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO waitlist_entries (id, tenant_id, pet_id, service_id, preferred_date, preferred_time_start,
			preferred_time_end, preferred_vet_id, is_flexible_date, position, status, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		e.ID, e.TenantID, e.PetID, e.ServiceID, e.PreferredDate, e.PreferredTimeStart,
		e.PreferredTimeEnd, e.PreferredVetID, e.IsFlexibleDate, e.Position, e.Status, e.Notes).Scan(&e.CreatedAt, &e.UpdatedAt)
	if db.IsUniqueViolation(err, activeJoinConstraint) {
		return errDuplicateJoin
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Entry, error) {
	e, err := r.optional(ctx, `SELECT `+entryCols+` FROM waitlist_entries WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err == nil && e == nil {
		return nil, apperr.NotFound("waitlist entry", id)
	}
	return e, err
}

func (r *repoPG) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Entry, error) {
	e, err := r.optional(ctx, `SELECT `+entryCols+` FROM waitlist_entries WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id)
	if err == nil && e == nil {
		return nil, apperr.NotFound("waitlist entry", id)
	}
	return e, err
}

func (r *repoPG) List(ctx context.Context, tenantID string, f Filter, limit, offset int) ([]*Entry, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Date != nil {
		where += fmt.Sprintf(` AND preferred_date = $%d`, idx)
		args = append(args, *f.Date)
		idx++
	}
	if f.ServiceID != nil {
		where += fmt.Sprintf(` AND service_id = $%d`, idx)
		args = append(args, *f.ServiceID)
		idx++
	}
	if f.PetID != nil {
		where += fmt.Sprintf(` AND pet_id = $%d`, idx)
		args = append(args, *f.PetID)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM waitlist_entries`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	items, err := r.queryEntries(ctx, `SELECT `+entryCols+` FROM waitlist_entries`+where+
		fmt.Sprintf(` ORDER BY preferred_date, service_id, position, created_at LIMIT $%d OFFSET $%d`, idx, idx+1), args...)
	return items, total, err
}

func (r *repoPG) NextWaiting(ctx context.Context, g Group) (*Entry, error) {
	return r.optional(ctx, `SELECT `+entryCols+` FROM waitlist_entries
		WHERE tenant_id = $1 AND service_id = $2 AND preferred_date = $3 AND status = 'waiting'
		ORDER BY position, created_at
		LIMIT 1
		FOR UPDATE`, g.TenantID, g.ServiceID, g.Date)
}

func (r *repoPG) NextFlexible(ctx context.Context, g Group, days int) (*Entry, error) {
	return r.optional(ctx, `SELECT `+entryCols+` FROM waitlist_entries
		WHERE tenant_id = $1 AND service_id = $2 AND status = 'waiting' AND is_flexible_date
		  AND preferred_date BETWEEN $3::date - $4::int AND $3::date + $4::int
		ORDER BY ABS(preferred_date - $3::date), position, created_at
		LIMIT 1
		FOR UPDATE`, g.TenantID, g.ServiceID, g.Date, days)
}

func (r *repoPG) HasActiveOffer(ctx context.Context, tenantID string, appointmentID uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM waitlist_entries
			WHERE tenant_id = $1 AND offered_appointment_id = $2 AND status = 'offered')`,
		tenantID, appointmentID).Scan(&exists)
	return exists, err
}

func (r *repoPG) exec(ctx context.Context, sql string, args ...interface{}) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) MarkOffered(ctx context.Context, tenantID string, id, appointmentID uuid.UUID, expiresAt time.Time) (bool, error) {
	ok, err := r.exec(ctx, `
		UPDATE waitlist_entries
		SET status = 'offered', offered_appointment_id = $3, offer_expires_at = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'waiting'`, tenantID, id, appointmentID, expiresAt)
	if db.IsUniqueViolation(err, activeOfferConstraint) {
		return false, apperr.Conflict("appointment %s is already offered", appointmentID)
	}
	return ok, err
}

func (r *repoPG) MarkBooked(ctx context.Context, tenantID string, id, bookedID uuid.UUID) (bool, error) {
	return r.exec(ctx, `
		UPDATE waitlist_entries
		SET status = 'booked', booked_appointment_id = $3, offered_appointment_id = NULL,
			offer_expires_at = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = 'offered'`, tenantID, id, bookedID)
}

func (r *repoPG) MarkCancelled(ctx context.Context, tenantID string, id uuid.UUID, from Status) (bool, error) {
	return r.exec(ctx, `
		UPDATE waitlist_entries
		SET status = 'cancelled', offered_appointment_id = NULL, offer_expires_at = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND status = $3`, tenantID, id, from)
}

func (r *repoPG) ExpireDue(ctx context.Context, now time.Time) ([]*Entry, error) {
	return r.queryEntries(ctx, `
		WITH due AS (
			SELECT id, offered_appointment_id, offer_expires_at FROM waitlist_entries
			WHERE status = 'offered' AND offer_expires_at <= $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE waitlist_entries w
		SET status = 'expired', offered_appointment_id = NULL, offer_expires_at = NULL, updated_at = NOW()
		FROM due
		WHERE w.id = due.id
		RETURNING w.id, w.tenant_id, w.pet_id, w.service_id, w.preferred_date, w.preferred_time_start,
			w.preferred_time_end, w.preferred_vet_id, w.is_flexible_date, w.position, w.status,
			due.offered_appointment_id, due.offer_expires_at, w.booked_appointment_id, w.notes,
			w.created_at, w.updated_at`, now)
}
