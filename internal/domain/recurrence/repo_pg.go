package recurrence

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const patternCols = `id, tenant_id, pet_id, service_id, preferred_vet_id, frequency, interval_value,
	days_of_week, day_of_month, preferred_time, duration_minutes, start_date, end_date, max_occurrences,
	occurrences_generated, paused_until, is_active, near_limit_notified_at, created_at, updated_at`

func scanPattern(row pgx.Row) (*Pattern, error) {
	var p Pattern
	err := row.Scan(&p.ID, &p.TenantID, &p.PetID, &p.ServiceID, &p.PreferredVetID, &p.Frequency, &p.IntervalValue,
		&p.DaysOfWeek, &p.DayOfMonth, &p.PreferredTime, &p.DurationMinutes, &p.StartDate, &p.EndDate, &p.MaxOccurrences,
		&p.OccurrencesGenerated, &p.PausedUntil, &p.IsActive, &p.NearLimitNotifiedAt, &p.CreatedAt, &p.UpdatedAt)
	return &p, err
}

func (r *repoPG) queryPatterns(ctx context.Context, sql string, args ...interface{}) ([]*Pattern, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *repoPG) one(ctx context.Context, id uuid.UUID, sql string, args ...interface{}) (*Pattern, error) {
	p, err := scanPattern(r.conn(ctx).QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("recurrence", id)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Pattern) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO recurrence_patterns (id, tenant_id, pet_id, service_id, preferred_vet_id, frequency,
			interval_value, days_of_week, day_of_month, preferred_time, duration_minutes, start_date, end_date,
			max_occurrences, occurrences_generated, paused_until, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING created_at, updated_at`,
		p.ID, p.TenantID, p.PetID, p.ServiceID, p.PreferredVetID, p.Frequency,
		p.IntervalValue, p.DaysOfWeek, p.DayOfMonth, p.PreferredTime, p.DurationMinutes, p.StartDate, p.EndDate,
		p.MaxOccurrences, p.OccurrencesGenerated, p.PausedUntil, p.IsActive).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Pattern, error) {
	return r.one(ctx, id, `SELECT `+patternCols+` FROM recurrence_patterns WHERE tenant_id = $1 AND id = $2`, tenantID, id)
}

func (r *repoPG) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Pattern, error) {
	return r.one(ctx, id, `SELECT `+patternCols+` FROM recurrence_patterns WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id)
}

func (r *repoPG) List(ctx context.Context, tenantID string, f Filter, limit, offset int) ([]*Pattern, int, error) {
	where := ` WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2
	if f.Active != nil {
		where += fmt.Sprintf(` AND is_active = $%d`, idx)
		args = append(args, *f.Active)
		idx++
	}
	if f.PetID != nil {
		where += fmt.Sprintf(` AND pet_id = $%d`, idx)
		args = append(args, *f.PetID)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM recurrence_patterns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	items, err := r.queryPatterns(ctx, `SELECT `+patternCols+` FROM recurrence_patterns`+where+
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1), args...)
	return items, total, err
}

func (r *repoPG) ListSchedulable(ctx context.Context, today time.Time) ([]*Pattern, error) {
	return r.queryPatterns(ctx, `SELECT `+patternCols+` FROM recurrence_patterns
		WHERE is_active
		  AND (max_occurrences IS NULL OR occurrences_generated < max_occurrences)
		  AND (end_date IS NULL OR end_date >= $1)
		  AND (paused_until IS NULL OR paused_until <= $1)
		ORDER BY tenant_id, created_at`, today)
}

func (r *repoPG) IncrementGenerated(ctx context.Context, tenantID string, id uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE recurrence_patterns
		SET occurrences_generated = occurrences_generated + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		  AND (max_occurrences IS NULL OR occurrences_generated < max_occurrences)`, tenantID, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) SetPausedUntil(ctx context.Context, tenantID string, id uuid.UUID, until *time.Time) (*Pattern, error) {
	return r.one(ctx, id, `
		UPDATE recurrence_patterns SET paused_until = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+patternCols, tenantID, id, until)
}

func (r *repoPG) Deactivate(ctx context.Context, tenantID string, id uuid.UUID) (*Pattern, error) {
	return r.one(ctx, id, `
		UPDATE recurrence_patterns SET is_active = FALSE, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING `+patternCols, tenantID, id)
}

func (r *repoPG) ClearExpiredPauses(ctx context.Context, today time.Time) ([]*Pattern, error) {
	return r.queryPatterns(ctx, `
		UPDATE recurrence_patterns SET paused_until = NULL, updated_at = NOW()
		WHERE paused_until IS NOT NULL AND paused_until <= $1
		RETURNING `+patternCols, today)
}

func (r *repoPG) ListNearLimit(ctx context.Context, threshold int) ([]*Pattern, error) {
	return r.queryPatterns(ctx, `SELECT `+patternCols+` FROM recurrence_patterns
		WHERE is_active
		  AND max_occurrences IS NOT NULL
		  AND near_limit_notified_at IS NULL
		  AND max_occurrences - occurrences_generated BETWEEN 1 AND $1
		ORDER BY tenant_id, created_at`, threshold)
}

func (r *repoPG) MarkNearLimitNotified(ctx context.Context, tenantID string, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE recurrence_patterns SET near_limit_notified_at = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND near_limit_notified_at IS NULL`, tenantID, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
