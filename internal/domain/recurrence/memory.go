package recurrence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vetcare/scheduling/internal/apperr"
)

// MemoryRepository keeps patterns in process. Pair it with
// db.SerialTxRunner.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Pattern
	seq   int
	order map[uuid.UUID]int
	now   func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items: make(map[uuid.UUID]*Pattern),
		order: make(map[uuid.UUID]int),
		now:   time.Now,
	}
}

func clonePattern(p *Pattern) *Pattern {
	cp := *p
	if p.DaysOfWeek != nil {
		cp.DaysOfWeek = append([]int(nil), p.DaysOfWeek...)
	}
	return &cp
}

func (m *MemoryRepository) Create(_ context.Context, p *Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = m.now().UTC()
	p.UpdatedAt = p.CreatedAt
	m.items[p.ID] = clonePattern(p)
	m.seq++
	m.order[p.ID] = m.seq
	return nil
}

func (m *MemoryRepository) get(tenantID string, id uuid.UUID) (*Pattern, error) {
	p, ok := m.items[id]
	if !ok || p.TenantID != tenantID {
		return nil, apperr.NotFound("recurrence", id)
	}
	return p, nil
}

func (m *MemoryRepository) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.get(tenantID, id)
	if err != nil {
		return nil, err
	}
	return clonePattern(p), nil
}

func (m *MemoryRepository) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Pattern, error) {
	return m.GetByID(ctx, tenantID, id)
}

func (m *MemoryRepository) sorted(match func(*Pattern) bool) []*Pattern {
	var out []*Pattern
	for _, p := range m.items {
		if match(p) {
			out = append(out, clonePattern(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.order[out[i].ID] < m.order[out[j].ID] })
	return out
}

func (m *MemoryRepository) List(_ context.Context, tenantID string, f Filter, limit, offset int) ([]*Pattern, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sorted(func(p *Pattern) bool {
		if p.TenantID != tenantID {
			return false
		}
		if f.Active != nil && p.IsActive != *f.Active {
			return false
		}
		return f.PetID == nil || p.PetID == *f.PetID
	})
	// Newest first, as the pg repository orders.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *MemoryRepository) ListSchedulable(_ context.Context, today time.Time) ([]*Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(func(p *Pattern) bool {
		return p.IsActive && !p.Exhausted() &&
			(p.EndDate == nil || !p.EndDate.Before(today)) &&
			(p.PausedUntil == nil || !p.PausedUntil.After(today))
	}), nil
}

func (m *MemoryRepository) IncrementGenerated(_ context.Context, tenantID string, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(tenantID, id)
	if err != nil {
		return false, err
	}
	if p.Exhausted() {
		return false, nil
	}
	p.OccurrencesGenerated++
	p.UpdatedAt = m.now().UTC()
	return true, nil
}

func (m *MemoryRepository) SetPausedUntil(_ context.Context, tenantID string, id uuid.UUID, until *time.Time) (*Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(tenantID, id)
	if err != nil {
		return nil, err
	}
	if until != nil {
		d := DateOf(*until)
		until = &d
	}
	p.PausedUntil = until
	p.UpdatedAt = m.now().UTC()
	return clonePattern(p), nil
}

func (m *MemoryRepository) Deactivate(_ context.Context, tenantID string, id uuid.UUID) (*Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(tenantID, id)
	if err != nil {
		return nil, err
	}
	p.IsActive = false
	p.UpdatedAt = m.now().UTC()
	return clonePattern(p), nil
}

func (m *MemoryRepository) ClearExpiredPauses(_ context.Context, today time.Time) ([]*Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Pattern
	for _, p := range m.sorted(func(p *Pattern) bool { return p.PausedUntil != nil && !p.PausedUntil.After(today) }) {
		stored := m.items[p.ID]
		stored.PausedUntil = nil
		stored.UpdatedAt = m.now().UTC()
		out = append(out, clonePattern(stored))
	}
	return out, nil
}

func (m *MemoryRepository) ListNearLimit(_ context.Context, threshold int) ([]*Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(func(p *Pattern) bool {
		r := p.Remaining()
		return p.IsActive && p.NearLimitNotifiedAt == nil && r >= 1 && r <= threshold
	}), nil
}

func (m *MemoryRepository) MarkNearLimitNotified(_ context.Context, tenantID string, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.get(tenantID, id)
	if err != nil {
		return false, err
	}
	if p.NearLimitNotifiedAt != nil {
		return false, nil
	}
	p.NearLimitNotifiedAt = &at
	return true, nil
}
