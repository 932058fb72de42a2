package waitlist

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vetcare/scheduling/internal/apperr"
)

// MemoryRepository keeps entries in process. Pair it with db.SerialTxRunner;
// LockGroup is a no-op because the runner already serialises every unit of
// work.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Entry
	seq   []uuid.UUID
	now   func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[uuid.UUID]*Entry), now: time.Now}
}

func (m *MemoryRepository) LockGroup(context.Context, Group) error { return nil }

func (m *MemoryRepository) NextPosition(_ context.Context, g Group) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	next := 1
	for _, e := range m.items {
		if e.Group().key() == g.key() && e.Position >= next {
			next = e.Position + 1
		}
	}
	return next, nil
}

func (m *MemoryRepository) Create(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.items {
		if x.Group().key() == e.Group().key() && x.PetID == e.PetID &&
			(x.Status == StatusWaiting || x.Status == StatusOffered) {
			return errDuplicateJoin
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.CreatedAt = m.now().UTC()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	m.items[e.ID] = &cp
	m.seq = append(m.seq, e.ID)
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[id]
	if !ok || e.TenantID != tenantID {
		return nil, apperr.NotFound("waitlist entry", id)
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryRepository) GetForUpdate(ctx context.Context, tenantID string, id uuid.UUID) (*Entry, error) {
	return m.GetByID(ctx, tenantID, id)
}

func (m *MemoryRepository) List(_ context.Context, tenantID string, f Filter, limit, offset int) ([]*Entry, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Entry
	for _, id := range m.seq {
		e := m.items[id]
		if e.TenantID != tenantID ||
			(f.Status != "" && e.Status != f.Status) ||
			(f.Date != nil && !e.PreferredDate.Equal(*f.Date)) ||
			(f.ServiceID != nil && e.ServiceID != *f.ServiceID) ||
			(f.PetID != nil && e.PetID != *f.PetID) {
			continue
		}
		cp := *e
		all = append(all, &cp)
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.PreferredDate.Equal(b.PreferredDate) {
			return a.PreferredDate.Before(b.PreferredDate)
		}
		if a.ServiceID != b.ServiceID {
			return a.ServiceID.String() < b.ServiceID.String()
		}
		return before(a, b)
	})
	total := len(all)
	if offset > total {
		offset = total
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, total, nil
}

// before orders entries of one group: position, then creation time.
func before(a, b *Entry) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *MemoryRepository) NextWaiting(_ context.Context, g Group) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Entry
	for _, e := range m.items {
		if e.Status != StatusWaiting || e.Group().key() != g.key() {
			continue
		}
		if best == nil || before(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func dayDistance(a, b time.Time) int {
	d := int(a.Sub(b).Hours() / 24)
	if d < 0 {
		return -d
	}
	return d
}

func (m *MemoryRepository) NextFlexible(_ context.Context, g Group, days int) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Entry
	for _, e := range m.items {
		if e.Status != StatusWaiting || !e.IsFlexibleDate || e.TenantID != g.TenantID || e.ServiceID != g.ServiceID {
			continue
		}
		dist := dayDistance(e.PreferredDate, g.Date)
		if dist > days {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		bestDist := dayDistance(best.PreferredDate, g.Date)
		if dist < bestDist || (dist == bestDist && before(e, best)) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryRepository) HasActiveOffer(_ context.Context, tenantID string, appointmentID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.items {
		if e.TenantID == tenantID && e.Status == StatusOffered &&
			e.OfferedAppointmentID != nil && *e.OfferedAppointmentID == appointmentID {
			return true, nil
		}
	}
	return false, nil
}

// update applies fn to the entry when it is in state from.
func (m *MemoryRepository) update(tenantID string, id uuid.UUID, from Status, fn func(e *Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok || e.TenantID != tenantID || e.Status != from {
		return false
	}
	fn(e)
	e.UpdatedAt = m.now().UTC()
	return true
}

func (m *MemoryRepository) MarkOffered(ctx context.Context, tenantID string, id, appointmentID uuid.UUID, expiresAt time.Time) (bool, error) {
	if taken, _ := m.HasActiveOffer(ctx, tenantID, appointmentID); taken {
		return false, apperr.Conflict("appointment %s is already offered", appointmentID)
	}
	return m.update(tenantID, id, StatusWaiting, func(e *Entry) {
		e.Status = StatusOffered
		e.OfferedAppointmentID = &appointmentID
		e.OfferExpiresAt = &expiresAt
	}), nil
}

func (m *MemoryRepository) MarkBooked(_ context.Context, tenantID string, id, bookedID uuid.UUID) (bool, error) {
	return m.update(tenantID, id, StatusOffered, func(e *Entry) {
		e.Status = StatusBooked
		e.BookedAppointmentID = &bookedID
		e.OfferedAppointmentID = nil
		e.OfferExpiresAt = nil
	}), nil
}

func (m *MemoryRepository) MarkCancelled(_ context.Context, tenantID string, id uuid.UUID, from Status) (bool, error) {
	return m.update(tenantID, id, from, func(e *Entry) {
		e.Status = StatusCancelled
		e.OfferedAppointmentID = nil
		e.OfferExpiresAt = nil
	}), nil
}

func (m *MemoryRepository) ExpireDue(_ context.Context, now time.Time) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Entry
	for _, id := range m.seq {
		e := m.items[id]
		if e.Status != StatusOffered || e.OfferExpiresAt == nil || e.OfferExpiresAt.After(now) {
			continue
		}
		cp := *e
		cp.Status = StatusExpired
		out = append(out, &cp)

		e.Status = StatusExpired
		e.OfferedAppointmentID = nil
		e.OfferExpiresAt = nil
		e.UpdatedAt = m.now().UTC()
	}
	return out, nil
}
