package appointment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vetcare/scheduling/internal/apperr"
)

// MemoryRepository keeps appointments in process. Pair it with
// db.SerialTxRunner; LockResource is a no-op because the runner already
// serialises every unit of work.
type MemoryRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*Appointment
	now   func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[uuid.UUID]*Appointment), now: time.Now}
}

func (m *MemoryRepository) LockResource(context.Context, string, string) error { return nil }

func (m *MemoryRepository) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.RecurrenceID != nil {
		for _, x := range m.items {
			if x.TenantID == a.TenantID && x.RecurrenceID != nil && *x.RecurrenceID == *a.RecurrenceID && x.StartTime.Equal(a.StartTime) {
				return fmt.Errorf("%w: %w", ErrDuplicateOccurrence, apperr.Conflict("recurrence %s already has an appointment at %s", a.RecurrenceID, a.StartTime.Format(time.RFC3339)))
			}
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	a.CreatedAt = m.now().UTC()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.items[a.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.items[id]
	if !ok || a.TenantID != tenantID {
		return nil, apperr.NotFound("appointment", id)
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) ExistsForRecurrence(_ context.Context, tenantID string, recurrenceID uuid.UUID, start time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.items {
		if a.TenantID == tenantID && a.RecurrenceID != nil && *a.RecurrenceID == recurrenceID && a.StartTime.Equal(start) {
			return true, nil
		}
	}
	return false, nil
}

func sameVet(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *MemoryRepository) ListOverlapping(_ context.Context, tenantID string, vetID *uuid.UUID, start, end time.Time) ([]*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Appointment
	for _, a := range m.items {
		if a.TenantID != tenantID || a.Status == StatusCancelled || !sameVet(a.VetID, vetID) {
			continue
		}
		if Overlaps(a.StartTime, a.EndTime, start, end) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortByStart(out)
	return out, nil
}

func (m *MemoryRepository) Transition(_ context.Context, tenantID string, id uuid.UUID, from, to Status, reason string) (*Appointment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.items[id]
	if !ok || a.TenantID != tenantID || a.Status != from {
		return nil, false, nil
	}
	a.Status = to
	a.CancelReason = reason
	a.UpdatedAt = m.now().UTC()
	cp := *a
	return &cp, true, nil
}

func (m *MemoryRepository) CancelFutureForRecurrence(_ context.Context, tenantID string, recurrenceID uuid.UUID, after time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.items {
		if a.TenantID == tenantID && a.RecurrenceID != nil && *a.RecurrenceID == recurrenceID &&
			a.Status == StatusScheduled && a.StartTime.After(after) {
			a.Status = StatusCancelled
			a.CancelReason = "recurrence deactivated"
			a.UpdatedAt = m.now().UTC()
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) List(_ context.Context, tenantID string, f Filter, limit, offset int) ([]*Appointment, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []*Appointment
	for _, a := range m.items {
		if a.TenantID != tenantID {
			continue
		}
		if f.VetID != nil && !sameVet(a.VetID, f.VetID) {
			continue
		}
		if f.PetID != nil && a.PetID != *f.PetID {
			continue
		}
		if f.RecurrenceID != nil && (a.RecurrenceID == nil || *a.RecurrenceID != *f.RecurrenceID) {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.From != nil && a.StartTime.Before(*f.From) {
			continue
		}
		if f.To != nil && !a.StartTime.Before(*f.To) {
			continue
		}
		cp := *a
		all = append(all, &cp)
	}
	sortByStart(all)
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

func sortByStart(items []*Appointment) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].StartTime.Equal(items[j].StartTime) {
			return items[i].ID.String() < items[j].ID.String()
		}
		return items[i].StartTime.Before(items[j].StartTime)
	})
}
