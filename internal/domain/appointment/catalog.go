package appointment

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetcare/scheduling/internal/apperr"
	"github.com/vetcare/scheduling/internal/platform/db"
)

// Pet carries the owner contact details used for notifications.
type Pet struct {
	ID         uuid.UUID `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	OwnerName  string    `json:"owner_name"`
	OwnerEmail string    `json:"owner_email,omitempty"`
	OwnerPhone string    `json:"owner_phone,omitempty"`
}

// ClinicService is a bookable service offered by the clinic.
type ClinicService struct {
	ID              uuid.UUID `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Name            string    `json:"name"`
	DurationMinutes int       `json:"duration_minutes"`
}

type Vet struct {
	ID       uuid.UUID `json:"id"`
	TenantID string    `json:"tenant_id"`
	Name     string    `json:"name"`
	Active   bool      `json:"active"`
}

// Catalog looks up the pet, service and vet directory owned by the wider
// clinic system. Records in another tenant are reported as not found.
type Catalog interface {
	GetPet(ctx context.Context, tenantID string, id uuid.UUID) (*Pet, error)
	GetService(ctx context.Context, tenantID string, id uuid.UUID) (*ClinicService, error)
	GetVet(ctx context.Context, tenantID string, id uuid.UUID) (*Vet, error)
}

type catalogPG struct{ pool *pgxpool.Pool }

func NewCatalogPG(pool *pgxpool.Pool) Catalog { return &catalogPG{pool: pool} }

func (r *catalogPG) GetPet(ctx context.Context, tenantID string, id uuid.UUID) (*Pet, error) {
	var p Pet
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, tenant_id, name, owner_name, COALESCE(owner_email, ''), COALESCE(owner_phone, '')
		FROM pets WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&p.ID, &p.TenantID, &p.Name, &p.OwnerName, &p.OwnerEmail, &p.OwnerPhone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("pet", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *catalogPG) GetService(ctx context.Context, tenantID string, id uuid.UUID) (*ClinicService, error) {
	var s ClinicService
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, tenant_id, name, duration_minutes
		FROM clinic_services WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&s.ID, &s.TenantID, &s.Name, &s.DurationMinutes)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("service", id)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *catalogPG) GetVet(ctx context.Context, tenantID string, id uuid.UUID) (*Vet, error) {
	var v Vet
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, tenant_id, name, active
		FROM vets WHERE tenant_id = $1 AND id = $2`, tenantID, id).
		Scan(&v.ID, &v.TenantID, &v.Name, &v.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("vet", id)
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// MemoryCatalog is an in-process Catalog for tests and local runs.
type MemoryCatalog struct {
	mu       sync.RWMutex
	pets     map[uuid.UUID]*Pet
	services map[uuid.UUID]*ClinicService
	vets     map[uuid.UUID]*Vet
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		pets:     make(map[uuid.UUID]*Pet),
		services: make(map[uuid.UUID]*ClinicService),
		vets:     make(map[uuid.UUID]*Vet),
	}
}

func (m *MemoryCatalog) AddPet(p *Pet) *Pet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.pets[p.ID] = p
	return p
}

func (m *MemoryCatalog) AddService(s *ClinicService) *ClinicService {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.services[s.ID] = s
	return s
}

func (m *MemoryCatalog) AddVet(v *Vet) *Vet {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	m.vets[v.ID] = v
	return v
}

func (m *MemoryCatalog) GetPet(_ context.Context, tenantID string, id uuid.UUID) (*Pet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pets[id]
	if !ok || p.TenantID != tenantID {
		return nil, apperr.NotFound("pet", id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryCatalog) GetService(_ context.Context, tenantID string, id uuid.UUID) (*ClinicService, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok || s.TenantID != tenantID {
		return nil, apperr.NotFound("service", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryCatalog) GetVet(_ context.Context, tenantID string, id uuid.UUID) (*Vet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vets[id]
	if !ok || v.TenantID != tenantID {
		return nil, apperr.NotFound("vet", id)
	}
	cp := *v
	return &cp, nil
}
