package quality

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Registry owns measure definitions.
type Registry struct {
	repo MeasureRepository
	now  func() time.Time
}

func NewRegistry(repo MeasureRepository) *Registry {
	return &Registry{repo: repo, now: time.Now}
}

// Register validates and stores a new definition. The (tenant, measure_id,
// reporting_year) triple must be unused.
func (r *Registry) Register(ctx context.Context, tenantID string, m *QualityMeasure) error {
	if tenantID == "" {
		return invalidInput("tenant is required")
	}
	m.MeasureID = strings.TrimSpace(m.MeasureID)
	if m.Direction == "" {
		m.Direction = HigherIsBetter
	}
	if err := validateStruct(m); err != nil {
		return err
	}

	existing, err := r.repo.GetByKey(ctx, tenantID, m.MeasureID, m.ReportingYear)
	if err == nil && existing != nil {
		return fmt.Errorf("measure %s for %d: %w", m.MeasureID, m.ReportingYear, ErrAlreadyExists)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	now := r.now().UTC()
	m.ID = uuid.New()
	m.TenantID = tenantID
	m.CreatedAt = now
	m.UpdatedAt = now
	return r.repo.Create(ctx, m)
}

func (r *Registry) Get(ctx context.Context, tenantID string, id uuid.UUID) (*QualityMeasure, error) {
	return r.repo.GetByID(ctx, tenantID, id)
}

// LookupByKey returns the latest reporting year of a measure key, or nil when
// the key is unknown to the tenant.
func (r *Registry) LookupByKey(ctx context.Context, tenantID, measureID string) (*QualityMeasure, error) {
	m, err := r.repo.GetLatestByKey(ctx, tenantID, measureID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// LookupByKeyYear is LookupByKey pinned to one reporting year.
func (r *Registry) LookupByKeyYear(ctx context.Context, tenantID, measureID string, year int) (*QualityMeasure, error) {
	m, err := r.repo.GetByKey(ctx, tenantID, measureID, year)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return m, err
}

// resolve is LookupByKey/LookupByKeyYear that reports a missing definition as ErrNotFound.
func (r *Registry) resolve(ctx context.Context, tenantID, measureID string, year int) (*QualityMeasure, error) {
	var (
		m   *QualityMeasure
		err error
	)
	if year > 0 {
		m, err = r.LookupByKeyYear(ctx, tenantID, measureID, year)
	} else {
		m, err = r.LookupByKey(ctx, tenantID, measureID)
	}
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, notFound("measure", measureID)
	}
	return m, nil
}

func (r *Registry) List(ctx context.Context, tenantID string, f MeasureFilter) ([]*QualityMeasure, error) {
	if f.Type != "" && !f.Type.Valid() {
		return nil, invalidInput("unknown measure type %q", f.Type)
	}
	return r.repo.List(ctx, tenantID, f)
}

// Update applies the mutable fields of u. Identity fields are never touched.
func (r *Registry) Update(ctx context.Context, tenantID string, id uuid.UUID, u MeasureUpdate) (*QualityMeasure, error) {
	if err := validateStruct(u); err != nil {
		return nil, err
	}
	m, err := r.repo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		m.Name = *u.Name
	}
	if u.Description != nil {
		m.Description = u.Description
	}
	if u.TargetRate != nil {
		m.TargetRate = *u.TargetRate
	}
	if u.Active != nil {
		m.Active = *u.Active
	}
	m.UpdatedAt = r.now().UTC()
	if err := r.repo.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}
