package quality

import (
	"context"

	"github.com/google/uuid"
)

// Every repository method is scoped by tenant. A record that exists under a
// different tenant must be reported as ErrNotFound.

type MeasureRepository interface {
	Create(ctx context.Context, m *QualityMeasure) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*QualityMeasure, error)
	GetByKey(ctx context.Context, tenantID, measureID string, reportingYear int) (*QualityMeasure, error)
	// GetLatestByKey returns the definition with the highest reporting year.
	GetLatestByKey(ctx context.Context, tenantID, measureID string) (*QualityMeasure, error)
	Update(ctx context.Context, m *QualityMeasure) error
	List(ctx context.Context, tenantID string, f MeasureFilter) ([]*QualityMeasure, error)
}

type CalculationRepository interface {
	Create(ctx context.Context, c *MeasureCalculation) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*MeasureCalculation, error)
	// GetLatest returns the most recent calculation for a measure key by calculation date.
	GetLatest(ctx context.Context, tenantID, measureID string) (*MeasureCalculation, error)
	List(ctx context.Context, tenantID string, f CalculationFilter) ([]*MeasureCalculation, error)
}

type GapAnalysisRepository interface {
	Create(ctx context.Context, g *QualityGapAnalysis) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*QualityGapAnalysis, error)
	List(ctx context.Context, tenantID string, f GapAnalysisFilter) ([]*QualityGapAnalysis, error)
}

type StarRatingRepository interface {
	Create(ctx context.Context, r *StarRating) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*StarRating, error)
	Update(ctx context.Context, r *StarRating) error
	List(ctx context.Context, tenantID string, f StarRatingFilter) ([]*StarRating, error)
}
