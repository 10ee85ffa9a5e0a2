package quality

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MetricsRecorder receives engine telemetry. platform/metrics.Collector
// satisfies it.
type MetricsRecorder interface {
	ObserveOperation(op, errKind string, d time.Duration)
	ObserveCalculation(measureType string, rate float64, meetingTarget bool)
	ObserveGapAnalysis(measureType string, totalGaps, closableGaps int)
	ObserveStarRating(overall float64)
	ObservePublish()
}

// Repositories bundles the stores the service writes through.
type Repositories struct {
	Measures     MeasureRepository
	Calculations CalculationRepository
	GapAnalyses  GapAnalysisRepository
	StarRatings  StarRatingRepository
}

// Service is the entry point used by handlers. It wires the engines to one set
// of repositories and adds logging, metrics and cache invalidation around them.
type Service struct {
	repos      Repositories
	registry   *Registry
	calculator *Calculator
	gaps       *GapAnalyzer
	stars      *StarAggregator
	reporter   *Reporter
	metrics    MetricsRecorder
	logger     zerolog.Logger
}

func NewService(repos Repositories, logger zerolog.Logger) *Service {
	registry := NewRegistry(repos.Measures)
	return &Service{
		repos:      repos,
		registry:   registry,
		calculator: NewCalculator(registry, repos.Calculations),
		gaps:       NewGapAnalyzer(registry, repos.Calculations, repos.GapAnalyses),
		stars:      NewStarAggregator(repos.StarRatings),
		reporter:   NewReporter(repos.Measures, repos.Calculations, repos.GapAnalyses, repos.StarRatings),
		logger:     logger,
	}
}

func (s *Service) SetMetrics(m MetricsRecorder) { s.metrics = m }

func (s *Service) SetStatisticsCache(c StatisticsCache) { s.reporter.SetCache(c, s.logger) }

func (s *Service) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, ErrorKind(err), time.Since(start))
	}
	if err != nil {
		s.logger.Debug().Err(err).Str("op", op).Str("kind", ErrorKind(err)).Msg("quality operation failed")
	}
}

// -- Measures --

func (s *Service) CreateQualityMeasure(ctx context.Context, tenantID string, m *QualityMeasure) (err error) {
	defer func(start time.Time) { s.observe("create_measure", start, err) }(time.Now())
	if err = s.registry.Register(ctx, tenantID, m); err != nil {
		return err
	}
	s.reporter.Invalidate(ctx, tenantID)
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("measure_id", m.MeasureID).
		Int("reporting_year", m.ReportingYear).
		Str("type", string(m.Type)).
		Msg("quality measure registered")
	return nil
}

func (s *Service) UpdateQualityMeasure(ctx context.Context, tenantID string, id uuid.UUID, u MeasureUpdate) (m *QualityMeasure, err error) {
	defer func(start time.Time) { s.observe("update_measure", start, err) }(time.Now())
	if m, err = s.registry.Update(ctx, tenantID, id, u); err != nil {
		return nil, err
	}
	s.reporter.Invalidate(ctx, tenantID)
	s.logger.Info().Str("tenant_id", tenantID).Str("measure_id", m.MeasureID).
		Float64("target_rate", m.TargetRate).Bool("active", m.Active).Msg("quality measure updated")
	return m, nil
}

func (s *Service) GetQualityMeasure(ctx context.Context, tenantID string, id uuid.UUID) (*QualityMeasure, error) {
	return s.registry.Get(ctx, tenantID, id)
}

func (s *Service) LookupQualityMeasure(ctx context.Context, tenantID, measureID string) (*QualityMeasure, error) {
	return s.registry.LookupByKey(ctx, tenantID, measureID)
}

func (s *Service) ListQualityMeasures(ctx context.Context, tenantID string, f MeasureFilter) ([]*QualityMeasure, error) {
	return s.registry.List(ctx, tenantID, f)
}

// -- Calculations --

func (s *Service) CalculateMeasure(ctx context.Context, tenantID string, in CalculateInput) (c *MeasureCalculation, err error) {
	defer func(start time.Time) { s.observe("calculate_measure", start, err) }(time.Now())
	if c, err = s.calculator.Calculate(ctx, tenantID, in); err != nil {
		return nil, err
	}
	s.reporter.Invalidate(ctx, tenantID)
	if s.metrics != nil {
		s.metrics.ObserveCalculation(string(c.MeasureType), c.Rate, c.MeetingTarget)
	}
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("measure_id", c.MeasureID).
		Str("calculation_id", c.ID.String()).
		Int("numerator", c.Numerator).
		Int("denominator", c.Denominator).
		Float64("rate", c.Rate).
		Bool("meeting_target", c.MeetingTarget).
		Msg("measure calculated")
	return c, nil
}

func (s *Service) GetCalculation(ctx context.Context, tenantID string, id uuid.UUID) (*MeasureCalculation, error) {
	return s.repos.Calculations.GetByID(ctx, tenantID, id)
}

func (s *Service) ListCalculations(ctx context.Context, tenantID string, f CalculationFilter) ([]*MeasureCalculation, error) {
	return s.repos.Calculations.List(ctx, tenantID, f)
}

// -- Gap analyses --

func (s *Service) PerformGapAnalysis(ctx context.Context, tenantID, measureID string, calculationID *uuid.UUID, actor string) (ga *QualityGapAnalysis, err error) {
	defer func(start time.Time) { s.observe("gap_analysis", start, err) }(time.Now())
	if ga, err = s.gaps.Analyze(ctx, tenantID, measureID, calculationID, actor); err != nil {
		return nil, err
	}
	s.reporter.Invalidate(ctx, tenantID)
	if s.metrics != nil {
		s.metrics.ObserveGapAnalysis(string(ga.MeasureType), ga.TotalGaps, ga.ClosableGaps)
	}
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("measure_id", ga.MeasureID).
		Str("calculation_id", ga.CalculationID.String()).
		Int("total_gaps", ga.TotalGaps).
		Int("closable_gaps", ga.ClosableGaps).
		Int("actions", len(ga.RecommendedActions)).
		Msg("gap analysis completed")
	return ga, nil
}

func (s *Service) GetGapAnalysis(ctx context.Context, tenantID string, id uuid.UUID) (*QualityGapAnalysis, error) {
	return s.repos.GapAnalyses.GetByID(ctx, tenantID, id)
}

func (s *Service) ListGapAnalyses(ctx context.Context, tenantID string, f GapAnalysisFilter) ([]*QualityGapAnalysis, error) {
	return s.repos.GapAnalyses.List(ctx, tenantID, f)
}

// -- Star ratings --

func (s *Service) CalculateStarRating(ctx context.Context, tenantID string, in StarRatingInput) (r *StarRating, err error) {
	defer func(start time.Time) { s.observe("calculate_star_rating", start, err) }(time.Now())
	if r, err = s.stars.Calculate(ctx, tenantID, in); err != nil {
		return nil, err
	}
	s.reporter.Invalidate(ctx, tenantID)
	if s.metrics != nil {
		s.metrics.ObserveStarRating(r.OverallRating)
	}
	s.logger.Info().
		Str("tenant_id", tenantID).
		Str("contract_id", r.ContractID).
		Int("measurement_year", r.MeasurementYear).
		Float64("part_c", r.PartCRating).
		Float64("part_d", r.PartDRating).
		Float64("overall", r.OverallRating).
		Msg("star rating calculated")
	return r, nil
}

func (s *Service) PublishStarRating(ctx context.Context, tenantID string, id uuid.UUID) (r *StarRating, err error) {
	defer func(start time.Time) { s.observe("publish_star_rating", start, err) }(time.Now())
	if r, err = s.stars.Publish(ctx, tenantID, id); err != nil {
		return nil, err
	}
	s.reporter.Invalidate(ctx, tenantID)
	if s.metrics != nil {
		s.metrics.ObservePublish()
	}
	s.logger.Info().Str("tenant_id", tenantID).Str("star_rating_id", id.String()).Msg("star rating published")
	return r, nil
}

func (s *Service) GetStarRating(ctx context.Context, tenantID string, id uuid.UUID) (*StarRating, error) {
	return s.repos.StarRatings.GetByID(ctx, tenantID, id)
}

func (s *Service) ListStarRatings(ctx context.Context, tenantID string, f StarRatingFilter) ([]*StarRating, error) {
	return s.repos.StarRatings.List(ctx, tenantID, f)
}

// -- Statistics --

func (s *Service) GetStatistics(ctx context.Context, tenantID string, q StatisticsQuery) (st *Statistics, err error) {
	defer func(start time.Time) { s.observe("statistics", start, err) }(time.Now())
	return s.reporter.Statistics(ctx, tenantID, q)
}
