package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/quality/internal/platform/db"
)

// StatisticsCache stores encoded statistics per tenant. Get also reports the
// tenant's current generation, hit or miss; Set stores only under that
// generation, so a result computed across an Invalidate is never served.
// A negative generation means the cache cannot accept writes right now.
type StatisticsCache interface {
	Get(ctx context.Context, tenantID, key string) (value []byte, gen int64, ok bool)
	Set(ctx context.Context, tenantID, key string, gen int64, value []byte)
	Invalidate(ctx context.Context, tenantID string)
}

// Reporter aggregates stored snapshots for dashboards.
type Reporter struct {
	measures     MeasureRepository
	calculations CalculationRepository
	gaps         GapAnalysisRepository
	ratings      StarRatingRepository
	cache        StatisticsCache
	logger       zerolog.Logger
	now          func() time.Time
}

func NewReporter(measures MeasureRepository, calculations CalculationRepository, gaps GapAnalysisRepository, ratings StarRatingRepository) *Reporter {
	return &Reporter{
		measures:     measures,
		calculations: calculations,
		gaps:         gaps,
		ratings:      ratings,
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
}

// SetCache enables read-through caching. A nil cache disables it.
func (r *Reporter) SetCache(c StatisticsCache, logger zerolog.Logger) {
	r.cache = c
	r.logger = logger
}

// Invalidate drops cached statistics for a tenant after a write.
func (r *Reporter) Invalidate(ctx context.Context, tenantID string) {
	if r.cache != nil {
		r.cache.Invalidate(ctx, tenantID)
	}
}

func statisticsKey(q StatisticsQuery) string {
	var start, end int64
	if !q.Window.Start.IsZero() {
		start = q.Window.Start.Unix()
	}
	if !q.Window.End.IsZero() {
		end = q.Window.End.Unix()
	}
	return fmt.Sprintf("%d:%d:%s", start, end, q.Type)
}

// Statistics returns the rollup for a tenant. The four snapshot sets are read
// concurrently and aggregated independently.
func (r *Reporter) Statistics(ctx context.Context, tenantID string, q StatisticsQuery) (*Statistics, error) {
	if tenantID == "" {
		return nil, invalidInput("tenant is required")
	}
	if q.Type != "" && !q.Type.Valid() {
		return nil, invalidInput("unknown measure type %q", q.Type)
	}
	if !q.Window.Start.IsZero() && !q.Window.End.IsZero() && q.Window.End.Before(q.Window.Start) {
		return nil, invalidInput("window end is before start")
	}

	key := statisticsKey(q)
	gen := int64(-1)
	if r.cache != nil {
		raw, g, ok := r.cache.Get(ctx, tenantID, key)
		gen = g
		if ok {
			var cached Statistics
			if err := json.Unmarshal(raw, &cached); err == nil {
				return &cached, nil
			}
			r.logger.Warn().Str("tenant_id", tenantID).Msg("discarding undecodable cached statistics")
		}
	}

	var (
		measures []*QualityMeasure
		calcs    []*MeasureCalculation
		analyses []*QualityGapAnalysis
		ratings  []*StarRating
	)
	g, gctx := errgroup.WithContext(db.DetachConn(ctx))
	g.Go(func() (err error) {
		measures, err = r.measures.List(gctx, tenantID, MeasureFilter{Type: q.Type})
		return err
	})
	g.Go(func() (err error) {
		calcs, err = r.calculations.List(gctx, tenantID, CalculationFilter{MeasureType: q.Type, Window: q.Window})
		return err
	})
	g.Go(func() (err error) {
		analyses, err = r.gaps.List(gctx, tenantID, GapAnalysisFilter{MeasureType: q.Type, Window: q.Window})
		return err
	})
	g.Go(func() (err error) {
		ratings, err = r.ratings.List(gctx, tenantID, StarRatingFilter{Window: q.Window})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load statistics: %w", err)
	}

	stats := &Statistics{
		Measures:     summarizeMeasures(measures),
		Calculations: summarizeCalculations(calcs),
		GapAnalyses:  summarizeGaps(analyses),
		StarRatings:  summarizeStarRatings(ratings),
		GeneratedAt:  r.now().UTC(),
	}

	if r.cache != nil && gen >= 0 {
		if raw, err := json.Marshal(stats); err == nil {
			r.cache.Set(ctx, tenantID, key, gen, raw)
		}
	}
	return stats, nil
}

func summarizeMeasures(ms []*QualityMeasure) MeasureStats {
	out := MeasureStats{ByType: map[MeasureType]int{}, ByDomain: map[MeasureDomain]int{}}
	for _, m := range ms {
		out.Total++
		if m.Active {
			out.Active++
		}
		out.ByType[m.Type]++
		out.ByDomain[m.Domain]++
	}
	return out
}

func summarizeCalculations(cs []*MeasureCalculation) CalculationStats {
	var out CalculationStats
	var rateSum, gapSum float64
	for _, c := range cs {
		out.Total++
		if c.MeetingTarget {
			out.MeetingTarget++
		} else {
			out.NotMeetingTarget++
		}
		rateSum += c.Rate
		gapSum += math.Abs(c.PerformanceGap)
	}
	out.AverageRate = mean(rateSum, out.Total, round2)
	out.AverageAbsPerformanceGap = mean(gapSum, out.Total, round2)
	return out
}

func summarizeGaps(gs []*QualityGapAnalysis) GapStats {
	var out GapStats
	var improvementSum float64
	for _, g := range gs {
		out.Analyses++
		out.TotalGaps += g.TotalGaps
		out.ClosableGaps += g.ClosableGaps
		improvementSum += g.PotentialRateImprovement
	}
	out.AveragePotentialImprovement = mean(improvementSum, out.Analyses, round2)
	return out
}

func summarizeStarRatings(rs []*StarRating) StarRatingStats {
	var out StarRatingStats
	var sum float64
	for _, r := range rs {
		out.Total++
		if r.Published {
			out.Published++
		}
		sum += r.OverallRating
	}
	out.AverageOverallRating = mean(sum, out.Total, round1)
	return out
}

func mean(sum float64, n int, round func(float64) float64) float64 {
	if n == 0 {
		return 0
	}
	return round(sum / float64(n))
}
