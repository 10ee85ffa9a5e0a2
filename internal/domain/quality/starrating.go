package quality

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StarRatingInput is one contract-year aggregation request.
type StarRatingInput struct {
	ContractID      string              `json:"contract_id" validate:"required,max=64"`
	MeasurementYear int                 `json:"measurement_year" validate:"gte=1900,lte=2200"`
	Measures        []StarRatingMeasure `json:"measures" validate:"dive"`
}

// StarAggregator computes and publishes star ratings.
type StarAggregator struct {
	repo StarRatingRepository
	now  func() time.Time
}

func NewStarAggregator(repo StarRatingRepository) *StarAggregator {
	return &StarAggregator{repo: repo, now: time.Now}
}

// Calculate scores the measures and stores an unpublished rating.
func (s *StarAggregator) Calculate(ctx context.Context, tenantID string, in StarRatingInput) (*StarRating, error) {
	if tenantID == "" {
		return nil, invalidInput("tenant is required")
	}
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	measures := make([]StarRatingMeasure, len(in.Measures))
	for i, m := range in.Measures {
		if m.Stars == 0 && len(m.CutPoints) == 5 {
			m.Stars = StarsFromCutPoints(m.Score, m.CutPoints)
		}
		if m.Stars < 1 || m.Stars > 5 {
			return nil, invalidInput("measure %s: stars must be between 1 and 5", m.MeasureID)
		}
		measures[i] = m
	}

	partC, partD, overall := AggregateStars(measures)
	now := s.now().UTC()
	r := &StarRating{
		ID:              uuid.New(),
		TenantID:        tenantID,
		ContractID:      in.ContractID,
		MeasurementYear: in.MeasurementYear,
		PartCRating:     partC,
		PartDRating:     partD,
		OverallRating:   overall,
		Measures:        measures,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Create(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Publish marks a rating as published. Publishing is one-way and repeated
// calls leave the original publish time in place.
func (s *StarAggregator) Publish(ctx context.Context, tenantID string, id uuid.UUID) (*StarRating, error) {
	r, err := s.repo.GetByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if r.Published {
		return r, nil
	}
	now := s.now().UTC()
	r.Published = true
	r.PublishedAt = &now
	r.UpdatedAt = now
	if err := s.repo.Update(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// AggregateStars returns the Part C, Part D and overall ratings. The overall
// rating always averages both parts, so a missing program counts as 0.
func AggregateStars(measures []StarRatingMeasure) (partC, partD, overall float64) {
	var cSum, cWeight, dSum, dWeight float64
	for _, m := range measures {
		inC, inD := programBuckets(m)
		w := m.Weight
		if inC {
			cSum += float64(m.Stars) * w
			cWeight += w
		}
		if inD {
			dSum += float64(m.Stars) * w
			dWeight += w
		}
	}
	if cWeight > 0 {
		partC = round1(cSum / cWeight)
	}
	if dWeight > 0 {
		partD = round1(dSum / dWeight)
	}
	overall = round1((partC + partD) / 2)
	return partC, partD, overall
}

// programBuckets places a measure by its program tag, or by its domain label
// when untagged. An untagged label may match both programs.
func programBuckets(m StarRatingMeasure) (partC, partD bool) {
	switch m.Program {
	case ProgramPartC:
		return true, false
	case ProgramPartD:
		return false, true
	}
	partC = strings.Contains(m.Domain, "Part C") || strings.Contains(m.Domain, "Health")
	partD = strings.Contains(m.Domain, "Part D") || strings.Contains(m.Domain, "Drug")
	return partC, partD
}

// StarsFromCutPoints maps a score onto 1-5 stars using five ascending
// thresholds, where cutPoints[k-1] is the minimum score for k stars.
func StarsFromCutPoints(score float64, cutPoints []float64) int {
	stars := 1
	for k := len(cutPoints); k >= 1; k-- {
		if score >= cutPoints[k-1] {
			stars = k
			break
		}
	}
	return stars
}
