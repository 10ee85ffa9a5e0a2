package quality

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CalculateInput is one request to compute a measure over a reporting window.
type CalculateInput struct {
	MeasureID     string
	ReportingYear int
	Period        Period
	Patients      []MeasurePatient
	CalculatedBy  string
}

// Calculator computes and stores measure calculations.
type Calculator struct {
	registry *Registry
	repo     CalculationRepository
	now      func() time.Time
}

func NewCalculator(registry *Registry, repo CalculationRepository) *Calculator {
	return &Calculator{registry: registry, repo: repo, now: time.Now}
}

// Calculate resolves the definition, computes the snapshot and stores it.
func (c *Calculator) Calculate(ctx context.Context, tenantID string, in CalculateInput) (*MeasureCalculation, error) {
	if err := validateCalculateInput(tenantID, in); err != nil {
		return nil, err
	}
	m, err := c.registry.resolve(ctx, tenantID, in.MeasureID, in.ReportingYear)
	if err != nil {
		return nil, err
	}

	calc := ComputeCalculation(m, in.Period, in.Patients)
	calc.ID = uuid.New()
	calc.TenantID = tenantID
	calc.CalculatedBy = in.CalculatedBy
	calc.CalculationDate = c.now().UTC()

	if err := c.repo.Create(ctx, calc); err != nil {
		return nil, err
	}
	return calc, nil
}

func validateCalculateInput(tenantID string, in CalculateInput) error {
	switch {
	case tenantID == "":
		return invalidInput("tenant is required")
	case strings.TrimSpace(in.MeasureID) == "":
		return invalidInput("measure_id is required")
	case strings.TrimSpace(in.CalculatedBy) == "":
		return invalidInput("calculated_by is required")
	case in.Period.Start.IsZero() || in.Period.End.IsZero():
		return invalidInput("reporting period start and end are required")
	case in.Period.End.Before(in.Period.Start):
		return invalidInput("reporting period end %s is before start %s",
			in.Period.End.Format(time.DateOnly), in.Period.Start.Format(time.DateOnly))
	}
	return nil
}

// ComputeCalculation applies the counting rules to a roster. The roster is
// taken as given; duplicate patient ids are counted once per entry. A
// numerator flag outside the denominator is ignored so the numerator stays a
// subset of the denominator.
func ComputeCalculation(m *QualityMeasure, period Period, patients []MeasurePatient) *MeasureCalculation {
	var num, den, excl int
	for _, p := range patients {
		if p.Excluded {
			excl++
			continue
		}
		if !p.InDenominator {
			continue
		}
		den++
		if p.InNumerator {
			num++
		}
	}

	rate := percentage(num, den)
	direction := m.Direction
	if direction == "" {
		direction = HigherIsBetter
	}

	var gap float64
	var meeting bool
	if direction == LowerIsBetter {
		gap = round2(rate - m.TargetRate)
		meeting = rate <= m.TargetRate
	} else {
		gap = round2(m.TargetRate - rate)
		meeting = rate >= m.TargetRate
	}

	roster := make([]MeasurePatient, len(patients))
	copy(roster, patients)

	return &MeasureCalculation{
		MeasureRef:     m.ID,
		MeasureID:      m.MeasureID,
		MeasureName:    m.Name,
		MeasureType:    m.Type,
		Direction:      direction,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		Numerator:      num,
		Denominator:    den,
		Exclusions:     excl,
		Rate:           rate,
		TargetRate:     m.TargetRate,
		PerformanceGap: gap,
		MeetingTarget:  meeting,
		Patients:       roster,
	}
}

// percentage is part/whole*100 rounded to 2 decimals, 0 when whole is 0.
func percentage(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return round2(float64(part) / float64(whole) * 100)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round1(v float64) float64 { return math.Round(v*10) / 10 }
