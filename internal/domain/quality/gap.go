package quality

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const unspecifiedReason = "unspecified"

// Recommended action categories.
const (
	ActionSystemicOutreach   = "systemic_outreach"
	ActionTargetedOutreach   = "targeted_outreach"
	ActionReasonFocus        = "reason_focus"
	ActionSpecReview         = "technical_specification_review"
	ActionImprovementProject = "improvement_project"
)

// GapAnalyzer derives care gaps from stored calculations.
type GapAnalyzer struct {
	registry     *Registry
	calculations CalculationRepository
	repo         GapAnalysisRepository
	now          func() time.Time
}

func NewGapAnalyzer(registry *Registry, calculations CalculationRepository, repo GapAnalysisRepository) *GapAnalyzer {
	return &GapAnalyzer{registry: registry, calculations: calculations, repo: repo, now: time.Now}
}

// Analyze builds a gap analysis for a measure. With a nil calculationID the
// most recent calculation of the measure is used.
func (g *GapAnalyzer) Analyze(ctx context.Context, tenantID, measureID string, calculationID *uuid.UUID, actor string) (*QualityGapAnalysis, error) {
	if tenantID == "" {
		return nil, invalidInput("tenant is required")
	}
	if strings.TrimSpace(measureID) == "" {
		return nil, invalidInput("measure_id is required")
	}
	m, err := g.registry.resolve(ctx, tenantID, measureID, 0)
	if err != nil {
		return nil, err
	}

	var calc *MeasureCalculation
	if calculationID != nil {
		calc, err = g.calculations.GetByID(ctx, tenantID, *calculationID)
		if err != nil {
			return nil, err
		}
		if calc.MeasureID != m.MeasureID {
			return nil, notFound("calculation for measure "+measureID, *calculationID)
		}
	} else {
		calc, err = g.calculations.GetLatest(ctx, tenantID, m.MeasureID)
		if err != nil {
			return nil, err
		}
	}

	ga := AnalyzeGaps(m, calc)
	ga.ID = uuid.New()
	ga.TenantID = tenantID
	ga.AnalyzedBy = actor
	ga.CreatedAt = g.now().UTC()
	if err := g.repo.Create(ctx, ga); err != nil {
		return nil, err
	}
	return ga, nil
}

// AnalyzeGaps is the pure gap derivation for one calculation. Rates and the
// target come from the calculation snapshot, not the live definition.
func AnalyzeGaps(m *QualityMeasure, calc *MeasureCalculation) *QualityGapAnalysis {
	var total, closable int
	counts := map[string]int{}
	for _, p := range calc.Patients {
		if !p.isGap() {
			continue
		}
		total++
		if p.closable() {
			closable++
		}
		var labels []string
		if p.GapClosure != nil {
			labels = p.GapClosure.Interventions
		}
		if len(labels) == 0 {
			counts[unspecifiedReason]++
			continue
		}
		for _, l := range labels {
			l = strings.TrimSpace(l)
			if l == "" {
				l = unspecifiedReason
			}
			counts[l]++
		}
	}

	var potential float64
	if calc.Denominator > 0 {
		potential = float64(calc.Numerator+closable) / float64(calc.Denominator) * 100
	}
	// Improvement is signed in the measure's direction: closing gaps raises
	// the rate, which counts against a lower-is-better measure.
	improvement, projected := 0.0, calc.Rate
	if closable > 0 {
		improvement = round2(potential - calc.Rate)
		if calc.Direction == LowerIsBetter {
			improvement = -improvement
		}
		projected = round2(potential)
	}

	reasons := gapReasons(counts, total)
	return &QualityGapAnalysis{
		CalculationID:            calc.ID,
		MeasureRef:               calc.MeasureRef,
		MeasureID:                calc.MeasureID,
		MeasureType:              calc.MeasureType,
		TotalGaps:                total,
		ClosableGaps:             closable,
		PotentialRateImprovement: improvement,
		GapsByReason:             reasons,
		RecommendedActions:       recommendActions(m, calc, reasons),
		ProjectedImpact: ProjectedImpact{
			CurrentRate:     calc.Rate,
			ProjectedRate:   projected,
			RateImprovement: improvement,
		},
	}
}

// gapReasons orders reasons by count descending, then name.
func gapReasons(counts map[string]int, total int) []GapReason {
	out := []GapReason{}
	if total == 0 {
		return out
	}
	for reason, n := range counts {
		out = append(out, GapReason{
			Reason:     reason,
			Count:      n,
			Percentage: int(math.Round(float64(n) / float64(total) * 100)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

// recommendActions applies the action rules in order. Rules accumulate.
func recommendActions(m *QualityMeasure, calc *MeasureCalculation, reasons []GapReason) []RecommendedAction {
	actions := []RecommendedAction{}
	gap := calc.PerformanceGap

	switch {
	case gap > 20:
		actions = append(actions,
			RecommendedAction{
				Category:    ActionSystemicOutreach,
				Priority:    "high",
				Description: fmt.Sprintf("Launch population-wide outreach for %s: performance is %.2f points from target", calc.MeasureName, gap),
			},
			RecommendedAction{
				Category:    ActionSystemicOutreach,
				Priority:    "high",
				Description: "Review care delivery workflows for systemic barriers to measure compliance",
			},
		)
	case gap > 10:
		actions = append(actions,
			RecommendedAction{
				Category:    ActionTargetedOutreach,
				Priority:    "medium",
				Description: "Contact patients with identified gap closure opportunities",
			},
			RecommendedAction{
				Category:    ActionTargetedOutreach,
				Priority:    "medium",
				Description: "Add open gaps to care team huddle lists and pre-visit planning",
			},
		)
	}

	for i, r := range reasons {
		if i >= 3 {
			break
		}
		if r.Percentage > 20 {
			actions = append(actions, RecommendedAction{
				Category:    ActionReasonFocus,
				Priority:    "medium",
				Description: fmt.Sprintf("Address gap reason %q (%d%% of gaps)", r.Reason, r.Percentage),
			})
		}
	}

	if calc.MeasureType == MeasureTypeHEDIS {
		actions = append(actions, RecommendedAction{
			Category:    ActionSpecReview,
			Priority:    "low",
			Description: fmt.Sprintf("Review HEDIS technical specifications for %s to confirm numerator capture", calc.MeasureID),
		})
	}

	if farFromTarget(calc) {
		name := calc.MeasureName
		if m != nil && m.Name != "" {
			name = m.Name
		}
		actions = append(actions, RecommendedAction{
			Category:    ActionImprovementProject,
			Priority:    "high",
			Description: fmt.Sprintf("Initiate improvement project for %s", name),
		})
	}
	return actions
}

// farFromTarget is true when the rate misses the target by more than 20% of it:
// below 0.8x target, or above 1.2x target for lower-is-better measures.
func farFromTarget(calc *MeasureCalculation) bool {
	if calc.Direction == LowerIsBetter {
		return calc.Rate > calc.TargetRate*1.2
	}
	return calc.Rate < calc.TargetRate*0.8
}
