package quality

import (
	"time"

	"github.com/google/uuid"
)

// MeasureType is the program a quality measure is reported under.
type MeasureType string

const (
	MeasureTypeHEDIS       MeasureType = "HEDIS"
	MeasureTypeMIPS        MeasureType = "MIPS"
	MeasureTypeCQM         MeasureType = "CQM"
	MeasureTypeStarRating  MeasureType = "StarRating"
	MeasureTypeCoreMeasure MeasureType = "CoreMeasure"
	MeasureTypeCustom      MeasureType = "Custom"
)

var validMeasureTypes = map[MeasureType]bool{
	MeasureTypeHEDIS: true, MeasureTypeMIPS: true, MeasureTypeCQM: true,
	MeasureTypeStarRating: true, MeasureTypeCoreMeasure: true, MeasureTypeCustom: true,
}

// Valid reports whether t is one of the known measure types.
func (t MeasureType) Valid() bool { return validMeasureTypes[t] }

// MeasureDomain is the quality domain a measure belongs to.
type MeasureDomain string

const (
	DomainEffectiveness    MeasureDomain = "effectiveness"
	DomainAccess           MeasureDomain = "access"
	DomainExperience       MeasureDomain = "experience"
	DomainUtilization      MeasureDomain = "utilization"
	DomainSafety           MeasureDomain = "safety"
	DomainCareCoordination MeasureDomain = "careCoordination"
)

var validMeasureDomains = map[MeasureDomain]bool{
	DomainEffectiveness: true, DomainAccess: true, DomainExperience: true,
	DomainUtilization: true, DomainSafety: true, DomainCareCoordination: true,
}

func (d MeasureDomain) Valid() bool { return validMeasureDomains[d] }

// MeasureDirection tells whether a higher rate is an improvement.
type MeasureDirection string

const (
	HigherIsBetter MeasureDirection = "higher_is_better"
	LowerIsBetter  MeasureDirection = "lower_is_better"
)

func (d MeasureDirection) Valid() bool { return d == HigherIsBetter || d == LowerIsBetter }

// StarProgram is the Medicare program bucket of a star rating measure.
type StarProgram string

const (
	ProgramPartC StarProgram = "part_c"
	ProgramPartD StarProgram = "part_d"
)

func (p StarProgram) Valid() bool { return p == ProgramPartC || p == ProgramPartD }

// QualityMeasure is a tenant-scoped measure definition. MeasureID, ReportingYear,
// Type and Domain form its identity and never change after creation.
type QualityMeasure struct {
	ID                  uuid.UUID        `db:"id" json:"id"`
	TenantID            string           `db:"tenant_id" json:"tenant_id"`
	MeasureID           string           `db:"measure_id" json:"measure_id" validate:"required,max=64"`
	Name                string           `db:"name" json:"name" validate:"required,max=255"`
	Description         *string          `db:"description" json:"description,omitempty"`
	Type                MeasureType      `db:"type" json:"type" validate:"measure_type"`
	Domain              MeasureDomain    `db:"domain" json:"domain" validate:"measure_domain"`
	Direction           MeasureDirection `db:"direction" json:"direction" validate:"measure_direction"`
	NumeratorCriteria   string           `db:"numerator_criteria" json:"numerator_criteria"`
	DenominatorCriteria string           `db:"denominator_criteria" json:"denominator_criteria"`
	ExclusionCriteria   *string          `db:"exclusion_criteria" json:"exclusion_criteria,omitempty"`
	TargetRate          float64          `db:"target_rate" json:"target_rate" validate:"gte=0,lte=100"`
	ReportingYear       int              `db:"reporting_year" json:"reporting_year" validate:"gte=1900,lte=2200"`
	Active              bool             `db:"active" json:"active"`
	EvidenceSource      *string          `db:"evidence_source" json:"evidence_source,omitempty"`
	Steward             *string          `db:"steward" json:"steward,omitempty"`
	CreatedBy           string           `db:"created_by" json:"created_by"`
	CreatedAt           time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time        `db:"updated_at" json:"updated_at"`
}

// MeasureUpdate carries the mutable fields of a definition. Nil fields are left alone.
type MeasureUpdate struct {
	Name        *string  `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	Description *string  `json:"description,omitempty"`
	TargetRate  *float64 `json:"target_rate,omitempty" validate:"omitempty,gte=0,lte=100"`
	Active      *bool    `json:"active,omitempty"`
}

// MeasureFilter narrows ListMeasures.
type MeasureFilter struct {
	Type          MeasureType
	ActiveOnly    bool
	ReportingYear int
}

// GapClosure records whether an intervention opportunity exists for a patient gap.
type GapClosure struct {
	GapIdentified  bool       `json:"gap_identified"`
	GapClosureDate *time.Time `json:"gap_closure_date,omitempty"`
	Interventions  []string   `json:"interventions,omitempty"`
}

// MeasurePatient is one roster entry inside a calculation snapshot.
type MeasurePatient struct {
	PatientID       string      `json:"patient_id"`
	InDenominator   bool        `json:"in_denominator"`
	InNumerator     bool        `json:"in_numerator"`
	Excluded        bool        `json:"excluded"`
	ExclusionReason *string     `json:"exclusion_reason,omitempty"`
	ComplianceDate  *time.Time  `json:"compliance_date,omitempty"`
	GapClosure      *GapClosure `json:"gap_closure,omitempty"`
}

// isGap reports whether the patient is an open care gap.
func (p MeasurePatient) isGap() bool {
	return p.InDenominator && !p.InNumerator && !p.Excluded
}

func (p MeasurePatient) closable() bool {
	return p.GapClosure != nil && p.GapClosure.GapIdentified
}

// Period is an inclusive reporting window.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether neither bound is set.
func (p Period) IsZero() bool { return p.Start.IsZero() && p.End.IsZero() }

// Contains reports whether t falls within the window. Unset bounds are open.
func (p Period) Contains(t time.Time) bool {
	if !p.Start.IsZero() && t.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && t.After(p.End) {
		return false
	}
	return true
}

// MeasureCalculation is an immutable snapshot of one measure over one window.
// TargetRate, Direction and MeasureType are copied from the definition at
// calculation time.
type MeasureCalculation struct {
	ID              uuid.UUID        `db:"id" json:"id"`
	TenantID        string           `db:"tenant_id" json:"tenant_id"`
	MeasureRef      uuid.UUID        `db:"measure_ref" json:"measure_ref"`
	MeasureID       string           `db:"measure_id" json:"measure_id"`
	MeasureName     string           `db:"measure_name" json:"measure_name"`
	MeasureType     MeasureType      `db:"measure_type" json:"measure_type"`
	Direction       MeasureDirection `db:"direction" json:"direction"`
	PeriodStart     time.Time        `db:"period_start" json:"period_start"`
	PeriodEnd       time.Time        `db:"period_end" json:"period_end"`
	Numerator       int              `db:"numerator" json:"numerator"`
	Denominator     int              `db:"denominator" json:"denominator"`
	Exclusions      int              `db:"exclusions" json:"exclusions"`
	Rate            float64          `db:"rate" json:"rate"`
	TargetRate      float64          `db:"target_rate" json:"target_rate"`
	PerformanceGap  float64          `db:"performance_gap" json:"performance_gap"`
	MeetingTarget   bool             `db:"meeting_target" json:"meeting_target"`
	Patients        []MeasurePatient `db:"patients" json:"patients"`
	CalculatedBy    string           `db:"calculated_by" json:"calculated_by"`
	CalculationDate time.Time        `db:"calculation_date" json:"calculation_date"`
}

// CalculationFilter narrows ListCalculations.
type CalculationFilter struct {
	MeasureID   string
	MeasureType MeasureType
	Window      Period
}

// GapReason is one row of the reason breakdown of a gap analysis.
type GapReason struct {
	Reason     string `json:"reason"`
	Count      int    `json:"count"`
	Percentage int    `json:"percentage"`
}

// RecommendedAction is a generated follow-up for a gap analysis.
type RecommendedAction struct {
	Category    string `json:"category"`
	Priority    string `json:"priority"`
	Description string `json:"description"`
}

// ProjectedImpact is the rate achievable if every closable gap were closed.
type ProjectedImpact struct {
	CurrentRate     float64 `json:"current_rate"`
	ProjectedRate   float64 `json:"projected_rate"`
	RateImprovement float64 `json:"rate_improvement"`
}

// QualityGapAnalysis is derived from exactly one calculation and never mutated.
type QualityGapAnalysis struct {
	ID                       uuid.UUID           `db:"id" json:"id"`
	TenantID                 string              `db:"tenant_id" json:"tenant_id"`
	CalculationID            uuid.UUID           `db:"calculation_id" json:"calculation_id"`
	MeasureRef               uuid.UUID           `db:"measure_ref" json:"measure_ref"`
	MeasureID                string              `db:"measure_id" json:"measure_id"`
	MeasureType              MeasureType         `db:"measure_type" json:"measure_type"`
	TotalGaps                int                 `db:"total_gaps" json:"total_gaps"`
	ClosableGaps             int                 `db:"closable_gaps" json:"closable_gaps"`
	PotentialRateImprovement float64             `db:"potential_rate_improvement" json:"potential_rate_improvement"`
	GapsByReason             []GapReason         `db:"gaps_by_reason" json:"gaps_by_reason"`
	RecommendedActions       []RecommendedAction `db:"recommended_actions" json:"recommended_actions"`
	ProjectedImpact          ProjectedImpact     `db:"projected_impact" json:"projected_impact"`
	AnalyzedBy               string              `db:"analyzed_by" json:"analyzed_by"`
	CreatedAt                time.Time           `db:"created_at" json:"created_at"`
}

// GapAnalysisFilter narrows ListGapAnalyses.
type GapAnalysisFilter struct {
	MeasureID   string
	MeasureType MeasureType
	Window      Period
}

// StarRatingMeasure is one weighted input of a star rating.
type StarRatingMeasure struct {
	MeasureID string      `json:"measure_id" validate:"required"`
	Domain    string      `json:"domain"`
	Program   StarProgram `json:"program,omitempty" validate:"omitempty,star_program"`
	Weight    float64     `json:"weight" validate:"gte=0"`
	Score     float64     `json:"score"`
	Stars     int         `json:"stars" validate:"gte=0,lte=5"`
	CutPoints []float64   `json:"cut_points,omitempty" validate:"omitempty,len=5"`
}

// StarRating is a composite Part C / Part D / overall rating for a contract year.
type StarRating struct {
	ID              uuid.UUID           `db:"id" json:"id"`
	TenantID        string              `db:"tenant_id" json:"tenant_id"`
	ContractID      string              `db:"contract_id" json:"contract_id"`
	MeasurementYear int                 `db:"measurement_year" json:"measurement_year"`
	PartCRating     float64             `db:"part_c_rating" json:"part_c_rating"`
	PartDRating     float64             `db:"part_d_rating" json:"part_d_rating"`
	OverallRating   float64             `db:"overall_rating" json:"overall_rating"`
	Measures        []StarRatingMeasure `db:"measures" json:"measures"`
	Published       bool                `db:"published" json:"published"`
	PublishedAt     *time.Time          `db:"published_at" json:"published_at,omitempty"`
	CreatedAt       time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time           `db:"updated_at" json:"updated_at"`
}

// StarRatingFilter narrows ListStarRatings.
type StarRatingFilter struct {
	ContractID      string
	MeasurementYear int
	PublishedOnly   bool
	Window          Period
}

// Statistics is the dashboard rollup returned by GetStatistics.
type Statistics struct {
	Measures     MeasureStats     `json:"measures"`
	Calculations CalculationStats `json:"calculations"`
	GapAnalyses  GapStats         `json:"gap_analyses"`
	StarRatings  StarRatingStats  `json:"star_ratings"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

type MeasureStats struct {
	Total    int                   `json:"total"`
	Active   int                   `json:"active"`
	ByType   map[MeasureType]int   `json:"by_type"`
	ByDomain map[MeasureDomain]int `json:"by_domain"`
}

type CalculationStats struct {
	Total                    int     `json:"total"`
	MeetingTarget            int     `json:"meeting_target"`
	NotMeetingTarget         int     `json:"not_meeting_target"`
	AverageRate              float64 `json:"average_rate"`
	AverageAbsPerformanceGap float64 `json:"average_abs_performance_gap"`
}

type GapStats struct {
	Analyses                    int     `json:"analyses"`
	TotalGaps                   int     `json:"total_gaps"`
	ClosableGaps                int     `json:"closable_gaps"`
	AveragePotentialImprovement float64 `json:"average_potential_improvement"`
}

type StarRatingStats struct {
	Total                int     `json:"total"`
	Published            int     `json:"published"`
	AverageOverallRating float64 `json:"average_overall_rating"`
}

// StatisticsQuery scopes GetStatistics. Zero values mean no filter.
type StatisticsQuery struct {
	Window Period
	Type   MeasureType
}
