package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/quality/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// acquire picks the transaction or request connection from ctx. A context
// that only carries a tenant gets its own pooled connection pinned to the
// tenant schema; the caller must call release once rows are consumed.
func acquire(ctx context.Context, pool *pgxpool.Pool) (queryable, func(), error) {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx, func() {}, nil
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c, func() {}, nil
	}
	if tid := db.TenantFromContext(ctx); tid != "" {
		c, err := db.AcquireTenantConn(ctx, pool, tid)
		if err != nil {
			return nil, nil, err
		}
		return c, c.Release, nil
	}
	return pool, func() {}, nil
}

const uniqueViolation = "23505"

func mapWriteErr(kind string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", kind, ErrAlreadyExists)
	}
	return err
}

func mapReadErr(kind string, key interface{}, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(kind, key)
	}
	return err
}

// where accumulates positional filter clauses.
type where struct {
	clauses []string
	args    []interface{}
}

func newWhere(tenantID string) *where {
	return &where{clauses: []string{"tenant_id = $1"}, args: []interface{}{tenantID}}
}

func (w *where) add(clause string, arg interface{}) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(clause, len(w.args)))
}

func (w *where) addWindow(col string, p Period) {
	if !p.Start.IsZero() {
		w.add(col+" >= $%d", p.Start)
	}
	if !p.End.IsZero() {
		w.add(col+" <= $%d", p.End)
	}
}

func (w *where) sql() string { return " WHERE " + strings.Join(w.clauses, " AND ") }

// -- Measures --

type measureRepoPG struct{ pool *pgxpool.Pool }

func NewMeasureRepoPG(pool *pgxpool.Pool) MeasureRepository {
	return &measureRepoPG{pool: pool}
}

const measureCols = `id, tenant_id, measure_id, name, description, type, domain, direction,
	numerator_criteria, denominator_criteria, exclusion_criteria,
	target_rate, reporting_year, active, evidence_source, steward,
	created_by, created_at, updated_at`

func (r *measureRepoPG) scanRow(row pgx.Row) (*QualityMeasure, error) {
	var m QualityMeasure
	err := row.Scan(&m.ID, &m.TenantID, &m.MeasureID, &m.Name, &m.Description, &m.Type, &m.Domain, &m.Direction,
		&m.NumeratorCriteria, &m.DenominatorCriteria, &m.ExclusionCriteria,
		&m.TargetRate, &m.ReportingYear, &m.Active, &m.EvidenceSource, &m.Steward,
		&m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	return &m, err
}

func (r *measureRepoPG) Create(ctx context.Context, m *QualityMeasure) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return err
	}
	defer release()
	_, err = q.Exec(ctx, `
		INSERT INTO quality_measure (id, tenant_id, measure_id, name, description, type, domain, direction,
			numerator_criteria, denominator_criteria, exclusion_criteria,
			target_rate, reporting_year, active, evidence_source, steward,
			created_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		m.ID, m.TenantID, m.MeasureID, m.Name, m.Description, m.Type, m.Domain, m.Direction,
		m.NumeratorCriteria, m.DenominatorCriteria, m.ExclusionCriteria,
		m.TargetRate, m.ReportingYear, m.Active, m.EvidenceSource, m.Steward,
		m.CreatedBy, m.CreatedAt, m.UpdatedAt)
	return mapWriteErr("measure "+m.MeasureID, err)
}

func (r *measureRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*QualityMeasure, error) {
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()
	m, err := r.scanRow(q.QueryRow(ctx,
		`SELECT `+measureCols+` FROM quality_measure WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, mapReadErr("measure", id, err)
	}
	return m, nil
}

func (r *measureRepoPG) GetByKey(ctx context.Context, tenantID, measureID string, year int) (*QualityMeasure, error) {
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()
	m, err := r.scanRow(q.QueryRow(ctx,
		`SELECT `+measureCols+` FROM quality_measure WHERE tenant_id = $1 AND measure_id = $2 AND reporting_year = $3`,
		tenantID, measureID, year))
	if err != nil {
		return nil, mapReadErr("measure", fmt.Sprintf("%s/%d", measureID, year), err)
	}
	return m, nil
}

func (r *measureRepoPG) GetLatestByKey(ctx context.Context, tenantID, measureID string) (*QualityMeasure, error) {
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()
	m, err := r.scanRow(q.QueryRow(ctx,
		`SELECT `+measureCols+` FROM quality_measure WHERE tenant_id = $1 AND measure_id = $2
		ORDER BY reporting_year DESC LIMIT 1`, tenantID, measureID))
	if err != nil {
		return nil, mapReadErr("measure", measureID, err)
	}
	return m, nil
}

func (r *measureRepoPG) Update(ctx context.Context, m *QualityMeasure) error {
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return err
	}
	defer release()
	tag, err := q.Exec(ctx, `
		UPDATE quality_measure SET name=$3, description=$4, target_rate=$5, active=$6, updated_at=$7
		WHERE tenant_id = $1 AND id = $2`,
		m.TenantID, m.ID, m.Name, m.Description, m.TargetRate, m.Active, m.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("measure", m.ID)
	}
	return nil
}

func (r *measureRepoPG) List(ctx context.Context, tenantID string, f MeasureFilter) ([]*QualityMeasure, error) {
	w := newWhere(tenantID)
	if f.Type != "" {
		w.add("type = $%d", f.Type)
	}
	if f.ActiveOnly {
		w.add("active = $%d", true)
	}
	if f.ReportingYear > 0 {
		w.add("reporting_year = $%d", f.ReportingYear)
	}
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()
	rows, err := q.Query(ctx,
		`SELECT `+measureCols+` FROM quality_measure`+w.sql()+` ORDER BY measure_id, reporting_year DESC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*QualityMeasure
	for rows.Next() {
		m, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// -- Calculations --

type calculationRepoPG struct{ pool *pgxpool.Pool }

func NewCalculationRepoPG(pool *pgxpool.Pool) CalculationRepository {
	return &calculationRepoPG{pool: pool}
}

const calculationCols = `id, tenant_id, measure_ref, measure_id, measure_name, measure_type, direction,
	period_start, period_end, numerator, denominator, exclusions,
	rate, target_rate, performance_gap, meeting_target, patients,
	calculated_by, calculation_date`

func (r *calculationRepoPG) scanRow(row pgx.Row) (*MeasureCalculation, error) {
	var c MeasureCalculation
	var patients []byte
	err := row.Scan(&c.ID, &c.TenantID, &c.MeasureRef, &c.MeasureID, &c.MeasureName, &c.MeasureType, &c.Direction,
		&c.PeriodStart, &c.PeriodEnd, &c.Numerator, &c.Denominator, &c.Exclusions,
		&c.Rate, &c.TargetRate, &c.PerformanceGap, &c.MeetingTarget, &patients,
		&c.CalculatedBy, &c.CalculationDate)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patients, &c.Patients); err != nil {
		return nil, fmt.Errorf("decode calculation %s patients: %w", c.ID, err)
	}
	return &c, nil
}

func (r *calculationRepoPG) Create(ctx context.Context, c *MeasureCalculation) error {
	patients, err := json.Marshal(c.Patients)
	if err != nil {
		return fmt.Errorf("encode patients: %w", err)
	}
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return err
	}
	defer release()
	_, err = q.Exec(ctx, `
		INSERT INTO measure_calculation (id, tenant_id, measure_ref, measure_id, measure_name, measure_type, direction,
			period_start, period_end, numerator, denominator, exclusions,
			rate, target_rate, performance_gap, meeting_target, patients,
			calculated_by, calculation_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		c.ID, c.TenantID, c.MeasureRef, c.MeasureID, c.MeasureName, c.MeasureType, c.Direction,
		c.PeriodStart, c.PeriodEnd, c.Numerator, c.Denominator, c.Exclusions,
		c.Rate, c.TargetRate, c.PerformanceGap, c.MeetingTarget, patients,
		c.CalculatedBy, c.CalculationDate)
	return mapWriteErr("calculation", err)
}

func (r *calculationRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*MeasureCalculation, error) {
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()
	c, err := r.scanRow(q.QueryRow(ctx,
		`SELECT `+calculationCols+` FROM measure_calculation WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, mapReadErr("calculation", id, err)
	}
	return c, nil
}

func (r *calculationRepoPG) GetLatest(ctx context.Context, tenantID, measureID string) (*MeasureCalculation, error) {
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()
	c, err := r.scanRow(q.QueryRow(ctx,
		`SELECT `+calculationCols+` FROM measure_calculation WHERE tenant_id = $1 AND measure_id = $2
		ORDER BY calculation_date DESC LIMIT 1`, tenantID, measureID))
	if err != nil {
		return nil, mapReadErr("calculation for measure", measureID, err)
	}
	return c, nil
}

func (r *calculationRepoPG) List(ctx context.Context, tenantID string, f CalculationFilter) ([]*MeasureCalculation, error) {
	w := newWhere(tenantID)
	if f.MeasureID != "" {
		w.add("measure_id = $%d", f.MeasureID)
	}
	if f.MeasureType != "" {
		w.add("measure_type = $%d", f.MeasureType)
	}
	w.addWindow("calculation_date", f.Window)
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()
	rows, err := q.Query(ctx,
		`SELECT `+calculationCols+` FROM measure_calculation`+w.sql()+` ORDER BY calculation_date DESC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*MeasureCalculation
	for rows.Next() {
		c, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// -- Gap analyses --

type gapAnalysisRepoPG struct{ pool *pgxpool.Pool }

func NewGapAnalysisRepoPG(pool *pgxpool.Pool) GapAnalysisRepository {
	return &gapAnalysisRepoPG{pool: pool}
}

const gapAnalysisCols = `id, tenant_id, calculation_id, measure_ref, measure_id, measure_type,
	total_gaps, closable_gaps, potential_rate_improvement,
	gaps_by_reason, recommended_actions, projected_impact,
	analyzed_by, created_at`

func (r *gapAnalysisRepoPG) scanRow(row pgx.Row) (*QualityGapAnalysis, error) {
	var g QualityGapAnalysis
	var reasons, actions, impact []byte
	err := row.Scan(&g.ID, &g.TenantID, &g.CalculationID, &g.MeasureRef, &g.MeasureID, &g.MeasureType,
		&g.TotalGaps, &g.ClosableGaps, &g.PotentialRateImprovement,
		&reasons, &actions, &impact,
		&g.AnalyzedBy, &g.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reasons, &g.GapsByReason); err != nil {
		return nil, fmt.Errorf("decode gap analysis %s reasons: %w", g.ID, err)
	}
	if err := json.Unmarshal(actions, &g.RecommendedActions); err != nil {
		return nil, fmt.Errorf("decode gap analysis %s actions: %w", g.ID, err)
	}
	if err := json.Unmarshal(impact, &g.ProjectedImpact); err != nil {
		return nil, fmt.Errorf("decode gap analysis %s impact: %w", g.ID, err)
	}
	return &g, nil
}

func (r *gapAnalysisRepoPG) Create(ctx context.Context, g *QualityGapAnalysis) error {
	reasons, err := json.Marshal(g.GapsByReason)
	if err != nil {
		return fmt.Errorf("encode gap reasons: %w", err)
	}
	actions, err := json.Marshal(g.RecommendedActions)
	if err != nil {
		return fmt.Errorf("encode recommended actions: %w", err)
	}
	impact, err := json.Marshal(g.ProjectedImpact)
	if err != nil {
		return fmt.Errorf("encode projected impact: %w", err)
	}
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return err
	}
	defer release()
	_, err = q.Exec(ctx, `
		INSERT INTO quality_gap_analysis (id, tenant_id, calculation_id, measure_ref, measure_id, measure_type,
			total_gaps, closable_gaps, potential_rate_improvement,
			gaps_by_reason, recommended_actions, projected_impact,
			analyzed_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		g.ID, g.TenantID, g.CalculationID, g.MeasureRef, g.MeasureID, g.MeasureType,
		g.TotalGaps, g.ClosableGaps, g.PotentialRateImprovement,
		reasons, actions, impact,
		g.AnalyzedBy, g.CreatedAt)
	return mapWriteErr("gap analysis", err)
}

func (r *gapAnalysisRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*QualityGapAnalysis, error) {
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()
	g, err := r.scanRow(q.QueryRow(ctx,
		`SELECT `+gapAnalysisCols+` FROM quality_gap_analysis WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, mapReadErr("gap analysis", id, err)
	}
	return g, nil
}

func (r *gapAnalysisRepoPG) List(ctx context.Context, tenantID string, f GapAnalysisFilter) ([]*QualityGapAnalysis, error) {
	w := newWhere(tenantID)
	if f.MeasureID != "" {
		w.add("measure_id = $%d", f.MeasureID)
	}
	if f.MeasureType != "" {
		w.add("measure_type = $%d", f.MeasureType)
	}
	w.addWindow("created_at", f.Window)
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()
	rows, err := q.Query(ctx,
		`SELECT `+gapAnalysisCols+` FROM quality_gap_analysis`+w.sql()+` ORDER BY created_at DESC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*QualityGapAnalysis
	for rows.Next() {
		g, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, g)
	}
	return items, rows.Err()
}

// -- Star ratings --

type starRatingRepoPG struct{ pool *pgxpool.Pool }

func NewStarRatingRepoPG(pool *pgxpool.Pool) StarRatingRepository {
	return &starRatingRepoPG{pool: pool}
}

const starRatingCols = `id, tenant_id, contract_id, measurement_year,
	part_c_rating, part_d_rating, overall_rating, measures,
	published, published_at, created_at, updated_at`

func (r *starRatingRepoPG) scanRow(row pgx.Row) (*StarRating, error) {
	var s StarRating
	var measures []byte
	err := row.Scan(&s.ID, &s.TenantID, &s.ContractID, &s.MeasurementYear,
		&s.PartCRating, &s.PartDRating, &s.OverallRating, &measures,
		&s.Published, &s.PublishedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(measures, &s.Measures); err != nil {
		return nil, fmt.Errorf("decode star rating %s measures: %w", s.ID, err)
	}
	return &s, nil
}

func (r *starRatingRepoPG) Create(ctx context.Context, s *StarRating) error {
	measures, err := json.Marshal(s.Measures)
	if err != nil {
		return fmt.Errorf("encode star measures: %w", err)
	}
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return err
	}
	defer release()
	_, err = q.Exec(ctx, `
		INSERT INTO star_rating (id, tenant_id, contract_id, measurement_year,
			part_c_rating, part_d_rating, overall_rating, measures,
			published, published_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		s.ID, s.TenantID, s.ContractID, s.MeasurementYear,
		s.PartCRating, s.PartDRating, s.OverallRating, measures,
		s.Published, s.PublishedAt, s.CreatedAt, s.UpdatedAt)
	return mapWriteErr("star rating", err)
}

func (r *starRatingRepoPG) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*StarRating, error) {
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()
	s, err := r.scanRow(q.QueryRow(ctx,
		`SELECT `+starRatingCols+` FROM star_rating WHERE tenant_id = $1 AND id = $2`, tenantID, id))
	if err != nil {
		return nil, mapReadErr("star rating", id, err)
	}
	return s, nil
}

// Update only persists the publication state; ratings are otherwise immutable.
func (r *starRatingRepoPG) Update(ctx context.Context, s *StarRating) error {
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return err
	}
	defer release()
	tag, err := q.Exec(ctx, `
		UPDATE star_rating SET published=$3, published_at=$4, updated_at=$5
		WHERE tenant_id = $1 AND id = $2`,
		s.TenantID, s.ID, s.Published, s.PublishedAt, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound("star rating", s.ID)
	}
	return nil
}

func (r *starRatingRepoPG) List(ctx context.Context, tenantID string, f StarRatingFilter) ([]*StarRating, error) {
	w := newWhere(tenantID)
	if f.ContractID != "" {
		w.add("contract_id = $%d", f.ContractID)
	}
	if f.MeasurementYear > 0 {
		w.add("measurement_year = $%d", f.MeasurementYear)
	}
	if f.PublishedOnly {
		w.add("published = $%d", true)
	}
	w.addWindow("created_at", f.Window)
	q, release, err := acquire(ctx, r.pool)
	if err != nil {
		return nil, err
	}
	defer release()
	rows, err := q.Query(ctx,
		`SELECT `+starRatingCols+` FROM star_rating`+w.sql()+` ORDER BY created_at DESC`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*StarRating
	for rows.Next() {
		s, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}
