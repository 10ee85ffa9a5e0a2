package quality

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/quality/internal/platform/auth"
	"github.com/ehr/quality/internal/platform/db"
	"github.com/ehr/quality/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/quality", auth.RequireRole("admin", "quality_analyst", "physician", "nurse"))
	read.GET("/measures", h.ListMeasures)
	read.GET("/measures/:id", h.GetMeasure)
	read.GET("/calculations", h.ListCalculations)
	read.GET("/calculations/:id", h.GetCalculation)
	read.GET("/gap-analyses", h.ListGapAnalyses)
	read.GET("/gap-analyses/:id", h.GetGapAnalysis)
	read.GET("/star-ratings", h.ListStarRatings)
	read.GET("/star-ratings/:id", h.GetStarRating)
	read.GET("/statistics", h.GetStatistics)

	write := api.Group("/quality", auth.RequireRole("admin", "quality_analyst"))
	write.POST("/measures", h.CreateMeasure)
	write.PATCH("/measures/:id", h.UpdateMeasure)
	write.POST("/measures/:measureId/calculations", h.CalculateMeasure)
	write.POST("/measures/:measureId/gap-analyses", h.PerformGapAnalysis)
	write.POST("/star-ratings", h.CalculateStarRating)
	write.POST("/star-ratings/:id/publish", h.PublishStarRating)
}

// toHTTPError maps engine errors onto status codes.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func tenantOf(c echo.Context) (string, error) {
	tid := db.TenantFromContext(c.Request().Context())
	if tid == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "tenant not resolved")
	}
	return tid, nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}

func windowFromQuery(c echo.Context) (Period, error) {
	start, err := parseTime(c.QueryParam("start"))
	if err != nil {
		return Period{}, echo.NewHTTPError(http.StatusBadRequest, "invalid start")
	}
	end, err := parseTime(c.QueryParam("end"))
	if err != nil {
		return Period{}, echo.NewHTTPError(http.StatusBadRequest, "invalid end")
	}
	// a bare end date covers the whole day
	if len(c.QueryParam("end")) == len(time.DateOnly) {
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	return Period{Start: start, End: end}, nil
}

// -- Measures --

type createMeasureRequest struct {
	MeasureID           string           `json:"measure_id"`
	Name                string           `json:"name"`
	Description         *string          `json:"description"`
	Type                MeasureType      `json:"type"`
	Domain              MeasureDomain    `json:"domain"`
	Direction           MeasureDirection `json:"direction"`
	NumeratorCriteria   string           `json:"numerator_criteria"`
	DenominatorCriteria string           `json:"denominator_criteria"`
	ExclusionCriteria   *string          `json:"exclusion_criteria"`
	TargetRate          float64          `json:"target_rate"`
	ReportingYear       int              `json:"reporting_year"`
	Active              *bool            `json:"active"`
	EvidenceSource      *string          `json:"evidence_source"`
	Steward             *string          `json:"steward"`
}

func (r createMeasureRequest) toMeasure(actor string) *QualityMeasure {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return &QualityMeasure{
		MeasureID:           r.MeasureID,
		Name:                r.Name,
		Description:         r.Description,
		Type:                r.Type,
		Domain:              r.Domain,
		Direction:           r.Direction,
		NumeratorCriteria:   r.NumeratorCriteria,
		DenominatorCriteria: r.DenominatorCriteria,
		ExclusionCriteria:   r.ExclusionCriteria,
		TargetRate:          r.TargetRate,
		ReportingYear:       r.ReportingYear,
		Active:              active,
		EvidenceSource:      r.EvidenceSource,
		Steward:             r.Steward,
		CreatedBy:           actor,
	}
}

func (h *Handler) CreateMeasure(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	var req createMeasureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m := req.toMeasure(auth.UserIDFromContext(c.Request().Context()))
	if err := h.svc.CreateQualityMeasure(c.Request().Context(), tid, m); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) GetMeasure(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetQualityMeasure(c.Request().Context(), tid, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) ListMeasures(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	f := MeasureFilter{
		Type:       MeasureType(c.QueryParam("type")),
		ActiveOnly: c.QueryParam("active") == "true",
	}
	items, err := h.svc.ListQualityMeasures(c.Request().Context(), tid, f)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) UpdateMeasure(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var u MeasureUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	m, err := h.svc.UpdateQualityMeasure(c.Request().Context(), tid, id, u)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, m)
}

// -- Calculations --

type calculateRequest struct {
	ReportingYear int              `json:"reporting_year"`
	PeriodStart   time.Time        `json:"period_start"`
	PeriodEnd     time.Time        `json:"period_end"`
	Patients      []MeasurePatient `json:"patients"`
}

func (h *Handler) CalculateMeasure(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	var req calculateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	calc, err := h.svc.CalculateMeasure(c.Request().Context(), tid, CalculateInput{
		MeasureID:     c.Param("measureId"),
		ReportingYear: req.ReportingYear,
		Period:        Period{Start: req.PeriodStart, End: req.PeriodEnd},
		Patients:      req.Patients,
		CalculatedBy:  auth.UserIDFromContext(c.Request().Context()),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, calc)
}

func (h *Handler) GetCalculation(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	calc, err := h.svc.GetCalculation(c.Request().Context(), tid, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, calc)
}

func (h *Handler) ListCalculations(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	window, err := windowFromQuery(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListCalculations(c.Request().Context(), tid, CalculationFilter{
		MeasureID:   c.QueryParam("measure_id"),
		MeasureType: MeasureType(c.QueryParam("type")),
		Window:      window,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

// -- Gap analyses --

type gapAnalysisRequest struct {
	CalculationID *uuid.UUID `json:"calculation_id"`
}

func (h *Handler) PerformGapAnalysis(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	var req gapAnalysisRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	ga, err := h.svc.PerformGapAnalysis(c.Request().Context(), tid, c.Param("measureId"), req.CalculationID,
		auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, ga)
}

func (h *Handler) GetGapAnalysis(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ga, err := h.svc.GetGapAnalysis(c.Request().Context(), tid, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, ga)
}

func (h *Handler) ListGapAnalyses(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	window, err := windowFromQuery(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListGapAnalyses(c.Request().Context(), tid, GapAnalysisFilter{
		MeasureID:   c.QueryParam("measure_id"),
		MeasureType: MeasureType(c.QueryParam("type")),
		Window:      window,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

// -- Star ratings --

func (h *Handler) CalculateStarRating(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	var in StarRatingInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r, err := h.svc.CalculateStarRating(c.Request().Context(), tid, in)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetStarRating(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetStarRating(c.Request().Context(), tid, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListStarRatings(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	window, err := windowFromQuery(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListStarRatings(c.Request().Context(), tid, StarRatingFilter{
		ContractID:    c.QueryParam("contract_id"),
		PublishedOnly: c.QueryParam("published") == "true",
		Window:        window,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) PublishStarRating(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.PublishStarRating(c.Request().Context(), tid, id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// -- Statistics --

func (h *Handler) GetStatistics(c echo.Context) error {
	tid, err := tenantOf(c)
	if err != nil {
		return err
	}
	window, err := windowFromQuery(c)
	if err != nil {
		return err
	}
	st, err := h.svc.GetStatistics(c.Request().Context(), tid, StatisticsQuery{
		Window: window,
		Type:   MeasureType(c.QueryParam("type")),
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, st)
}
