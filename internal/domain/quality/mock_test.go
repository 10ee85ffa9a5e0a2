package quality

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is a map-backed implementation of all four repositories. Every
// lookup is filtered by tenant the same way the Postgres repositories are.
type memStore struct {
	mu           sync.Mutex
	measures     map[uuid.UUID]*QualityMeasure
	calculations map[uuid.UUID]*MeasureCalculation
	analyses     map[uuid.UUID]*QualityGapAnalysis
	ratings      map[uuid.UUID]*StarRating
	failList     error
}

func newMemStore() *memStore {
	return &memStore{
		measures:     map[uuid.UUID]*QualityMeasure{},
		calculations: map[uuid.UUID]*MeasureCalculation{},
		analyses:     map[uuid.UUID]*QualityGapAnalysis{},
		ratings:      map[uuid.UUID]*StarRating{},
	}
}

func (s *memStore) repos() Repositories {
	return Repositories{
		Measures:     measureMem{s},
		Calculations: calculationMem{s},
		GapAnalyses:  gapMem{s},
		StarRatings:  ratingMem{s},
	}
}

func inWindow(t time.Time, p Period) bool { return p.Contains(t) }

type measureMem struct{ s *memStore }

func (r measureMem) Create(_ context.Context, m *QualityMeasure) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range r.s.measures {
		if e.TenantID == m.TenantID && e.MeasureID == m.MeasureID && e.ReportingYear == m.ReportingYear {
			return ErrAlreadyExists
		}
	}
	cp := *m
	r.s.measures[m.ID] = &cp
	return nil
}

func (r measureMem) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*QualityMeasure, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.measures[id]
	if !ok || m.TenantID != tenantID {
		return nil, notFound("measure", id)
	}
	cp := *m
	return &cp, nil
}

func (r measureMem) GetByKey(_ context.Context, tenantID, measureID string, year int) (*QualityMeasure, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.measures {
		if m.TenantID == tenantID && m.MeasureID == measureID && m.ReportingYear == year {
			cp := *m
			return &cp, nil
		}
	}
	return nil, notFound("measure", measureID)
}

func (r measureMem) GetLatestByKey(_ context.Context, tenantID, measureID string) (*QualityMeasure, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *QualityMeasure
	for _, m := range r.s.measures {
		if m.TenantID != tenantID || m.MeasureID != measureID {
			continue
		}
		if latest == nil || m.ReportingYear > latest.ReportingYear {
			latest = m
		}
	}
	if latest == nil {
		return nil, notFound("measure", measureID)
	}
	cp := *latest
	return &cp, nil
}

func (r measureMem) Update(_ context.Context, m *QualityMeasure) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.measures[m.ID]
	if !ok || e.TenantID != m.TenantID {
		return notFound("measure", m.ID)
	}
	cp := *m
	r.s.measures[m.ID] = &cp
	return nil
}

func (r measureMem) List(_ context.Context, tenantID string, f MeasureFilter) ([]*QualityMeasure, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failList != nil {
		return nil, r.s.failList
	}
	out := []*QualityMeasure{}
	for _, m := range r.s.measures {
		switch {
		case m.TenantID != tenantID:
		case f.Type != "" && m.Type != f.Type:
		case f.ActiveOnly && !m.Active:
		case f.ReportingYear != 0 && m.ReportingYear != f.ReportingYear:
		default:
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MeasureID != out[j].MeasureID {
			return out[i].MeasureID < out[j].MeasureID
		}
		return out[i].ReportingYear > out[j].ReportingYear
	})
	return out, nil
}

type calculationMem struct{ s *memStore }

func (r calculationMem) Create(_ context.Context, c *MeasureCalculation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *c
	r.s.calculations[c.ID] = &cp
	return nil
}

func (r calculationMem) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*MeasureCalculation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.calculations[id]
	if !ok || c.TenantID != tenantID {
		return nil, notFound("calculation", id)
	}
	cp := *c
	return &cp, nil
}

func (r calculationMem) GetLatest(_ context.Context, tenantID, measureID string) (*MeasureCalculation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *MeasureCalculation
	for _, c := range r.s.calculations {
		if c.TenantID != tenantID || c.MeasureID != measureID {
			continue
		}
		if latest == nil || c.CalculationDate.After(latest.CalculationDate) {
			latest = c
		}
	}
	if latest == nil {
		return nil, notFound("calculation for measure", measureID)
	}
	cp := *latest
	return &cp, nil
}

func (r calculationMem) List(_ context.Context, tenantID string, f CalculationFilter) ([]*MeasureCalculation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failList != nil {
		return nil, r.s.failList
	}
	out := []*MeasureCalculation{}
	for _, c := range r.s.calculations {
		switch {
		case c.TenantID != tenantID:
		case f.MeasureID != "" && c.MeasureID != f.MeasureID:
		case f.MeasureType != "" && c.MeasureType != f.MeasureType:
		case !inWindow(c.CalculationDate, f.Window):
		default:
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CalculationDate.After(out[j].CalculationDate) })
	return out, nil
}

type gapMem struct{ s *memStore }

func (r gapMem) Create(_ context.Context, g *QualityGapAnalysis) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *g
	r.s.analyses[g.ID] = &cp
	return nil
}

func (r gapMem) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*QualityGapAnalysis, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.analyses[id]
	if !ok || g.TenantID != tenantID {
		return nil, notFound("gap analysis", id)
	}
	cp := *g
	return &cp, nil
}

func (r gapMem) List(_ context.Context, tenantID string, f GapAnalysisFilter) ([]*QualityGapAnalysis, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failList != nil {
		return nil, r.s.failList
	}
	out := []*QualityGapAnalysis{}
	for _, g := range r.s.analyses {
		switch {
		case g.TenantID != tenantID:
		case f.MeasureID != "" && g.MeasureID != f.MeasureID:
		case f.MeasureType != "" && g.MeasureType != f.MeasureType:
		case !inWindow(g.CreatedAt, f.Window):
		default:
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

type ratingMem struct{ s *memStore }

func (r ratingMem) Create(_ context.Context, sr *StarRating) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *sr
	r.s.ratings[sr.ID] = &cp
	return nil
}

func (r ratingMem) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*StarRating, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sr, ok := r.s.ratings[id]
	if !ok || sr.TenantID != tenantID {
		return nil, notFound("star rating", id)
	}
	cp := *sr
	return &cp, nil
}

func (r ratingMem) Update(_ context.Context, sr *StarRating) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.ratings[sr.ID]
	if !ok || e.TenantID != sr.TenantID {
		return notFound("star rating", sr.ID)
	}
	cp := *sr
	r.s.ratings[sr.ID] = &cp
	return nil
}

func (r ratingMem) List(_ context.Context, tenantID string, f StarRatingFilter) ([]*StarRating, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failList != nil {
		return nil, r.s.failList
	}
	out := []*StarRating{}
	for _, sr := range r.s.ratings {
		switch {
		case sr.TenantID != tenantID:
		case f.ContractID != "" && sr.ContractID != f.ContractID:
		case f.MeasurementYear != 0 && sr.MeasurementYear != f.MeasurementYear:
		case f.PublishedOnly && !sr.Published:
		case !inWindow(sr.CreatedAt, f.Window):
		default:
			cp := *sr
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// fakeMetrics records what the service reports.
type fakeMetrics struct {
	mu           sync.Mutex
	ops          map[string][]string
	calculations int
	gapAnalyses  int
	starRatings  int
	publishes    int
}

func newFakeMetrics() *fakeMetrics { return &fakeMetrics{ops: map[string][]string{}} }

func (f *fakeMetrics) ObserveOperation(op, errKind string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops[op] = append(f.ops[op], errKind)
}

func (f *fakeMetrics) ObserveCalculation(string, float64, bool) { f.calculations++ }

func (f *fakeMetrics) ObserveGapAnalysis(string, int, int) { f.gapAnalyses++ }

func (f *fakeMetrics) ObserveStarRating(float64) { f.starRatings++ }

func (f *fakeMetrics) ObservePublish() { f.publishes++ }

// fakeCache is an in-process StatisticsCache that counts calls. It honours
// generations the way the platform caches do.
type fakeCache struct {
	mu          sync.Mutex
	entries     map[string][]byte
	generations map[string]int64
	hits        int
	invalidated map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: map[string][]byte{}, generations: map[string]int64{}, invalidated: map[string]int{}}
}

func (f *fakeCache) Get(_ context.Context, tenantID, key string) ([]byte, int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[tenantID+"/"+key]
	if ok {
		f.hits++
	}
	return v, f.generations[tenantID], ok
}

func (f *fakeCache) Set(_ context.Context, tenantID, key string, gen int64, value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.generations[tenantID] {
		return
	}
	f.entries[tenantID+"/"+key] = value
}

func (f *fakeCache) Invalidate(_ context.Context, tenantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated[tenantID]++
	f.generations[tenantID]++
	for k := range f.entries {
		if strings.HasPrefix(k, tenantID+"/") {
			delete(f.entries, k)
		}
	}
}

// pausedCalculations blocks List after it has read from the store until
// release is closed, so a test can interleave a write.
type pausedCalculations struct {
	CalculationRepository
	listed  chan struct{}
	release chan struct{}
}

func pauseCalculationList(repo CalculationRepository) *pausedCalculations {
	return &pausedCalculations{CalculationRepository: repo, listed: make(chan struct{}), release: make(chan struct{})}
}

func (p *pausedCalculations) List(ctx context.Context, tenantID string, f CalculationFilter) ([]*MeasureCalculation, error) {
	items, err := p.CalculationRepository.List(ctx, tenantID, f)
	close(p.listed)
	<-p.release
	return items, err
}

var errStoreDown = errors.New("store down")

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func newClock() *clock { return &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
