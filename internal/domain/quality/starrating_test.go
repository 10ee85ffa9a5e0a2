package quality

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestAggregateStars(t *testing.T) {
	tests := []struct {
		name     string
		measures []StarRatingMeasure
		want     [3]float64
	}{
		{
			name: "weighted parts",
			measures: []StarRatingMeasure{
				{MeasureID: "C01", Domain: "Part C - Staying Healthy", Weight: 2, Stars: 4},
				{MeasureID: "D01", Domain: "Part D - Drug Safety", Weight: 1, Stars: 5},
			},
			want: [3]float64{4, 5, 4.5},
		},
		{
			name: "weights inside one part",
			measures: []StarRatingMeasure{
				{MeasureID: "C01", Program: ProgramPartC, Weight: 3, Stars: 5},
				{MeasureID: "C02", Program: ProgramPartC, Weight: 1, Stars: 1},
				{MeasureID: "D01", Program: ProgramPartD, Weight: 1, Stars: 3},
			},
			want: [3]float64{4, 3, 3.5},
		},
		{
			name: "missing part counts as zero",
			measures: []StarRatingMeasure{
				{MeasureID: "C01", Program: ProgramPartC, Weight: 1, Stars: 4},
			},
			want: [3]float64{4, 0, 2},
		},
		{
			name: "untagged label may land in both parts",
			measures: []StarRatingMeasure{
				{MeasureID: "X01", Domain: "Health Plan Drug Pricing", Weight: 1, Stars: 3},
			},
			want: [3]float64{3, 3, 3},
		},
		{
			name: "explicit program wins over label",
			measures: []StarRatingMeasure{
				{MeasureID: "X01", Domain: "Drug Safety", Program: ProgramPartC, Weight: 1, Stars: 5},
			},
			want: [3]float64{5, 0, 2.5},
		},
		{
			name: "zero weight contributes nothing",
			measures: []StarRatingMeasure{
				{MeasureID: "C01", Program: ProgramPartC, Weight: 0, Stars: 5},
			},
			want: [3]float64{0, 0, 0},
		},
		{
			name: "unmatched label is ignored",
			measures: []StarRatingMeasure{
				{MeasureID: "Z01", Domain: "Member Experience", Weight: 1, Stars: 5},
			},
			want: [3]float64{0, 0, 0},
		},
		{name: "no measures", want: [3]float64{0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, d, o := AggregateStars(tt.measures)
			if diff := cmp.Diff(tt.want, [3]float64{c, d, o}); diff != "" {
				t.Errorf("ratings mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAggregateStars_BoundedAndDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	programs := []StarProgram{ProgramPartC, ProgramPartD, ""}
	domains := []string{"Part C", "Part D", "Drug", "Health", "Other"}
	for i := 0; i < 200; i++ {
		measures := make([]StarRatingMeasure, rng.Intn(12))
		for j := range measures {
			measures[j] = StarRatingMeasure{
				MeasureID: "M",
				Program:   programs[rng.Intn(len(programs))],
				Domain:    domains[rng.Intn(len(domains))],
				Weight:    float64(rng.Intn(5)),
				Stars:     1 + rng.Intn(5),
			}
		}
		c1, d1, o1 := AggregateStars(measures)
		c2, d2, o2 := AggregateStars(measures)
		if c1 != c2 || d1 != d2 || o1 != o2 {
			t.Fatalf("non-deterministic result for %+v", measures)
		}
		for _, v := range []float64{c1, d1, o1} {
			if v < 0 || v > 5 {
				t.Fatalf("rating %v out of range for %+v", v, measures)
			}
		}
	}
}

func TestStarsFromCutPoints(t *testing.T) {
	cuts := []float64{0, 20, 40, 60, 80}
	tests := []struct {
		score float64
		want  int
	}{
		{95, 5},
		{80, 5},
		{79.99, 4},
		{60, 4},
		{45, 3},
		{20, 2},
		{5, 1},
		{-10, 1},
	}
	for _, tt := range tests {
		if got := StarsFromCutPoints(tt.score, cuts); got != tt.want {
			t.Errorf("StarsFromCutPoints(%v) = %d, want %d", tt.score, got, tt.want)
		}
	}
}

func newTestAggregator() (*StarAggregator, *memStore, *clock) {
	store := newMemStore()
	clk := newClock()
	agg := NewStarAggregator(ratingMem{store})
	agg.now = clk.now
	return agg, store, clk
}

func TestStarAggregator_Calculate(t *testing.T) {
	agg, _, clk := newTestAggregator()
	r, err := agg.Calculate(context.Background(), "acme", StarRatingInput{
		ContractID:      "H1234",
		MeasurementYear: 2024,
		Measures: []StarRatingMeasure{
			{MeasureID: "C01", Program: ProgramPartC, Weight: 1, Score: 72, CutPoints: []float64{0, 20, 40, 60, 80}},
			{MeasureID: "D01", Program: ProgramPartD, Weight: 1, Stars: 5},
		},
	})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}
	if r.Measures[0].Stars != 4 {
		t.Errorf("expected stars derived from cut points, got %d", r.Measures[0].Stars)
	}
	if r.PartCRating != 4 || r.PartDRating != 5 || r.OverallRating != 4.5 {
		t.Errorf("unexpected ratings %v/%v/%v", r.PartCRating, r.PartDRating, r.OverallRating)
	}
	if r.Published || r.PublishedAt != nil {
		t.Error("new rating must be unpublished")
	}
	if !r.CreatedAt.Equal(clk.now()) || r.TenantID != "acme" || r.ID == uuid.Nil {
		t.Errorf("identity not stamped: %+v", r)
	}
}

func TestStarAggregator_CalculateInvalid(t *testing.T) {
	tests := []struct {
		name   string
		tenant string
		in     StarRatingInput
	}{
		{"missing tenant", "", StarRatingInput{ContractID: "H1", MeasurementYear: 2024}},
		{"missing contract", "acme", StarRatingInput{MeasurementYear: 2024}},
		{"bad year", "acme", StarRatingInput{ContractID: "H1", MeasurementYear: 10}},
		{"stars above five", "acme", StarRatingInput{ContractID: "H1", MeasurementYear: 2024,
			Measures: []StarRatingMeasure{{MeasureID: "C01", Weight: 1, Stars: 6}}}},
		{"no stars and no cut points", "acme", StarRatingInput{ContractID: "H1", MeasurementYear: 2024,
			Measures: []StarRatingMeasure{{MeasureID: "C01", Weight: 1, Score: 50}}}},
		{"short cut points", "acme", StarRatingInput{ContractID: "H1", MeasurementYear: 2024,
			Measures: []StarRatingMeasure{{MeasureID: "C01", Weight: 1, CutPoints: []float64{1, 2, 3, 4}}}}},
		{"negative weight", "acme", StarRatingInput{ContractID: "H1", MeasurementYear: 2024,
			Measures: []StarRatingMeasure{{MeasureID: "C01", Weight: -1, Stars: 3}}}},
		{"unknown program", "acme", StarRatingInput{ContractID: "H1", MeasurementYear: 2024,
			Measures: []StarRatingMeasure{{MeasureID: "C01", Program: "part_x", Weight: 1, Stars: 3}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg, store, _ := newTestAggregator()
			if _, err := agg.Calculate(context.Background(), tt.tenant, tt.in); !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
			if len(store.ratings) != 0 {
				t.Error("invalid rating was stored")
			}
		})
	}
}

func TestStarAggregator_Publish(t *testing.T) {
	agg, _, clk := newTestAggregator()
	ctx := context.Background()
	r, err := agg.Calculate(ctx, "acme", StarRatingInput{
		ContractID:      "H1234",
		MeasurementYear: 2024,
		Measures:        []StarRatingMeasure{{MeasureID: "C01", Program: ProgramPartC, Weight: 1, Stars: 4}},
	})
	if err != nil {
		t.Fatalf("Calculate: %v", err)
	}

	clk.advance(time.Hour)
	first, err := agg.Publish(ctx, "acme", r.ID)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !first.Published || first.PublishedAt == nil || !first.PublishedAt.Equal(clk.now()) {
		t.Fatalf("expected published at %v, got %+v", clk.now(), first)
	}
	publishedAt := *first.PublishedAt

	clk.advance(time.Hour)
	second, err := agg.Publish(ctx, "acme", r.ID)
	if err != nil {
		t.Fatalf("second Publish: %v", err)
	}
	if !second.Published || !second.PublishedAt.Equal(publishedAt) {
		t.Errorf("republish moved publish time to %v", second.PublishedAt)
	}
	if second.OverallRating != r.OverallRating {
		t.Error("publish changed the rating")
	}

	if _, err := agg.Publish(ctx, "other", r.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound across tenants, got %v", err)
	}
	if _, err := agg.Publish(ctx, "acme", uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}
