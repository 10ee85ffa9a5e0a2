//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/quality/internal/domain/quality"
	"github.com/ehr/quality/internal/platform/db"
	"github.com/ehr/quality/migrations"
)

// testDB holds the shared database infrastructure for integration tests.
type testDB struct {
	Pool     *pgxpool.Pool
	ConnStr  string
	Migrator *db.Migrator
}

// globalDB is the package-level test database, initialized once in TestMain.
var globalDB *testDB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tdb, cleanup, err := setupPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup postgres: %v\n", err)
		os.Exit(1)
	}

	globalDB = tdb
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// setupPostgres connects to QUALITY_TEST_DATABASE_URL when it is set and
// otherwise starts a throwaway postgres container.
func setupPostgres(ctx context.Context) (*testDB, func(), error) {
	connStr := os.Getenv("QUALITY_TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		var err error
		connStr, cleanup, err = startPostgresContainer(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("start postgres container: %w", err)
		}
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		cleanup()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	return &testDB{
			Pool:     pool,
			ConnStr:  connStr,
			Migrator: db.NewMigrator(pool, migrations.FS),
		}, func() {
			pool.Close()
			cleanup()
		}, nil
}

// createTenantSchema creates a new tenant schema and runs all migrations.
func createTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	if err := db.CreateTenantSchema(ctx, globalDB.Pool, tenantID, globalDB.Migrator); err != nil {
		t.Fatalf("create tenant schema %s: %v", tenantID, err)
	}
	t.Cleanup(func() { dropTenantSchema(t, context.Background(), tenantID) })
}

// dropTenantSchema drops a tenant schema for cleanup.
func dropTenantSchema(t *testing.T, ctx context.Context, tenantID string) {
	t.Helper()
	schema := db.SchemaName(tenantID)
	if _, err := globalDB.Pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema)); err != nil {
		t.Logf("warning: failed to drop schema %s: %v", schema, err)
	}
}

// withTenantConn pins a connection to the tenant schema and hands the
// callback a context carrying it, the way TenantMiddleware does for requests.
func withTenantConn(ctx context.Context, tenantID string, fn func(ctx context.Context) error) error {
	conn, err := db.AcquireTenantConn(ctx, globalDB.Pool, tenantID)
	if err != nil {
		return err
	}
	defer conn.Release()

	ctx = db.WithTenant(ctx, tenantID)
	ctx = context.WithValue(ctx, db.DBConnKey, conn)
	return fn(ctx)
}

// uniqueTenantID generates a unique tenant ID for test isolation.
func uniqueTenantID(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

func pgRepositories() quality.Repositories {
	pool := globalDB.Pool
	return quality.Repositories{
		Measures:     quality.NewMeasureRepoPG(pool),
		Calculations: quality.NewCalculationRepoPG(pool),
		GapAnalyses:  quality.NewGapAnalysisRepoPG(pool),
		StarRatings:  quality.NewStarRatingRepoPG(pool),
	}
}

func newService() *quality.Service {
	return quality.NewService(pgRepositories(), zerolog.Nop())
}

func newMeasure(measureID string, year int, target float64) *quality.QualityMeasure {
	return &quality.QualityMeasure{
		MeasureID:           measureID,
		Name:                "Measure " + measureID,
		Type:                quality.MeasureTypeHEDIS,
		Domain:              quality.DomainEffectiveness,
		NumeratorCriteria:   "compliant",
		DenominatorCriteria: "eligible",
		TargetRate:          target,
		ReportingYear:       year,
		Active:              true,
		Steward:             ptrStr("NCQA"),
		CreatedBy:           "integration",
	}
}

// patients builds num compliant patients followed by gaps open gaps, the
// first closable of which have an identified closure.
func patients(num, gaps, closable int) []quality.MeasurePatient {
	out := make([]quality.MeasurePatient, 0, num+gaps)
	for i := 0; i < num; i++ {
		out = append(out, quality.MeasurePatient{PatientID: fmt.Sprintf("n%d", i), InDenominator: true, InNumerator: true})
	}
	for i := 0; i < gaps; i++ {
		out = append(out, quality.MeasurePatient{
			PatientID:     fmt.Sprintf("g%d", i),
			InDenominator: true,
			GapClosure:    &quality.GapClosure{GapIdentified: i < closable, Interventions: []string{"no visit"}},
		})
	}
	return out
}

var reportingPeriod = quality.Period{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
}

func ptrStr(s string) *string { return &s }
