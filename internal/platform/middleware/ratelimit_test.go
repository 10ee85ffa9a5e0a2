package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func hit(e *echo.Echo, mw echo.MiddlewareFunc, ip, tenant string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Real-IP", ip)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if tenant != "" {
		c.Set("jwt_tenant_id", tenant)
	}
	err := mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
	return rec, err
}

func TestRateLimit_WithinBurst(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3})
	for i := 0; i < 3; i++ {
		rec, err := hit(e, mw, "10.0.0.1", "")
		if err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "1" {
			t.Errorf("expected X-RateLimit-Limit 1, got %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}
}

func TestRateLimit_ExceedsBurst(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.5, BurstSize: 1})
	if _, err := hit(e, mw, "10.0.0.2", ""); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	rec, err := hit(e, mw, "10.0.0.2", "")
	assertCode(t, err, http.StatusTooManyRequests)

	retry, convErr := strconv.Atoi(rec.Header().Get("Retry-After"))
	if convErr != nil || retry < 1 || retry > 2 {
		t.Errorf("expected Retry-After between 1 and 2, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected X-RateLimit-Remaining 0")
	}
}

func TestRateLimit_PerTenantAndAddress(t *testing.T) {
	e := echo.New()
	mw := RateLimit(RateLimitConfig{RequestsPerSecond: 0.1, BurstSize: 1})
	for _, k := range []struct{ ip, tenant string }{
		{"10.0.0.3", ""},
		{"10.0.0.4", ""},
		{"10.0.0.3", "plan_east"},
		{"10.0.0.3", "plan_west"},
	} {
		if _, err := hit(e, mw, k.ip, k.tenant); err != nil {
			t.Errorf("%s/%s: expected independent bucket, got %v", k.tenant, k.ip, err)
		}
	}
}

func TestLimiterStore_EvictsIdleKeys(t *testing.T) {
	s := newLimiterStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.lastGC = now

	s.get("a")
	s.get("b")
	if s.size() != 2 {
		t.Fatalf("expected 2 limiters, got %d", s.size())
	}

	now = now.Add(2 * time.Minute)
	s.get("c")
	if s.size() != 1 {
		t.Errorf("expected idle limiters evicted, got %d", s.size())
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
