package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ehr/quality/internal/config"
	"github.com/ehr/quality/internal/platform/db"
)

func TestResolveDevSigningKey(t *testing.T) {
	key, err := resolveDevSigningKey("")
	if err != nil || key != nil {
		t.Fatalf("expected no key for empty value, got %v %v", key, err)
	}

	hexKey := strings.Repeat("ab", 32)
	key, err = resolveDevSigningKey(hexKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(key))
	}

	if _, err := resolveDevSigningKey("not-hex"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := resolveDevSigningKey("abcd"); err == nil {
		t.Error("expected error for short key")
	}
}

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production", LogLevel: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line should be filtered at warn level")
	}
	if !strings.Contains(out, `"service":"quality"`) || !strings.Contains(out, "shown") {
		t.Errorf("expected JSON warn line with service field, got %s", out)
	}
}

func TestNewLogger_BadLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&config.Config{Env: "production", LogLevel: "loud"}, &buf)
	logger.Info().Msg("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("expected info level fallback")
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, "tenant_default", []db.MigrationStatus{
		{Version: 1, Name: "001_quality.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_next.sql"},
	})
	out := buf.String()
	for _, want := range []string{"tenant_default", "001_quality.sql", "applied", "2026-04-01 09:30:00", "002_next.sql", "pending"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestRateLimitConfig(t *testing.T) {
	rl := rateLimitConfig(&config.Config{})
	if rl.RequestsPerSecond != 100 || rl.BurstSize != 200 {
		t.Errorf("expected defaults, got %+v", rl)
	}
	rl = rateLimitConfig(&config.Config{RateLimitRPS: 5, RateLimitBurst: 10})
	if rl.RequestsPerSecond != 5 || rl.BurstSize != 10 {
		t.Errorf("expected overrides, got %+v", rl)
	}
}

func TestCommandTree(t *testing.T) {
	for _, c := range []struct {
		name string
		subs []string
	}{
		{"migrate", []string{"up", "status"}},
		{"tenant", []string{"create"}},
	} {
		var cmd = migrateCmd()
		if c.name == "tenant" {
			cmd = tenantCmd()
		}
		for _, sub := range c.subs {
			found, _, err := cmd.Find([]string{sub})
			if err != nil || found.Name() != sub {
				t.Errorf("%s: expected subcommand %s", c.name, sub)
			}
		}
	}
	if serveCmd().Use != "serve" {
		t.Error("expected serve command")
	}
}

func TestSchemaFlag(t *testing.T) {
	up, _, _ := migrateCmd().Find([]string{"up"})
	schema, err := schemaFlag(up)
	if err != nil || schema != "tenant_default" {
		t.Fatalf("expected tenant_default, got %s %v", schema, err)
	}
	_ = up.Flags().Set("tenant", "bad-name")
	if _, err := schemaFlag(up); err == nil {
		t.Error("expected error for invalid tenant")
	}
}
