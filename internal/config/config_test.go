package config

import (
	"testing"
	"time"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("API_ADDR", ":9100")
	t.Setenv("DATABASE_URL", "postgres://example/db")
	t.Setenv("LODESTONE_MIGRATIONS_DIR", "/srv/migrations")
	t.Setenv("LODESTONE_SESSION_SECRET", "s3cret")
	t.Setenv("LODESTONE_SESSION_TTL_SECONDS", "120")
	t.Setenv("LODESTONE_CORS_ORIGIN", "https://lodestone.test")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("MEILI_URL", "http://localhost:7700")
	t.Setenv("MEILI_MASTER_KEY", "masterkey")
	t.Setenv("LODESTONE_REPORT_RATE_PER_MIN", "3")
	t.Setenv("LODESTONE_REPORT_RATE_BURST", "2")

	cfg := Load()

	if cfg.Addr != ":9100" {
		t.Errorf("Addr = %q", cfg.Addr)
	}
	if cfg.DatabaseURL != "postgres://example/db" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
	if cfg.MigrationsDir != "/srv/migrations" {
		t.Errorf("MigrationsDir = %q", cfg.MigrationsDir)
	}
	if cfg.SessionSecret != "s3cret" {
		t.Errorf("SessionSecret = %q", cfg.SessionSecret)
	}
	if cfg.SessionTTL != 2*time.Minute {
		t.Errorf("SessionTTL = %v", cfg.SessionTTL)
	}
	if cfg.CORSOrigin != "https://lodestone.test" {
		t.Errorf("CORSOrigin = %q", cfg.CORSOrigin)
	}
	if cfg.RedisURL != "redis://localhost:6379" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.MeiliURL != "http://localhost:7700" || cfg.MeiliMasterKey != "masterkey" {
		t.Errorf("Meili = %q / %q", cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	if cfg.ReportRatePerMin != 3 || cfg.ReportRateBurst != 2 {
		t.Errorf("report rate = %d burst %d", cfg.ReportRatePerMin, cfg.ReportRateBurst)
	}
}

func TestLoadFallsBackOnBadInt(t *testing.T) {
	t.Setenv("LODESTONE_SESSION_TTL_SECONDS", "not-a-number")

	cfg := Load()

	if cfg.SessionTTL != 86400*time.Second {
		t.Errorf("SessionTTL = %v, want the default", cfg.SessionTTL)
	}
}
