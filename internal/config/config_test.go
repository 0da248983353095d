package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
database_url: postgres://x:y@db:5432/md
symbols: [BTCUSD]
timeframes: [1m, 1h]
backfill_days: 30
rate_limit_delay: 2.5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BACKFILL_DAYS", "7")
	t.Setenv("SYMBOLS", "ETHUSD, SOLUSD")
	t.Setenv("WS_INGESTION_ENABLED", "false")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DatabaseURL != "postgres://x:y@db:5432/md" {
		t.Errorf("database_url: %q", cfg.DatabaseURL)
	}
	if cfg.BackfillDays != 7 {
		t.Errorf("env should override yaml: backfill_days=%d", cfg.BackfillDays)
	}
	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "ETHUSD" || cfg.Symbols[1] != "SOLUSD" {
		t.Errorf("symbols: %v", cfg.Symbols)
	}
	if cfg.WSIngestionEnabled {
		t.Error("ws_ingestion_enabled should be false")
	}
	if cfg.RateLimitDelay != 2.5 {
		t.Errorf("rate_limit_delay: %v", cfg.RateLimitDelay)
	}
	if got := cfg.TimeframeList(); len(got) != 2 {
		t.Errorf("timeframes: %v", got)
	}
}

func TestLoadRejectsBadTimeframe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("timeframes: [2h]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown timeframe")
	}
}
