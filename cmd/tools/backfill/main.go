// One-shot historical backfill. Runs the same service the daemon uses, for a
// single symbol or the whole configured set, then exits.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"candlearc/internal/config"
	"candlearc/internal/exchange"
	"candlearc/internal/ingest"
	"candlearc/internal/models"
	"candlearc/internal/ratelimit"
	"candlearc/internal/repository"
)

func main() {
	var (
		configPath string
		symbol     string
		timeframe  string
		days       int
		startStr   string
		endStr     string
	)

	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.StringVar(&symbol, "symbol", "", "single symbol to backfill; empty runs all configured targets")
	flag.StringVar(&timeframe, "timeframe", "1h", "timeframe to backfill when -symbol is set")
	flag.IntVar(&days, "days", 0, "how many days back to fetch (0 uses the configured default)")
	flag.StringVar(&startStr, "start", "", "explicit RFC3339 start; overrides -days and stored progress")
	flag.StringVar(&endStr, "end", "", "explicit RFC3339 end; defaults to now")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect repository: %v", err)
	}
	defer repo.Close()

	limiter := ratelimit.New(ratelimit.Config{
		MinSpacing:      time.Duration(cfg.RateLimitDelay * float64(time.Second)),
		InitialBackoff:  time.Duration(cfg.RateLimitInitialBackoff * float64(time.Second)),
		MaxBackoff:      time.Duration(cfg.RateLimitMaxBackoff * float64(time.Second)),
		MinBackoffOn429: time.Duration(cfg.RateLimitMinBackoffSeconds * float64(time.Second)),
		MaxRetries:      cfg.RateLimitMaxRetries,
	})
	bfx := exchange.NewBitfinex(limiter, os.Getenv("BITFINEX_API_URL"))

	targets := ingest.Targets(cfg.Symbols, cfg.TimeframeList())
	svc := ingest.NewBackfillService(repo, bfx, targets, cfg.BackfillDays)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := time.Now()

	if symbol == "" {
		results := svc.BackfillAll(ctx, days)
		for tgt, n := range results {
			log.Printf("[backfill] %s: %d", tgt, n)
		}
	} else {
		tf, err := models.ParseTimeframe(timeframe)
		if err != nil {
			log.Fatalf("invalid -timeframe: %v", err)
		}
		start := parseFlagTime(startStr, "-start")
		end := parseFlagTime(endStr, "-end")

		saved, err := svc.BackfillSymbol(ctx, symbol, tf, days, start, end)
		if err != nil {
			log.Fatalf("[backfill] %s/%s failed: %v", symbol, tf, err)
		}
		log.Printf("[backfill] %s/%s: %d candles", symbol, tf, saved)
	}

	log.Printf("[backfill] done in %s", time.Since(started).Truncate(time.Second))
}

func parseFlagTime(v, name string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		log.Fatalf("invalid %s: %v", name, err)
	}
	return t.UTC()
}
