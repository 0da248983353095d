// One-shot gap maintenance: detect holes in the stored series and refetch
// them. -detect-only records gaps without repairing.
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
	"candlearc/internal/ratelimit"
	"candlearc/internal/repository"
)

func main() {
	var (
		configPath string
		detectOnly bool
		maxRepairs int
	)

	flag.StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.BoolVar(&detectOnly, "detect-only", false, "record gaps without repairing them")
	flag.IntVar(&maxRepairs, "max-repairs", 0, "cap on repairs this run (0 uses the configured default)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if maxRepairs <= 0 {
		maxRepairs = cfg.GapRepairMaxRepairsPerRun
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
	svc := ingest.NewGapService(repo, bfx, targets, maxRepairs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := time.Now()

	if detectOnly {
		n, err := svc.DetectAndSaveGaps(ctx)
		if err != nil {
			log.Fatalf("[repair_gaps] detection failed: %v", err)
		}
		log.Printf("[repair_gaps] recorded %d new gaps", n)
	} else {
		res, err := svc.RunMaintenance(ctx)
		if err != nil {
			log.Fatalf("[repair_gaps] maintenance failed: %v", err)
		}
		log.Printf("[repair_gaps] %d new gaps, %d repaired, %d failed",
			res.NewGapsDetected, res.GapsRepaired, res.RepairFailures)
	}

	log.Printf("[repair_gaps] done in %s", time.Since(started).Truncate(time.Second))
}
