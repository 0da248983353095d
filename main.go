package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"candlearc/internal/api"
	"candlearc/internal/config"
	"candlearc/internal/exchange"
	"candlearc/internal/ingest"
	"candlearc/internal/ratelimit"
	"candlearc/internal/repository"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	log.Printf("Initializing candlearc (%s)...", BuildCommit)
	log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	log.Printf("Symbols: %v Timeframes: %v", cfg.Symbols, cfg.Timeframes)

	repo, err := repository.NewRepository(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer repo.Close()

	if os.Getenv("SKIP_MIGRATION") == "true" {
		log.Println("Database Migration SKIPPED (SKIP_MIGRATION=true)")
	} else {
		log.Println("Running Database Migration...")
		if err := repo.Migrate("schema.sql"); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Database Migration Complete.")
	}

	limiter := ratelimit.New(ratelimit.Config{
		MinSpacing:      time.Duration(cfg.RateLimitDelay * float64(time.Second)),
		InitialBackoff:  time.Duration(cfg.RateLimitInitialBackoff * float64(time.Second)),
		MaxBackoff:      time.Duration(cfg.RateLimitMaxBackoff * float64(time.Second)),
		MinBackoffOn429: time.Duration(cfg.RateLimitMinBackoffSeconds * float64(time.Second)),
		MaxRetries:      cfg.RateLimitMaxRetries,
	})
	bfx := exchange.NewBitfinex(limiter, os.Getenv("BITFINEX_API_URL"))

	daemon := ingest.NewDaemon(cfg, repo, bfx)

	addr := fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort)
	apiServer := api.NewServer(repo, bfx, limiter, addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Starting API Server on %s", addr)
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	daemonDone := make(chan struct{})
	go func() {
		daemon.Run(ctx)
		close(daemonDone)
	}()

	<-sigChan
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}

	cancel()
	<-daemonDone
}

func redactDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err == nil && u.Scheme != "" {
		if u.User != nil {
			user := u.User.Username()
			if user == "" {
				user = "user"
			}
			u.User = url.UserPassword(user, "****")
		}
		// Avoid leaking secrets embedded in query params; keep only scheme/host/path.
		u.RawQuery = ""
		return u.String()
	}

	// Best-effort fallback for DSN-like strings.
	re := regexp.MustCompile(`(?i)(password=)(\S+)`)
	return re.ReplaceAllString(raw, `$1****`)
}
