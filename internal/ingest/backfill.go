package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"candlearc/internal/models"
)

// BackfillService fills historical candles over REST, one job per target.
type BackfillService struct {
	store   Store
	fetcher Fetcher
	targets []Target

	defaultDays int
}

func NewBackfillService(store Store, fetcher Fetcher, targets []Target, defaultDays int) *BackfillService {
	if defaultDays <= 0 {
		defaultDays = 365
	}
	return &BackfillService{
		store:       store,
		fetcher:     fetcher,
		targets:     targets,
		defaultDays: defaultDays,
	}
}

// BackfillSymbol fills one target and returns the number of candles saved.
// The effective start is, in order of precedence: the explicit start
// argument, the latest stored open_time (resume), or end minus days. The
// whole run is recorded as one backfill job; failures mark the job failed and
// propagate so batch callers can record per-target outcomes.
func (s *BackfillService) BackfillSymbol(ctx context.Context, symbol string, timeframe models.Timeframe, days int, start, end time.Time) (int, error) {
	if days <= 0 {
		days = s.defaultDays
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}

	if start.IsZero() {
		latest, err := s.store.LatestOpenTime(ctx, s.fetcher.Name(), symbol, timeframe)
		if err != nil {
			return 0, fmt.Errorf("latest open_time for %s/%s: %w", symbol, timeframe, err)
		}
		if !latest.IsZero() {
			start = latest
			log.Printf("[Backfill] resuming %s/%s from %s", symbol, timeframe, start.Format(time.RFC3339))
		} else {
			start = end.AddDate(0, 0, -days)
		}
	}

	jobID, err := s.store.CreateJob(ctx, models.IngestionJob{
		Exchange:  s.fetcher.Name(),
		Symbol:    symbol,
		Timeframe: timeframe,
		JobType:   models.JobTypeBackfill,
		Status:    models.JobStatusRunning,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("create backfill job for %s/%s: %w", symbol, timeframe, err)
	}

	log.Printf("[Backfill] %s/%s from %s to %s", symbol, timeframe, start.Format(time.RFC3339), end.Format(time.RFC3339))

	candles, err := s.fetcher.FetchRange(ctx, symbol, timeframe, start, end)
	if err != nil {
		s.failJob(ctx, jobID, err)
		return 0, fmt.Errorf("backfill %s/%s: %w", symbol, timeframe, err)
	}

	saved, err := s.store.SaveCandles(ctx, candles)
	if err != nil {
		s.failJob(ctx, jobID, err)
		return 0, fmt.Errorf("save backfill for %s/%s: %w", symbol, timeframe, err)
	}

	if saved > 0 {
		log.Printf("[Backfill] saved %d candles for %s/%s", saved, symbol, timeframe)
	} else {
		log.Printf("[Backfill] no candles returned for %s/%s", symbol, timeframe)
	}

	if err := s.store.UpdateJob(ctx, jobID, models.JobUpdate{
		Status:         models.JobStatusSuccess,
		CandlesFetched: &saved,
		Completed:      true,
	}); err != nil {
		log.Printf("[Backfill] finalize job %d: %v", jobID, err)
	}
	return saved, nil
}

func (s *BackfillService) failJob(ctx context.Context, jobID int64, cause error) {
	if err := s.store.UpdateJob(ctx, jobID, models.JobUpdate{
		Status:    models.JobStatusFailed,
		LastError: cause.Error(),
		Completed: true,
	}); err != nil {
		log.Printf("[Backfill] mark job %d failed: %v", jobID, err)
	}
}

// BackfillAll runs BackfillSymbol across every configured target,
// sequentially since the rate limiter bounds throughput anyway. The result
// maps target to candle count, -1 for targets that failed.
func (s *BackfillService) BackfillAll(ctx context.Context, days int) map[string]int {
	results := make(map[string]int, len(s.targets))
	for _, tgt := range s.targets {
		if ctx.Err() != nil {
			break
		}
		count, err := s.BackfillSymbol(ctx, tgt.Symbol, tgt.Timeframe, days, time.Time{}, time.Time{})
		if err != nil {
			log.Printf("[Backfill] %s failed: %v", tgt, err)
			results[tgt.String()] = -1
			continue
		}
		results[tgt.String()] = count
	}
	return results
}

// CatchupRecent backfills the last few minutes for every target, closing the
// window between daemon startup and the WS feed becoming productive.
func (s *BackfillService) CatchupRecent(ctx context.Context, minutes int) map[string]int {
	end := time.Now().UTC()
	start := end.Add(-time.Duration(minutes) * time.Minute)

	results := make(map[string]int, len(s.targets))
	for _, tgt := range s.targets {
		if ctx.Err() != nil {
			break
		}
		count, err := s.BackfillSymbol(ctx, tgt.Symbol, tgt.Timeframe, 0, start, end)
		if err != nil {
			log.Printf("[Backfill] catch-up %s failed: %v", tgt, err)
			results[tgt.String()] = -1
			continue
		}
		results[tgt.String()] = count
	}
	return results
}

// UpdateLatest fetches the newest handful of candles for every target and
// upserts them. Most are already stored; the upsert collapses the rest. Used
// when WS ingestion is off or as a safety net alongside it.
func (s *BackfillService) UpdateLatest(ctx context.Context) map[string]int {
	const latestCount = 10

	results := make(map[string]int, len(s.targets))
	for _, tgt := range s.targets {
		if ctx.Err() != nil {
			break
		}
		candles, err := s.fetcher.FetchLatest(ctx, tgt.Symbol, tgt.Timeframe, latestCount)
		if err != nil {
			log.Printf("[Backfill] update %s failed: %v", tgt, err)
			results[tgt.String()] = -1
			continue
		}
		saved, err := s.store.SaveCandles(ctx, candles)
		if err != nil {
			log.Printf("[Backfill] save update %s failed: %v", tgt, err)
			results[tgt.String()] = -1
			continue
		}
		results[tgt.String()] = saved
	}
	return results
}
