package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"candlearc/internal/models"
)

// detectWindow bounds how far back periodic detection scans.
const detectWindow = 30 * 24 * time.Hour

// GapService detects holes in stored series and repairs them over REST.
type GapService struct {
	store   Store
	fetcher Fetcher
	targets []Target

	maxRepairsPerRun int
}

func NewGapService(store Store, fetcher Fetcher, targets []Target, maxRepairsPerRun int) *GapService {
	return &GapService{
		store:            store,
		fetcher:          fetcher,
		targets:          targets,
		maxRepairsPerRun: maxRepairsPerRun,
	}
}

// findGaps scans consecutive candles (ascending) and reports every spacing
// that exceeds the timeframe delta by more than 5%. The tolerance absorbs
// clock skew and near-boundary bars. Fewer than two candles cannot witness a
// gap.
func findGaps(candles []models.Candle, timeframe models.Timeframe) []models.CandleGap {
	if len(candles) < 2 {
		return nil
	}

	delta := timeframe.Delta()
	tolerance := delta / 20
	now := time.Now().UTC()

	var gaps []models.CandleGap
	for i := 0; i < len(candles)-1; i++ {
		cur, next := candles[i], candles[i+1]
		actual := next.OpenTime.Sub(cur.CloseTime)
		if actual > delta+tolerance {
			gaps = append(gaps, models.CandleGap{
				Exchange:   cur.Exchange,
				Symbol:     cur.Symbol,
				Timeframe:  timeframe,
				GapStart:   cur.CloseTime,
				GapEnd:     next.OpenTime,
				DetectedAt: now,
			})
		}
	}
	return gaps
}

// DetectGaps loads the stored series for [start, end) and returns the gaps in
// it. Zero start/end default to the last 30 days.
func (s *GapService) DetectGaps(ctx context.Context, exchange, symbol string, timeframe models.Timeframe, start, end time.Time) ([]models.CandleGap, error) {
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.Add(-detectWindow)
	}

	candles, err := s.store.GetCandles(ctx, exchange, symbol, timeframe, start, end, 100000)
	if err != nil {
		return nil, fmt.Errorf("load candles for gap detection %s/%s: %w", symbol, timeframe, err)
	}

	gaps := findGaps(candles, timeframe)
	for _, g := range gaps {
		log.Printf("[GapService] gap detected: %s/%s from %s to %s",
			symbol, timeframe, g.GapStart.Format(time.RFC3339), g.GapEnd.Format(time.RFC3339))
	}
	return gaps, nil
}

// DetectAndSaveGaps scans every configured target and persists new gaps.
// SaveGap is idempotent, so only gaps not seen before count.
func (s *GapService) DetectAndSaveGaps(ctx context.Context) (int, error) {
	newGaps := 0
	for _, tgt := range s.targets {
		if ctx.Err() != nil {
			return newGaps, ctx.Err()
		}
		gaps, err := s.DetectGaps(ctx, s.fetcher.Name(), tgt.Symbol, tgt.Timeframe, time.Time{}, time.Time{})
		if err != nil {
			log.Printf("[GapService] detect %s: %v", tgt, err)
			continue
		}
		for _, gap := range gaps {
			id, err := s.store.SaveGap(ctx, gap)
			if err != nil {
				log.Printf("[GapService] save gap %s: %v", tgt, err)
				continue
			}
			if id != 0 {
				newGaps++
			}
		}
	}
	return newGaps, nil
}

// RepairGap refetches the gap interval and upserts the result, recording the
// attempt as a gap_repair job. On success the gap is marked repaired; on
// failure it stays unrepaired for the next maintenance cycle.
func (s *GapService) RepairGap(ctx context.Context, gap models.CandleGap) (int, error) {
	jobID, err := s.store.CreateJob(ctx, models.IngestionJob{
		Exchange:  gap.Exchange,
		Symbol:    gap.Symbol,
		Timeframe: gap.Timeframe,
		JobType:   models.JobTypeGapRepair,
		Status:    models.JobStatusRunning,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("create repair job for gap %d: %w", gap.ID, err)
	}

	log.Printf("[GapService] repairing %s/%s gap [%s, %s)",
		gap.Symbol, gap.Timeframe, gap.GapStart.Format(time.RFC3339), gap.GapEnd.Format(time.RFC3339))

	candles, err := s.fetcher.FetchRange(ctx, gap.Symbol, gap.Timeframe, gap.GapStart, gap.GapEnd)
	if err != nil {
		s.failRepairJob(ctx, jobID, err)
		return 0, fmt.Errorf("fetch gap %d: %w", gap.ID, err)
	}

	saved, err := s.store.SaveCandles(ctx, candles)
	if err != nil {
		s.failRepairJob(ctx, jobID, err)
		return 0, fmt.Errorf("save gap %d candles: %w", gap.ID, err)
	}

	if saved == 0 {
		log.Printf("[GapService] no candles returned for gap %d; upstream likely has none either", gap.ID)
	}

	if gap.ID != 0 {
		if err := s.store.MarkGapRepaired(ctx, gap.ID); err != nil {
			log.Printf("[GapService] mark gap %d repaired: %v", gap.ID, err)
		}
	}
	if err := s.store.UpdateJob(ctx, jobID, models.JobUpdate{
		Status:         models.JobStatusSuccess,
		CandlesFetched: &saved,
		Completed:      true,
	}); err != nil {
		log.Printf("[GapService] finalize repair job %d: %v", jobID, err)
	}
	return saved, nil
}

func (s *GapService) failRepairJob(ctx context.Context, jobID int64, cause error) {
	if err := s.store.UpdateJob(ctx, jobID, models.JobUpdate{
		Status:    models.JobStatusFailed,
		LastError: cause.Error(),
		Completed: true,
	}); err != nil {
		log.Printf("[GapService] mark repair job %d failed: %v", jobID, err)
	}
}

// MaintenanceResult summarizes one detect-and-repair cycle.
type MaintenanceResult struct {
	NewGapsDetected int `json:"new_gaps_detected"`
	GapsRepaired    int `json:"gaps_repaired"`
	RepairFailures  int `json:"repair_failures"`
}

// RunMaintenance detects new gaps, then repairs unrepaired ones up to the
// per-run bound. Repair failures are logged and left for the next cycle.
func (s *GapService) RunMaintenance(ctx context.Context) (MaintenanceResult, error) {
	var result MaintenanceResult

	newGaps, err := s.DetectAndSaveGaps(ctx)
	result.NewGapsDetected = newGaps
	if err != nil {
		return result, err
	}

	gaps, err := s.store.UnrepairedGaps(ctx, "", "", "")
	if err != nil {
		return result, fmt.Errorf("list unrepaired gaps: %w", err)
	}
	if s.maxRepairsPerRun > 0 && len(gaps) > s.maxRepairsPerRun {
		gaps = gaps[:s.maxRepairsPerRun]
	}

	for _, gap := range gaps {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if _, err := s.RepairGap(ctx, gap); err != nil {
			log.Printf("[GapService] repair gap %d failed: %v", gap.ID, err)
			result.RepairFailures++
			continue
		}
		result.GapsRepaired++
	}
	return result, nil
}
