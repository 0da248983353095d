// Package ingest contains the ingestion engine: historical backfill, gap
// detection and repair, the realtime batched persister, and the daemon
// supervisor tying them together. All writers converge on the store's candle
// upsert, which keeps the whole design idempotent.
package ingest

import (
	"context"
	"time"

	"candlearc/internal/models"
)

// Store is the slice of the store gateway the ingestion engine consumes.
// *repository.Repository implements it; tests use an in-memory fake.
type Store interface {
	SaveCandles(ctx context.Context, candles []models.Candle) (int, error)
	GetCandles(ctx context.Context, exchange, symbol string, timeframe models.Timeframe, start, end time.Time, limit int) ([]models.Candle, error)
	LatestOpenTime(ctx context.Context, exchange, symbol string, timeframe models.Timeframe) (time.Time, error)
	SaveGap(ctx context.Context, gap models.CandleGap) (int64, error)
	UnrepairedGaps(ctx context.Context, exchange, symbol string, timeframe models.Timeframe) ([]models.CandleGap, error)
	MarkGapRepaired(ctx context.Context, gapID int64) error
	CreateJob(ctx context.Context, job models.IngestionJob) (int64, error)
	UpdateJob(ctx context.Context, jobID int64, upd models.JobUpdate) error
	CleanupRetention(ctx context.Context, retentionDays map[models.Timeframe]int) (map[models.Timeframe]int64, error)
}

// Fetcher is the REST capability the backfill and gap services need.
type Fetcher interface {
	Name() string
	FetchRange(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time) ([]models.Candle, error)
	FetchLatest(ctx context.Context, symbol string, timeframe models.Timeframe, limit int) ([]models.Candle, error)
}

// Target is one (symbol, timeframe) ingestion unit. The exchange dimension of
// the identity tuple comes from the Fetcher.
type Target struct {
	Symbol    string
	Timeframe models.Timeframe
}

func (t Target) String() string {
	return t.Symbol + "/" + string(t.Timeframe)
}

// Targets expands the configured symbols and timeframes into their cartesian
// product.
func Targets(symbols []string, timeframes []models.Timeframe) []Target {
	out := make([]Target, 0, len(symbols)*len(timeframes))
	for _, sym := range symbols {
		for _, tf := range timeframes {
			out = append(out, Target{Symbol: sym, Timeframe: tf})
		}
	}
	return out
}
