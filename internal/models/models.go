package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents one row of the 'candles' table. A candle is immutable
// once its interval has closed; the currently-open bar is re-emitted by the
// upstream with revised values and collapsed by the upsert.
type Candle struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  time.Time       `json:"open_time"`
	CloseTime time.Time       `json:"close_time"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Validate checks the candle invariants before persistence.
func (c Candle) Validate() error {
	if !c.Timeframe.Valid() {
		return fmt.Errorf("candle %s/%s: invalid timeframe %q", c.Exchange, c.Symbol, c.Timeframe)
	}
	if !c.OpenTime.Before(c.CloseTime) {
		return fmt.Errorf("candle %s/%s: open_time %s not before close_time %s",
			c.Symbol, c.Timeframe, c.OpenTime, c.CloseTime)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("candle %s/%s@%s: negative volume %s", c.Symbol, c.Timeframe, c.OpenTime, c.Volume)
	}
	lo := decimal.Min(c.Open, c.Close)
	hi := decimal.Max(c.Open, c.Close)
	if c.Low.GreaterThan(lo) || c.High.LessThan(hi) {
		return fmt.Errorf("candle %s/%s@%s: OHLC out of order (o=%s h=%s l=%s c=%s)",
			c.Symbol, c.Timeframe, c.OpenTime, c.Open, c.High, c.Low, c.Close)
	}
	return nil
}

// CandleGap represents the 'candle_gaps' table: a detected hole in a stored
// series. gap_start is the close_time of the candle before the hole,
// gap_end the open_time of the candle after it. Gaps are never deleted;
// repaired ones keep their repaired_at timestamp.
type CandleGap struct {
	ID         int64      `json:"id"`
	Exchange   string     `json:"exchange"`
	Symbol     string     `json:"symbol"`
	Timeframe  Timeframe  `json:"timeframe"`
	GapStart   time.Time  `json:"gap_start"`
	GapEnd     time.Time  `json:"gap_end"`
	DetectedAt time.Time  `json:"detected_at"`
	RepairedAt *time.Time `json:"repaired_at,omitempty"`
}

// Job types and statuses for the 'ingestion_jobs' table.
const (
	JobTypeBackfill  = "backfill"
	JobTypeGapRepair = "gap_repair"
	JobTypeRealtime  = "realtime"

	JobStatusRunning = "running"
	JobStatusSuccess = "success"
	JobStatusFailed  = "failed"
)

// IngestionJob is the audit record for one fetch unit of work. Rows are
// appended and updated until they reach a terminal status, never rewritten.
type IngestionJob struct {
	ID             int64      `json:"id"`
	Exchange       string     `json:"exchange"`
	Symbol         string     `json:"symbol"`
	Timeframe      Timeframe  `json:"timeframe"`
	JobType        string     `json:"job_type"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CandlesFetched int        `json:"candles_fetched"`
	LastError      string     `json:"last_error,omitempty"`
}

// JobUpdate carries the mutable fields for an ingestion job. Nil pointers
// leave the stored value untouched.
type JobUpdate struct {
	Status         string
	CandlesFetched *int
	LastError      string
	Completed      bool
}

// SymbolStatus summarizes stored coverage for one (exchange, symbol, timeframe).
type SymbolStatus struct {
	Exchange    string     `json:"exchange"`
	Symbol      string     `json:"symbol"`
	Timeframe   Timeframe  `json:"timeframe"`
	CandleCount int64      `json:"candle_count"`
	Oldest      *time.Time `json:"oldest,omitempty"`
	Newest      *time.Time `json:"newest,omitempty"`
}
