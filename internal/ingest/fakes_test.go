package ingest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"candlearc/internal/models"
)

// fakeStore is an in-memory Store keyed the same way the candles table is.
type fakeStore struct {
	mu      sync.Mutex
	candles map[string]models.Candle
	gaps    []models.CandleGap
	jobs    map[int64]*models.IngestionJob
	nextGap int64
	nextJob int64

	saveErr  error
	saveCnt  int
	savedAll [][]models.Candle
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		candles: map[string]models.Candle{},
		jobs:    map[int64]*models.IngestionJob{},
	}
}

func candleKey(c models.Candle) string {
	return fmt.Sprintf("%s|%s|%s|%d", c.Exchange, c.Symbol, c.Timeframe, c.OpenTime.UnixMilli())
}

func (f *fakeStore) SaveCandles(ctx context.Context, candles []models.Candle) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveCnt++
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	cp := make([]models.Candle, len(candles))
	copy(cp, candles)
	f.savedAll = append(f.savedAll, cp)
	for _, c := range candles {
		f.candles[candleKey(c)] = c
	}
	return len(candles), nil
}

func (f *fakeStore) GetCandles(ctx context.Context, exchange, symbol string, timeframe models.Timeframe, start, end time.Time, limit int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Candle
	for _, c := range f.candles {
		if c.Exchange != exchange || c.Symbol != symbol || c.Timeframe != timeframe {
			continue
		}
		if c.OpenTime.Before(start) || !c.OpenTime.Before(end) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeStore) LatestOpenTime(ctx context.Context, exchange, symbol string, timeframe models.Timeframe) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest time.Time
	for _, c := range f.candles {
		if c.Exchange == exchange && c.Symbol == symbol && c.Timeframe == timeframe && c.OpenTime.After(latest) {
			latest = c.OpenTime
		}
	}
	return latest, nil
}

func (f *fakeStore) SaveGap(ctx context.Context, gap models.CandleGap) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.gaps {
		if g.Exchange == gap.Exchange && g.Symbol == gap.Symbol && g.Timeframe == gap.Timeframe &&
			g.GapStart.Equal(gap.GapStart) && g.GapEnd.Equal(gap.GapEnd) {
			return 0, nil
		}
	}
	f.nextGap++
	gap.ID = f.nextGap
	f.gaps = append(f.gaps, gap)
	return gap.ID, nil
}

func (f *fakeStore) UnrepairedGaps(ctx context.Context, exchange, symbol string, timeframe models.Timeframe) ([]models.CandleGap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CandleGap
	for _, g := range f.gaps {
		if g.RepairedAt != nil {
			continue
		}
		if exchange != "" && g.Exchange != exchange {
			continue
		}
		if symbol != "" && g.Symbol != symbol {
			continue
		}
		if timeframe != "" && g.Timeframe != timeframe {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GapStart.Before(out[j].GapStart) })
	return out, nil
}

func (f *fakeStore) MarkGapRepaired(ctx context.Context, gapID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.gaps {
		if f.gaps[i].ID == gapID {
			now := time.Now().UTC()
			f.gaps[i].RepairedAt = &now
			return nil
		}
	}
	return fmt.Errorf("gap %d not found", gapID)
}

func (f *fakeStore) CreateJob(ctx context.Context, job models.IngestionJob) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextJob++
	job.ID = f.nextJob
	f.jobs[job.ID] = &job
	return job.ID, nil
}

func (f *fakeStore) UpdateJob(ctx context.Context, jobID int64, upd models.JobUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %d not found", jobID)
	}
	if upd.Status != "" {
		job.Status = upd.Status
	}
	if upd.CandlesFetched != nil {
		job.CandlesFetched = *upd.CandlesFetched
	}
	if upd.LastError != "" {
		job.LastError = upd.LastError
	}
	if upd.Completed {
		now := time.Now().UTC()
		job.CompletedAt = &now
	}
	return nil
}

func (f *fakeStore) CleanupRetention(ctx context.Context, retentionDays map[models.Timeframe]int) (map[models.Timeframe]int64, error) {
	return map[models.Timeframe]int64{}, nil
}

func (f *fakeStore) candleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candles)
}

func (f *fakeStore) setSaveErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveErr = err
}

func (f *fakeStore) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveCnt
}

func (f *fakeStore) savedBatches() [][]models.Candle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]models.Candle, len(f.savedAll))
	copy(out, f.savedAll)
	return out
}

func (f *fakeStore) jobsByType(jobType string) []models.IngestionJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.IngestionJob
	for _, j := range f.jobs {
		if j.JobType == jobType {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// fakeFetcher serves canned candles and records requested ranges.
type fakeFetcher struct {
	mu       sync.Mutex
	name     string
	candles  []models.Candle
	err      error
	requests []fetchRequest
}

type fetchRequest struct {
	symbol    string
	timeframe models.Timeframe
	start     time.Time
	end       time.Time
	limit     int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{name: "bitfinex"}
}

func (f *fakeFetcher) Name() string { return f.name }

func (f *fakeFetcher) FetchRange(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, fetchRequest{symbol: symbol, timeframe: timeframe, start: start, end: end})
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Candle
	for _, c := range f.candles {
		if c.Symbol == symbol && c.Timeframe == timeframe &&
			!c.OpenTime.Before(start) && c.OpenTime.Before(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeFetcher) FetchLatest(ctx context.Context, symbol string, timeframe models.Timeframe, limit int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, fetchRequest{symbol: symbol, timeframe: timeframe, limit: limit})
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Candle
	for _, c := range f.candles {
		if c.Symbol == symbol && c.Timeframe == timeframe {
			out = append(out, c)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeFetcher) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// makeCandle builds a valid test candle at the given open time.
func makeCandle(symbol string, tf models.Timeframe, openTime time.Time) models.Candle {
	one := decimal.NewFromInt(1)
	return models.Candle{
		Exchange:  "bitfinex",
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  openTime,
		CloseTime: openTime.Add(tf.Delta()),
		Open:      one,
		High:      one,
		Low:       one,
		Close:     one,
		Volume:    one,
	}
}

// makeSeries builds n consecutive candles starting at base.
func makeSeries(symbol string, tf models.Timeframe, base time.Time, n int) []models.Candle {
	out := make([]models.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, makeCandle(symbol, tf, base.Add(time.Duration(i)*tf.Delta())))
	}
	return out
}
