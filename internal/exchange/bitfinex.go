package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"candlearc/internal/models"
	"candlearc/internal/ratelimit"
)

const (
	DefaultBaseURL = "https://api-pub.bitfinex.com/v2"

	bitfinexName = "bitfinex"

	// Upstream caps a single candles request at 10000 rows.
	pageLimit = 10000

	// Pause between paginated requests, on top of the limiter spacing.
	interPageDelay = 200 * time.Millisecond

	// Pause before retrying a non-429 failure.
	retryPause = 2 * time.Second
)

// Bitfinex fetches candles from the public REST API. Every request passes
// through the shared rate limiter, so multiple callers never exceed the
// upstream budget.
type Bitfinex struct {
	baseURL string
	client  *http.Client
	limiter *ratelimit.Limiter
}

// NewBitfinex builds the REST adapter. baseURL overrides the public endpoint
// (used by tests and staging); empty means DefaultBaseURL.
func NewBitfinex(limiter *ratelimit.Limiter, baseURL string) *Bitfinex {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Bitfinex{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: limiter,
	}
}

func (b *Bitfinex) Name() string { return bitfinexName }

// requestWithRetry issues one GET under the rate limiter with bounded
// retries. 429 responses back off per the limiter's schedule; other failures
// pause retryPause. After the retry budget is spent it returns (nil, nil) so
// callers persist partial progress and the next periodic cycle resumes.
func (b *Bitfinex) requestWithRetry(ctx context.Context, reqURL string) ([]byte, error) {
	maxRetries := b.limiter.MaxRetries()

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := b.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := b.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Printf("[Bitfinex] request error: %v (attempt %d/%d)", err, attempt, maxRetries)
			if err := sleepCtx(ctx, retryPause); err != nil {
				return nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			backoff := b.limiter.RecordThrottled()
			log.Printf("[Bitfinex] rate limited (429), backing off %s (attempt %d/%d)", backoff, attempt, maxRetries)
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			log.Printf("[Bitfinex] HTTP %d from %s, retrying in %s (attempt %d/%d)",
				resp.StatusCode, reqURL, retryPause, attempt, maxRetries)
			if err := sleepCtx(ctx, retryPause); err != nil {
				return nil, err
			}
			continue
		}

		if readErr != nil {
			log.Printf("[Bitfinex] read body: %v (attempt %d/%d)", readErr, attempt, maxRetries)
			if err := sleepCtx(ctx, retryPause); err != nil {
				return nil, err
			}
			continue
		}

		b.limiter.RecordSuccess()
		return body, nil
	}

	log.Printf("[Bitfinex] giving up after %d attempts: %s", maxRetries, reqURL)
	return nil, nil
}

// FetchRange fetches [start, end) in ascending pages, advancing the cursor to
// the close_time of the last returned candle until the upstream runs dry.
func (b *Bitfinex) FetchRange(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time) ([]models.Candle, error) {
	key := BuildCandlesKey(symbol, timeframe)

	var all []models.Candle
	cursor := start

	for cursor.Before(end) {
		q := url.Values{}
		q.Set("start", strconv.FormatInt(cursor.UnixMilli(), 10))
		q.Set("end", strconv.FormatInt(end.UnixMilli(), 10))
		q.Set("limit", strconv.Itoa(pageLimit))
		q.Set("sort", "1")

		body, err := b.requestWithRetry(ctx, fmt.Sprintf("%s/candles/%s/hist?%s", b.baseURL, key, q.Encode()))
		if err != nil {
			return all, err
		}
		if body == nil {
			break
		}

		rows, err := decodeCandleRows(body)
		if err != nil {
			return all, fmt.Errorf("decode candles for %s: %w", key, err)
		}
		if len(rows) == 0 {
			break
		}

		added := false
		for _, row := range rows {
			c, err := ParseCandleRow(row, bitfinexName, symbol, timeframe)
			if err != nil {
				log.Printf("[Bitfinex] skipping malformed candle for %s: %v", key, err)
				continue
			}
			all = append(all, c)
			added = true
		}

		var next time.Time
		if added {
			next = all[len(all)-1].CloseTime
		} else {
			// The page decoded but no row parsed. Advance past the page's
			// last raw timestamp so the pager never re-requests the same
			// window.
			last := rows[len(rows)-1]
			if len(last) == 0 {
				break
			}
			ts, err := strconv.ParseInt(last[0].String(), 10, 64)
			if err != nil {
				break
			}
			next = time.UnixMilli(ts).UTC().Add(timeframe.Delta())
		}

		// The cursor must move forward every page.
		if !next.After(cursor) {
			break
		}
		cursor = next
		if !cursor.Before(end) {
			break
		}
		if err := sleepCtx(ctx, interPageDelay); err != nil {
			return all, err
		}
	}

	return all, nil
}

// FetchLatest returns the most recent limit candles, chronologically ascending.
func (b *Bitfinex) FetchLatest(ctx context.Context, symbol string, timeframe models.Timeframe, limit int) ([]models.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	key := BuildCandlesKey(symbol, timeframe)

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", "-1")

	body, err := b.requestWithRetry(ctx, fmt.Sprintf("%s/candles/%s/hist?%s", b.baseURL, key, q.Encode()))
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	rows, err := decodeCandleRows(body)
	if err != nil {
		return nil, fmt.Errorf("decode candles for %s: %w", key, err)
	}

	candles := make([]models.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := ParseCandleRow(row, bitfinexName, symbol, timeframe)
		if err != nil {
			log.Printf("[Bitfinex] skipping malformed candle for %s: %v", key, err)
			continue
		}
		candles = append(candles, c)
	}

	// Upstream returns newest-first for sort=-1.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

// ListSymbols returns all trading pairs the upstream serves.
func (b *Bitfinex) ListSymbols(ctx context.Context) ([]string, error) {
	body, err := b.requestWithRetry(ctx, b.baseURL+"/conf/pub:list:pair:exchange")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return nil, nil
	}

	var payload [][]string
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode pair list: %w", err)
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return payload[0], nil
}
