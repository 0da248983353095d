// Package exchange talks to the upstream market-data venue: a paginated REST
// fetcher for historical candles and a reconnecting WebSocket streamer for
// the realtime feed.
package exchange

import (
	"context"
	"time"

	"candlearc/internal/models"
)

// Exchange is the upstream capability set consumed by the ingestion
// services. Realtime subscriptions live on Streamer rather than here; the
// REST adapter cannot support them.
type Exchange interface {
	Name() string
	FetchRange(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time) ([]models.Candle, error)
	FetchLatest(ctx context.Context, symbol string, timeframe models.Timeframe, limit int) ([]models.Candle, error)
	ListSymbols(ctx context.Context) ([]string, error)
}
