package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"candlearc/internal/models"
)

// APISymbol returns the upstream form of a trading pair: "BTCUSD" -> "tBTCUSD".
// Already-prefixed symbols pass through.
func APISymbol(symbol string) string {
	if strings.HasPrefix(symbol, "t") {
		return symbol
	}
	return "t" + symbol
}

// CleanSymbol strips the upstream "t" prefix for storage.
func CleanSymbol(symbol string) string {
	return strings.TrimPrefix(symbol, "t")
}

// BuildCandlesKey builds the upstream candles channel key,
// e.g. ("BTCUSD", "1m") -> "trade:1m:tBTCUSD".
func BuildCandlesKey(symbol string, timeframe models.Timeframe) string {
	return "trade:" + timeframe.APICode() + ":" + APISymbol(symbol)
}

// ParseCandleRow converts one upstream candle row into a Candle. Rows arrive
// as [ts_ms, open, close, high, low, volume] -- close before high/low.
// Volume may be signed upstream; the archive stores its absolute value.
// Numerics stay in decimal form end to end.
func ParseCandleRow(row []json.Number, exchangeName, symbol string, timeframe models.Timeframe) (models.Candle, error) {
	if len(row) != 6 {
		return models.Candle{}, fmt.Errorf("candle row has %d fields, want 6", len(row))
	}

	tsMs, err := strconv.ParseInt(row[0].String(), 10, 64)
	if err != nil {
		return models.Candle{}, fmt.Errorf("candle timestamp %q: %w", row[0], err)
	}

	fields := make([]decimal.Decimal, 5)
	for i, num := range row[1:] {
		d, err := decimal.NewFromString(num.String())
		if err != nil {
			return models.Candle{}, fmt.Errorf("candle field %d %q: %w", i+1, num, err)
		}
		fields[i] = d
	}

	openTime := time.UnixMilli(tsMs).UTC()
	return models.Candle{
		Exchange:  exchangeName,
		Symbol:    CleanSymbol(symbol),
		Timeframe: timeframe,
		OpenTime:  openTime,
		CloseTime: openTime.Add(timeframe.Delta()),
		Open:      fields[0],
		Close:     fields[1],
		High:      fields[2],
		Low:       fields[3],
		Volume:    fields[4].Abs(),
	}, nil
}

func decodeCandleRows(body []byte) ([][]json.Number, error) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var rows [][]json.Number
	if err := dec.Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
