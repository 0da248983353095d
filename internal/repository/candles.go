package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"candlearc/internal/models"
)

// Numeric columns travel as text in both directions so prices never pass
// through binary floats.
const upsertCandleSQL = `
	INSERT INTO candles (exchange, symbol, timeframe, open_time, close_time, open, high, low, close, volume)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (exchange, symbol, timeframe, open_time)
	DO UPDATE SET
		close_time = EXCLUDED.close_time,
		open = EXCLUDED.open,
		high = EXCLUDED.high,
		low = EXCLUDED.low,
		close = EXCLUDED.close,
		volume = EXCLUDED.volume
`

// SaveCandles upserts a batch of candles in one transaction. The upsert is
// idempotent on (exchange, symbol, timeframe, open_time); conflicting rows
// take the new values, which is how revisions of the still-open bar collapse.
// Returns the number of candles written.
func (r *Repository) SaveCandles(ctx context.Context, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin save candles: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(upsertCandleSQL,
			c.Exchange, c.Symbol, string(c.Timeframe),
			c.OpenTime.UTC(), c.CloseTime.UTC(),
			c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume.String(),
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range candles {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return 0, fmt.Errorf("upsert candle: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("close candle batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit save candles: %w", err)
	}
	return len(candles), nil
}

// GetCandles returns candles for the identity tuple within the half-open
// range [start, end), chronologically ascending. Zero start/end leave that
// bound open. limit caps the count, keeping the most recent rows in range;
// limit <= 0 defaults to 1000.
func (r *Repository) GetCandles(
	ctx context.Context,
	exchange, symbol string,
	timeframe models.Timeframe,
	start, end time.Time,
	limit int,
) ([]models.Candle, error) {
	if limit <= 0 {
		limit = 1000
	}

	query := `
		SELECT exchange, symbol, timeframe, open_time, close_time,
		       open::text, high::text, low::text, close::text, volume::text
		FROM candles
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3`
	args := []any{exchange, symbol, string(timeframe)}

	if !start.IsZero() {
		args = append(args, start.UTC())
		query += fmt.Sprintf(" AND open_time >= $%d", len(args))
	}
	if !end.IsZero() {
		args = append(args, end.UTC())
		query += fmt.Sprintf(" AND open_time < $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY open_time DESC LIMIT $%d", len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var candles []models.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candles: %w", err)
	}

	// Retrieval is newest-first so LIMIT keeps the most recent rows;
	// callers always see chronological order.
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
	return candles, nil
}

func scanCandle(rows pgx.Rows) (models.Candle, error) {
	var c models.Candle
	var tf string
	var open, high, low, closePx, volume string
	if err := rows.Scan(&c.Exchange, &c.Symbol, &tf, &c.OpenTime, &c.CloseTime,
		&open, &high, &low, &closePx, &volume); err != nil {
		return models.Candle{}, fmt.Errorf("scan candle: %w", err)
	}
	c.Timeframe = models.Timeframe(tf)

	var err error
	if c.Open, err = decimal.NewFromString(open); err != nil {
		return models.Candle{}, fmt.Errorf("parse open %q: %w", open, err)
	}
	if c.High, err = decimal.NewFromString(high); err != nil {
		return models.Candle{}, fmt.Errorf("parse high %q: %w", high, err)
	}
	if c.Low, err = decimal.NewFromString(low); err != nil {
		return models.Candle{}, fmt.Errorf("parse low %q: %w", low, err)
	}
	if c.Close, err = decimal.NewFromString(closePx); err != nil {
		return models.Candle{}, fmt.Errorf("parse close %q: %w", closePx, err)
	}
	if c.Volume, err = decimal.NewFromString(volume); err != nil {
		return models.Candle{}, fmt.Errorf("parse volume %q: %w", volume, err)
	}
	c.OpenTime = c.OpenTime.UTC()
	c.CloseTime = c.CloseTime.UTC()
	return c, nil
}

// LatestOpenTime returns the newest stored open_time for the identity tuple,
// or the zero time when no candles exist.
func (r *Repository) LatestOpenTime(ctx context.Context, exchange, symbol string, timeframe models.Timeframe) (time.Time, error) {
	var latest *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT MAX(open_time) FROM candles
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3
	`, exchange, symbol, string(timeframe)).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("query latest open_time: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}

// CountCandles returns the stored candle count for the identity tuple.
func (r *Repository) CountCandles(ctx context.Context, exchange, symbol string, timeframe models.Timeframe) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM candles
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3
	`, exchange, symbol, string(timeframe)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count candles: %w", err)
	}
	return count, nil
}

// CleanupRetention deletes candles older than the per-timeframe retention
// window and returns how many rows each timeframe lost.
func (r *Repository) CleanupRetention(ctx context.Context, retentionDays map[models.Timeframe]int) (map[models.Timeframe]int64, error) {
	deleted := make(map[models.Timeframe]int64, len(retentionDays))
	now := time.Now().UTC()

	for tf, days := range retentionDays {
		if days <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -days)
		tag, err := r.db.Exec(ctx, `
			DELETE FROM candles WHERE timeframe = $1 AND open_time < $2
		`, string(tf), cutoff)
		if err != nil {
			return deleted, fmt.Errorf("cleanup %s candles: %w", tf, err)
		}
		deleted[tf] = tag.RowsAffected()
	}
	return deleted, nil
}

// StatusSummary reports stored coverage per (exchange, symbol, timeframe).
func (r *Repository) StatusSummary(ctx context.Context) ([]models.SymbolStatus, error) {
	rows, err := r.db.Query(ctx, `
		SELECT exchange, symbol, timeframe, COUNT(*), MIN(open_time), MAX(open_time)
		FROM candles
		GROUP BY exchange, symbol, timeframe
		ORDER BY exchange, symbol, timeframe
	`)
	if err != nil {
		return nil, fmt.Errorf("query status summary: %w", err)
	}
	defer rows.Close()

	var out []models.SymbolStatus
	for rows.Next() {
		var (
			s  models.SymbolStatus
			tf string
		)
		if err := rows.Scan(&s.Exchange, &s.Symbol, &tf, &s.CandleCount, &s.Oldest, &s.Newest); err != nil {
			return nil, fmt.Errorf("scan status summary: %w", err)
		}
		s.Timeframe = models.Timeframe(tf)
		out = append(out, s)
	}
	return out, rows.Err()
}
