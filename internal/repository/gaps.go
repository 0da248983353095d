package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"candlearc/internal/models"
)

// SaveGap inserts a detected gap and returns its id. The insert is idempotent
// on (exchange, symbol, timeframe, gap_start, gap_end); an already-known gap
// returns 0.
func (r *Repository) SaveGap(ctx context.Context, gap models.CandleGap) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO candle_gaps (exchange, symbol, timeframe, gap_start, gap_end, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (exchange, symbol, timeframe, gap_start, gap_end) DO NOTHING
		RETURNING id
	`, gap.Exchange, gap.Symbol, string(gap.Timeframe),
		gap.GapStart.UTC(), gap.GapEnd.UTC(), gap.DetectedAt.UTC()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("save gap: %w", err)
	}
	return id, nil
}

// UnrepairedGaps lists gaps with no repaired_at, oldest first. Empty filter
// values match everything.
func (r *Repository) UnrepairedGaps(ctx context.Context, exchange, symbol string, timeframe models.Timeframe) ([]models.CandleGap, error) {
	query := `
		SELECT id, exchange, symbol, timeframe, gap_start, gap_end, detected_at, repaired_at
		FROM candle_gaps
		WHERE repaired_at IS NULL`
	var args []any

	if exchange != "" {
		args = append(args, exchange)
		query += fmt.Sprintf(" AND exchange = $%d", len(args))
	}
	if symbol != "" {
		args = append(args, symbol)
		query += fmt.Sprintf(" AND symbol = $%d", len(args))
	}
	if timeframe != "" {
		args = append(args, string(timeframe))
		query += fmt.Sprintf(" AND timeframe = $%d", len(args))
	}
	query += " ORDER BY gap_start ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unrepaired gaps: %w", err)
	}
	defer rows.Close()

	var gaps []models.CandleGap
	for rows.Next() {
		var g models.CandleGap
		var tf string
		if err := rows.Scan(&g.ID, &g.Exchange, &g.Symbol, &tf,
			&g.GapStart, &g.GapEnd, &g.DetectedAt, &g.RepairedAt); err != nil {
			return nil, fmt.Errorf("scan gap: %w", err)
		}
		g.Timeframe = models.Timeframe(tf)
		g.GapStart = g.GapStart.UTC()
		g.GapEnd = g.GapEnd.UTC()
		gaps = append(gaps, g)
	}
	return gaps, rows.Err()
}

// MarkGapRepaired stamps repaired_at. The row stays forever as an audit
// record of the outage.
func (r *Repository) MarkGapRepaired(ctx context.Context, gapID int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE candle_gaps SET repaired_at = $2 WHERE id = $1
	`, gapID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark gap %d repaired: %w", gapID, err)
	}
	return nil
}
