package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"candlearc/internal/models"
)

// CreateJob appends an ingestion job record and returns its id.
func (r *Repository) CreateJob(ctx context.Context, job models.IngestionJob) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO ingestion_jobs (exchange, symbol, timeframe, job_type, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, job.Exchange, job.Symbol, string(job.Timeframe),
		job.JobType, job.Status, job.StartedAt.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create job: %w", err)
	}
	return id, nil
}

// UpdateJob applies the non-empty fields of upd to the job row. Setting
// Completed stamps completed_at, making the status terminal.
func (r *Repository) UpdateJob(ctx context.Context, jobID int64, upd models.JobUpdate) error {
	var sets []string
	args := []any{jobID}

	if upd.Status != "" {
		args = append(args, upd.Status)
		sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
	}
	if upd.CandlesFetched != nil {
		args = append(args, *upd.CandlesFetched)
		sets = append(sets, fmt.Sprintf("candles_fetched = $%d", len(args)))
	}
	if upd.LastError != "" {
		args = append(args, upd.LastError)
		sets = append(sets, fmt.Sprintf("last_error = $%d", len(args)))
	}
	if upd.Completed {
		args = append(args, time.Now().UTC())
		sets = append(sets, fmt.Sprintf("completed_at = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	query := fmt.Sprintf("UPDATE ingestion_jobs SET %s WHERE id = $1", strings.Join(sets, ", "))

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update job %d: %w", jobID, err)
	}
	return nil
}

// RecentJobs returns the most recently started jobs, newest first.
func (r *Repository) RecentJobs(ctx context.Context, limit int) ([]models.IngestionJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, exchange, symbol, timeframe, job_type, status,
		       started_at, completed_at, candles_fetched, COALESCE(last_error, '')
		FROM ingestion_jobs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.IngestionJob
	for rows.Next() {
		var j models.IngestionJob
		var tf string
		if err := rows.Scan(&j.ID, &j.Exchange, &j.Symbol, &tf, &j.JobType, &j.Status,
			&j.StartedAt, &j.CompletedAt, &j.CandlesFetched, &j.LastError); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Timeframe = models.Timeframe(tf)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
