package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"crosspost/internal/models"

	"github.com/mattn/go-sqlite3"
)

const jobColumns = `id, job_id, ad_id, platform, account_id, action, idempotency_key, generation, priority, state, attempts, last_error, scheduled_at, created_at, started_at, finished_at`

func (db *DB) CreateJob(ctx context.Context, job *models.SyndicationJob) error {
	query := `INSERT INTO jobs (job_id, ad_id, platform, account_id, action, idempotency_key, generation, priority, state, attempts, scheduled_at, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now()
	if job.State == "" {
		job.State = models.JobStateQueued
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	result, err := db.ExecContext(ctx, query,
		job.JobID,
		job.AdID,
		job.Platform,
		job.AccountID,
		job.Action,
		job.IdempotencyKey,
		job.Generation,
		job.Priority,
		job.State,
		job.Attempts,
		job.ScheduledAt,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	job.ID = id
	job.CreatedAt = now

	return nil
}

func (db *DB) GetJob(ctx context.Context, id int64) (*models.SyndicationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`
	return db.queryJob(ctx, query, id)
}

func (db *DB) GetJobByJobID(ctx context.Context, jobID string) (*models.SyndicationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = ?`
	return db.queryJob(ctx, query, jobID)
}

func (db *DB) queryJob(ctx context.Context, query string, args ...interface{}) (*models.SyndicationJob, error) {
	var j models.SyndicationJob
	err := db.QueryRowContext(ctx, query, args...).Scan(
		&j.ID, &j.JobID, &j.AdID, &j.Platform, &j.AccountID, &j.Action, &j.IdempotencyKey,
		&j.Generation, &j.Priority, &j.State, &j.Attempts, &j.LastError,
		&j.ScheduledAt, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetDueJobs возвращает задания, готовые к выполнению
func (db *DB) GetDueJobs(ctx context.Context, now time.Time, limit int) ([]models.SyndicationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
              WHERE state IN ('queued', 'failed_retryable') AND scheduled_at <= ?
              ORDER BY priority ASC, scheduled_at ASC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.SyndicationJob
	for rows.Next() {
		var j models.SyndicationJob
		err := rows.Scan(
			&j.ID, &j.JobID, &j.AdID, &j.Platform, &j.AccountID, &j.Action, &j.IdempotencyKey,
			&j.Generation, &j.Priority, &j.State, &j.Attempts, &j.LastError,
			&j.ScheduledAt, &j.CreatedAt, &j.StartedAt, &j.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkRunning claims the (ad, platform) lease. The partial unique index on
// running jobs rejects the transition when another job for the same pair is
// in flight; that conflict is reported as claimed=false, not as an error.
func (db *DB) MarkRunning(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE jobs SET state = 'running', started_at = ?, attempts = attempts + 1
              WHERE id = ? AND state IN ('queued', 'failed_retryable')`
	result, err := db.ExecContext(ctx, query, time.Now(), id)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark job running: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func (db *DB) MarkSucceeded(ctx context.Context, id int64) error {
	query := `UPDATE jobs SET state = 'succeeded', last_error = NULL, finished_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark job succeeded: %w", err)
	}
	return nil
}

func (db *DB) MarkRetry(ctx context.Context, id int64, errMsg string, nextAt time.Time) error {
	query := `UPDATE jobs SET state = 'failed_retryable', last_error = ?, scheduled_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, errMsg, nextAt, id); err != nil {
		return fmt.Errorf("failed to mark job for retry: %w", err)
	}
	return nil
}

func (db *DB) MarkTerminal(ctx context.Context, id int64, errMsg string) error {
	query := `UPDATE jobs SET state = 'failed_terminal', last_error = ?, finished_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, errMsg, time.Now(), id); err != nil {
		return fmt.Errorf("failed to mark job terminal: %w", err)
	}
	return nil
}

// Reschedule сдвигает время готовности задания без смены состояния
func (db *DB) Reschedule(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE jobs SET scheduled_at = ? WHERE id = ? AND state IN ('queued', 'failed_retryable')`
	if _, err := db.ExecContext(ctx, query, at, id); err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// RequeueStaleRunning returns jobs abandoned mid-run (a crash between the
// lease claim and the settle) to the retry queue. Leaving the running state
// also frees the (ad, platform) lease for the next claimant.
func (db *DB) RequeueStaleRunning(ctx context.Context, cutoff, nextAt time.Time) (int64, error) {
	query := `UPDATE jobs SET state = 'failed_retryable', last_error = 'requeued: lease expired', scheduled_at = ?
              WHERE state = 'running' AND started_at IS NOT NULL AND started_at < ?`
	result, err := db.ExecContext(ctx, query, nextAt, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return result.RowsAffected()
}

// CancelQueuedForAd terminally cancels waiting jobs for a closed ad. Running
// jobs finish on their own and are reconciled by the sweep.
func (db *DB) CancelQueuedForAd(ctx context.Context, adID string) (int64, error) {
	query := `UPDATE jobs SET state = 'failed_terminal', last_error = 'canceled: ad closed', finished_at = ?
              WHERE ad_id = ? AND state IN ('queued', 'failed_retryable')`
	result, err := db.ExecContext(ctx, query, time.Now(), adID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel queued jobs: %w", err)
	}
	return result.RowsAffected()
}

// HasOpenJob reports whether a not-yet-finished job exists for the triple.
func (db *DB) HasOpenJob(ctx context.Context, adID, platform, action string) (bool, error) {
	query := `SELECT COUNT(*) FROM jobs
              WHERE ad_id = ? AND platform = ? AND action = ?
              AND state IN ('queued', 'failed_retryable', 'running')`
	var count int
	if err := db.QueryRowContext(ctx, query, adID, platform, action).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check open jobs: %w", err)
	}
	return count > 0, nil
}

// CountByState возвращает распределение заданий по состояниям
func (db *DB) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

// NextGeneration bumps the per (ad, platform, action) counter that feeds
// idempotency keys. The first call for a triple returns 1.
func (db *DB) NextGeneration(ctx context.Context, adID, platform, action string) (int, error) {
	upsert := `INSERT INTO generations (ad_id, platform, action, generation) VALUES (?, ?, ?, 1)
               ON CONFLICT(ad_id, platform, action) DO UPDATE SET generation = generation + 1`
	if _, err := db.ExecContext(ctx, upsert, adID, platform, action); err != nil {
		return 0, fmt.Errorf("failed to bump generation: %w", err)
	}

	var generation int
	query := `SELECT generation FROM generations WHERE ad_id = ? AND platform = ? AND action = ?`
	if err := db.QueryRowContext(ctx, query, adID, platform, action).Scan(&generation); err != nil {
		return 0, fmt.Errorf("failed to read generation: %w", err)
	}
	return generation, nil
}

func (db *DB) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM jobs WHERE state IN ('succeeded', 'failed_terminal') AND finished_at IS NOT NULL AND finished_at < ?`
	result, err := db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	return result.RowsAffected()
}

// IsNotFound reports whether an error is the store's row-missing sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
