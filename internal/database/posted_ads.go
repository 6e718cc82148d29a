package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crosspost/internal/models"

	"github.com/mattn/go-sqlite3"
)

const postedAdColumns = `id, ad_id, platform, external_id, post_url, status, views, clicks, leads, attempts, last_attempt_at, next_eligible_at, posted_at, updated_at`

// EnsurePending inserts the pending row for a first post attempt. The partial
// unique index on live rows turns a duplicate into created=false.
func (db *DB) EnsurePending(ctx context.Context, adID, platform string) (bool, error) {
	query := `INSERT INTO posted_ads (ad_id, platform, status, updated_at) VALUES (?, ?, 'pending', ?)`
	_, err := db.ExecContext(ctx, query, adID, platform, time.Now())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return false, nil
		}
		return false, fmt.Errorf("failed to ensure pending posting: %w", err)
	}
	return true, nil
}

func (db *DB) RecordPostSuccess(ctx context.Context, adID, platform, externalID, postURL string) error {
	now := time.Now()
	query := `UPDATE posted_ads SET status = 'active', external_id = ?, post_url = ?, posted_at = ?, updated_at = ?
              WHERE ad_id = ? AND platform = ? AND status IN ('pending', 'renewing')`
	if _, err := db.ExecContext(ctx, query, externalID, postURL, now, now, adID, platform); err != nil {
		return fmt.Errorf("failed to record post success: %w", err)
	}
	return nil
}

func (db *DB) MarkRenewed(ctx context.Context, adID, platform string) error {
	now := time.Now()
	query := `UPDATE posted_ads SET status = 'active', posted_at = ?, updated_at = ?
              WHERE ad_id = ? AND platform = ? AND status IN ('renewing', 'active')`
	if _, err := db.ExecContext(ctx, query, now, now, adID, platform); err != nil {
		return fmt.Errorf("failed to mark renewed: %w", err)
	}
	return nil
}

// SetStatusByKey moves the most recent posting for the pair to a new status.
func (db *DB) SetStatusByKey(ctx context.Context, adID, platform, status string) error {
	query := `UPDATE posted_ads SET status = ?, updated_at = ?
              WHERE id = (SELECT id FROM posted_ads WHERE ad_id = ? AND platform = ? ORDER BY id DESC LIMIT 1)`
	if _, err := db.ExecContext(ctx, query, status, time.Now(), adID, platform); err != nil {
		return fmt.Errorf("failed to set posting status: %w", err)
	}
	return nil
}

func (db *DB) RecordAttempt(ctx context.Context, adID, platform string, nextEligible *time.Time) error {
	now := time.Now()
	query := `UPDATE posted_ads SET attempts = attempts + 1, last_attempt_at = ?, next_eligible_at = ?, updated_at = ?
              WHERE id = (SELECT id FROM posted_ads WHERE ad_id = ? AND platform = ? ORDER BY id DESC LIMIT 1)`
	if _, err := db.ExecContext(ctx, query, now, nextEligible, now, adID, platform); err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// UpdateMetrics overwrites counters with the latest platform-reported values.
// Counters never go backwards; a smaller sample means the platform reset and
// is kept as reported.
func (db *DB) UpdateMetrics(ctx context.Context, adID, platform string, views, clicks, leads int64) error {
	query := `UPDATE posted_ads SET views = ?, clicks = ?, leads = ?, updated_at = ?
              WHERE ad_id = ? AND platform = ? AND status IN ('active', 'renewing')`
	if _, err := db.ExecContext(ctx, query, views, clicks, leads, time.Now(), adID, platform); err != nil {
		return fmt.Errorf("failed to update metrics: %w", err)
	}
	return nil
}

func (db *DB) GetByKey(ctx context.Context, adID, platform string) (*models.PostedAd, error) {
	query := `SELECT ` + postedAdColumns + ` FROM posted_ads WHERE ad_id = ? AND platform = ? ORDER BY id DESC LIMIT 1`
	var p models.PostedAd
	var postedAt *time.Time
	err := db.QueryRowContext(ctx, query, adID, platform).Scan(
		&p.ID, &p.AdID, &p.Platform, &p.ExternalID, &p.PostURL, &p.Status,
		&p.Views, &p.Clicks, &p.Leads, &p.Attempts,
		&p.LastAttemptAt, &p.NextEligibleAt, &postedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if postedAt != nil {
		p.PostedAt = *postedAt
	}
	return &p, nil
}

func (db *DB) GetByAd(ctx context.Context, adID string) ([]models.PostedAd, error) {
	query := `SELECT ` + postedAdColumns + ` FROM posted_ads WHERE ad_id = ? ORDER BY id`
	return db.queryPostedAds(ctx, query, adID)
}

func (db *DB) GetLiveByAd(ctx context.Context, adID string) ([]models.PostedAd, error) {
	query := `SELECT ` + postedAdColumns + ` FROM posted_ads
              WHERE ad_id = ? AND status IN ('pending', 'active', 'renewing') ORDER BY id`
	return db.queryPostedAds(ctx, query, adID)
}

// GetActive возвращает все активные размещения для опроса метрик и продления
func (db *DB) GetActive(ctx context.Context) ([]models.PostedAd, error) {
	query := `SELECT ` + postedAdColumns + ` FROM posted_ads WHERE status = 'active' ORDER BY id`
	return db.queryPostedAds(ctx, query)
}

func (db *DB) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM posted_ads GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count postings: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan posting count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (db *DB) queryPostedAds(ctx context.Context, query string, args ...interface{}) ([]models.PostedAd, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get postings: %w", err)
	}
	defer rows.Close()

	var postings []models.PostedAd
	for rows.Next() {
		var p models.PostedAd
		var postedAt *time.Time
		err := rows.Scan(
			&p.ID, &p.AdID, &p.Platform, &p.ExternalID, &p.PostURL, &p.Status,
			&p.Views, &p.Clicks, &p.Leads, &p.Attempts,
			&p.LastAttemptAt, &p.NextEligibleAt, &postedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan posting: %w", err)
		}
		if postedAt != nil {
			p.PostedAt = *postedAt
		}
		postings = append(postings, p)
	}
	return postings, rows.Err()
}
