package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crosspost/internal/models"
)

func (db *DB) CreateAd(ctx context.Context, ad *models.Ad) error {
	content, err := json.Marshal(ad.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal ad content: %w", err)
	}

	now := time.Now()
	if ad.Status == "" {
		ad.Status = models.AdStatusDraft
	}
	query := `INSERT INTO ads (id, user_id, content, status, auto_renew, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := db.ExecContext(ctx, query, ad.ID, ad.UserID, string(content), ad.Status, ad.AutoRenew, now, now); err != nil {
		return fmt.Errorf("failed to create ad: %w", err)
	}
	ad.CreatedAt = now
	ad.UpdatedAt = now
	return nil
}

func (db *DB) GetAd(ctx context.Context, id string) (*models.Ad, error) {
	query := `SELECT id, user_id, content, status, auto_renew, created_at, updated_at FROM ads WHERE id = ?`

	var ad models.Ad
	var content string
	err := db.QueryRowContext(ctx, query, id).Scan(
		&ad.ID, &ad.UserID, &content, &ad.Status, &ad.AutoRenew, &ad.CreatedAt, &ad.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(content), &ad.Content); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ad content: %w", err)
	}
	return &ad, nil
}

func (db *DB) SetAdStatus(ctx context.Context, id, status string) error {
	query := `UPDATE ads SET status = ?, updated_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, status, time.Now(), id); err != nil {
		return fmt.Errorf("failed to set ad status: %w", err)
	}
	return nil
}

// GetClosedAdsWithLivePostings feeds the reconciliation sweep: sold or
// deleted ads that still occupy a live posting somewhere.
func (db *DB) GetClosedAdsWithLivePostings(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT a.id FROM ads a
              JOIN posted_ads p ON p.ad_id = a.id
              WHERE a.status IN ('sold', 'deleted')
              AND p.status IN ('pending', 'active', 'renewing')`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get closed ads with live postings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ad id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
