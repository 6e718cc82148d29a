package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"crosspost/internal/models"
)

func (db *DB) SaveAccount(ctx context.Context, account *models.PlatformAccount) error {
	credentials, err := json.Marshal(account.Credentials)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	now := time.Now()
	if account.Status == "" {
		account.Status = models.AccountStatusActive
	}
	query := `INSERT INTO accounts (id, user_id, platform, account_name, status, credentials, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                  account_name = excluded.account_name,
                  status = excluded.status,
                  credentials = excluded.credentials`
	if _, err := db.ExecContext(ctx, query,
		account.ID,
		account.UserID,
		account.Platform,
		account.AccountName,
		account.Status,
		string(credentials),
		now,
	); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	return nil
}

func (db *DB) GetAccount(ctx context.Context, userID, platform string) (*models.PlatformAccount, error) {
	query := `SELECT id, user_id, platform, account_name, status, credentials, created_at, last_used_at
              FROM accounts WHERE user_id = ? AND platform = ?`

	var account models.PlatformAccount
	var credentials string
	err := db.QueryRowContext(ctx, query, userID, platform).Scan(
		&account.ID,
		&account.UserID,
		&account.Platform,
		&account.AccountName,
		&account.Status,
		&credentials,
		&account.CreatedAt,
		&account.LastUsedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(credentials), &account.Credentials); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return &account, nil
}

func (db *DB) SetAccountStatus(ctx context.Context, id, status string) error {
	query := `UPDATE accounts SET status = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, status, id); err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	return nil
}

func (db *DB) TouchAccount(ctx context.Context, id string, usedAt time.Time) error {
	query := `UPDATE accounts SET last_used_at = ? WHERE id = ?`
	if _, err := db.ExecContext(ctx, query, usedAt, id); err != nil {
		return fmt.Errorf("failed to touch account: %w", err)
	}
	return nil
}
