package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// busy_timeout keeps concurrent workers from failing on SQLITE_BUSY
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("database initialized")
	return &DB{DB: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		// Объявления
		`CREATE TABLE IF NOT EXISTS ads (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            content TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'draft',
            auto_renew BOOLEAN NOT NULL DEFAULT 0,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		// Аккаунты площадок
		`CREATE TABLE IF NOT EXISTS accounts (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            platform TEXT NOT NULL,
            account_name TEXT,
            status TEXT NOT NULL DEFAULT 'active',
            credentials TEXT NOT NULL,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            last_used_at DATETIME,
            UNIQUE(user_id, platform)
        )`,

		// Размещения: одна строка на каждую отправку (ad, platform)
		`CREATE TABLE IF NOT EXISTS posted_ads (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            ad_id TEXT NOT NULL,
            platform TEXT NOT NULL,
            external_id TEXT NOT NULL DEFAULT '',
            post_url TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT 'pending',
            views INTEGER NOT NULL DEFAULT 0,
            clicks INTEGER NOT NULL DEFAULT 0,
            leads INTEGER NOT NULL DEFAULT 0,
            attempts INTEGER NOT NULL DEFAULT 0,
            last_attempt_at DATETIME,
            next_eligible_at DATETIME,
            posted_at DATETIME,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,

		// Задания синдикации
		`CREATE TABLE IF NOT EXISTS jobs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT UNIQUE NOT NULL,
            ad_id TEXT NOT NULL,
            platform TEXT NOT NULL,
            account_id TEXT NOT NULL DEFAULT '',
            action TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            generation INTEGER NOT NULL DEFAULT 1,
            priority INTEGER NOT NULL DEFAULT 10,
            state TEXT NOT NULL DEFAULT 'queued',
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT,
            scheduled_at DATETIME NOT NULL,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            started_at DATETIME,
            finished_at DATETIME
        )`,

		// Счетчик поколений для ключей идемпотентности
		`CREATE TABLE IF NOT EXISTS generations (
            ad_id TEXT NOT NULL,
            platform TEXT NOT NULL,
            action TEXT NOT NULL,
            generation INTEGER NOT NULL DEFAULT 1,
            PRIMARY KEY (ad_id, platform, action)
        )`,

		// Не более одного живого размещения на пару (ad, platform)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_posted_ads_live
            ON posted_ads(ad_id, platform)
            WHERE status IN ('pending', 'active', 'renewing')`,

		// Не более одного выполняющегося задания на пару (ad, platform)
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_running
            ON jobs(ad_id, platform)
            WHERE state = 'running'`,

		`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(state, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_ad_id ON jobs(ad_id)`,
		`CREATE INDEX IF NOT EXISTS idx_posted_ads_ad_id ON posted_ads(ad_id)`,
		`CREATE INDEX IF NOT EXISTS idx_posted_ads_status ON posted_ads(status)`,
		`CREATE INDEX IF NOT EXISTS idx_ads_status ON ads(status)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id, platform)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func (db *DB) Close() error {
	return db.DB.Close()
}
