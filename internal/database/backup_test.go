package database

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerformBackupProducesReadableCopy(t *testing.T) {
	logger := zerolog.New(os.Stdout)
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "syndicator.db")

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.CreateAd(ctx, &models.Ad{
		ID:      "ad-1",
		UserID:  "user-1",
		Content: models.AdContent{Title: "Ski boots"},
		Status:  models.AdStatusDraft,
	}))

	storage := filepath.Join(dir, "backups")
	svc := NewBackupService(dbPath, config.BackupConfig{StoragePath: storage}, &logger)
	require.NoError(t, svc.PerformBackup())

	entries, err := os.ReadDir(storage)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), backupPrefix))

	// Снимок открывается как обычная база и содержит данные
	copyDB, err := NewDB(filepath.Join(storage, entries[0].Name()), &logger)
	require.NoError(t, err)
	defer copyDB.Close()

	ad, err := copyDB.GetAd(ctx, "ad-1")
	require.NoError(t, err)
	assert.Equal(t, "Ski boots", ad.Content.Title)
}

func TestCleanupOldBackupsKeepsForeignFiles(t *testing.T) {
	logger := zerolog.New(os.Stdout)
	storage := t.TempDir()

	old := filepath.Join(storage, backupPrefix+"20200101_000000.db")
	require.NoError(t, os.WriteFile(old, []byte("x"), 0o644))
	stale := time.Now().AddDate(0, 0, -30)
	require.NoError(t, os.Chtimes(old, stale, stale))

	foreign := filepath.Join(storage, "notes.txt")
	require.NoError(t, os.WriteFile(foreign, []byte("keep me"), 0o644))
	require.NoError(t, os.Chtimes(foreign, stale, stale))

	svc := NewBackupService("unused.db", config.BackupConfig{StoragePath: storage, RetentionDays: 7}, &logger)
	svc.CleanupOldBackups()

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(foreign)
	assert.NoError(t, err)
}
