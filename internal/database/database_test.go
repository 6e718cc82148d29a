package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	logger := zerolog.New(os.Stdout)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	return db
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	tempDir := t.TempDir()

	dbPath := filepath.Join(tempDir, "nested", "dir", "syndicator.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
}

func TestCreateTablesIdempotent(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	// Повторный вызов не должен падать
	require.NoError(t, createTables(db.DB))
}
