package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medication-dispenser/config"
	"medication-dispenser/internal/model"
)

func TestSqliteFile(t *testing.T) {
	testCases := []struct {
		dsn      string
		expected string
	}{
		{"", ""},
		{":memory:", ""},
		{"file:test?mode=memory&cache=shared", ""},
		{"data/dispenser.db", "data/dispenser.db"},
		{"file:data/dispenser.db?_busy_timeout=5000", "data/dispenser.db"},
	}

	for _, tc := range testCases {
		t.Run(tc.dsn, func(t *testing.T) {
			assert.Equal(t, tc.expected, sqliteFile(tc.dsn))
		})
	}
}

func TestDialector_RejectsUnknownDriver(t *testing.T) {
	_, err := Dialector(&config.DatabaseConfig{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")

	_, err = Dialector(&config.DatabaseConfig{Driver: "postgres"})
	assert.ErrorContains(t, err, "dsn is required")
}

func TestInit_SqliteCreatesTables(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "nested", "dispenser.db")

	gormDB, err := Init(&config.DatabaseConfig{Driver: "sqlite", DSN: dsn, MaxOpenConns: 1})
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()

	assert.FileExists(t, dsn)
	assert.True(t, gormDB.Migrator().HasTable(&model.OfflineReport{}))
	assert.True(t, gormDB.Migrator().HasTable(&model.PushSubscription{}))
}
