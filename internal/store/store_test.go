package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kilnci/kiln/internal/db"
)

// testDB opens a fresh SQLite database in a per-test temp dir, running the
// embedded migrations.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

// createTestUser inserts a user to hang keys and jobs off.
func createTestUser(t *testing.T, users UserStore, email string) *db.User {
	t.Helper()

	user := &db.User{Name: "Test User", Email: email, IsActive: true}
	require.NoError(t, users.Create(context.Background(), user))
	return user
}
