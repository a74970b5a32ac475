package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kilnci/kiln/internal/db"
	"github.com/kilnci/kiln/internal/store"
)

type authFixture struct {
	authenticator *Authenticator
	users         store.UserStore
	keys          store.APIKeyStore
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	users := store.NewUserStore(database)
	keys := store.NewAPIKeyStore(database)
	return &authFixture{
		authenticator: NewAuthenticator(users, keys, zap.NewNop()),
		users:         users,
		keys:          keys,
	}
}

// issueKey creates an active user with one API key and returns the key's
// plaintext alongside the records.
func (f *authFixture) issueKey(t *testing.T, email string) (string, *db.User, *db.APIKey) {
	t.Helper()
	ctx := context.Background()

	user := &db.User{Name: "Test User", Email: email, IsActive: true}
	require.NoError(t, f.users.Create(ctx, user))

	plaintext, err := GenerateKey()
	require.NoError(t, err)

	key := &db.APIKey{UserID: user.ID, KeyHash: HashKey(plaintext), IsActive: true}
	require.NoError(t, f.keys.Create(ctx, key))

	return plaintext, user, key
}

func TestAuthenticateSuccess(t *testing.T) {
	f := newAuthFixture(t)
	plaintext, user, key := f.issueKey(t, "alice@example.com")

	got, err := f.authenticator.Authenticate(context.Background(), plaintext)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	// Success stamps the key's last use.
	stored, err := f.keys.GetByHash(context.Background(), key.KeyHash)
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsedAt)
	assert.WithinDuration(t, time.Now().UTC(), *stored.LastUsedAt, 5*time.Second)
}

func TestAuthenticateMissingToken(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.authenticator.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestAuthenticateUnknownKey(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.authenticator.Authenticate(context.Background(), "ci_definitely-not-issued")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticateRevokedKey(t *testing.T) {
	f := newAuthFixture(t)
	plaintext, _, key := f.issueKey(t, "alice@example.com")

	require.NoError(t, f.keys.Revoke(context.Background(), key.ID))

	_, err := f.authenticator.Authenticate(context.Background(), plaintext)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestAuthenticateInactiveUser(t *testing.T) {
	f := newAuthFixture(t)
	plaintext, user, _ := f.issueKey(t, "alice@example.com")

	require.NoError(t, f.users.SetActive(context.Background(), user.ID, false))

	_, err := f.authenticator.Authenticate(context.Background(), plaintext)
	assert.ErrorIs(t, err, ErrUserInactive)
}
