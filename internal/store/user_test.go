package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnci/kiln/internal/db"
)

func TestUserStoreCreateAndGet(t *testing.T) {
	users := NewUserStore(testDB(t))
	ctx := context.Background()

	user := &db.User{Name: "Alice", Email: "alice@example.com", IsActive: true}
	require.NoError(t, users.Create(ctx, user))
	assert.NotEqual(t, uuid.UUID{}, user.ID, "BeforeCreate should assign an ID")

	byID, err := users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", byID.Name)
	assert.True(t, byID.IsActive)

	byEmail, err := users.GetByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byEmail.ID)
}

func TestUserStoreDuplicateEmail(t *testing.T) {
	users := NewUserStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, users.Create(ctx, &db.User{Name: "Alice", Email: "alice@example.com", IsActive: true}))

	err := users.Create(ctx, &db.User{Name: "Impostor", Email: "alice@example.com", IsActive: true})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestUserStoreGetNotFound(t *testing.T) {
	users := NewUserStore(testDB(t))
	ctx := context.Background()

	_, err := users.GetByID(ctx, uuid.Must(uuid.NewV7()))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = users.GetByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserStoreSetActive(t *testing.T) {
	users := NewUserStore(testDB(t))
	ctx := context.Background()

	user := &db.User{Name: "Alice", Email: "alice@example.com", IsActive: true}
	require.NoError(t, users.Create(ctx, user))

	require.NoError(t, users.SetActive(ctx, user.ID, false))
	got, err := users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	require.NoError(t, users.SetActive(ctx, user.ID, true))
	got, err = users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestUserStoreSetActiveMissingRowIsNoOp(t *testing.T) {
	users := NewUserStore(testDB(t))

	assert.NoError(t, users.SetActive(context.Background(), uuid.Must(uuid.NewV7()), false))
}

func TestUserStoreList(t *testing.T) {
	users := NewUserStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, users.Create(ctx, &db.User{Name: "Alice", Email: "alice@example.com", IsActive: true}))
	require.NoError(t, users.Create(ctx, &db.User{Name: "Bob", Email: "bob@example.com", IsActive: true}))

	all, err := users.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alice@example.com", all[0].Email)
	assert.Equal(t, "bob@example.com", all[1].Email)
}
