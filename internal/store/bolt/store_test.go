package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machine-auth/internal/auth"
	"machine-auth/internal/store/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Store {
		return openTestStore(t)
	})
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "auth.db")
	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.FileExists(t, path)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.db")
	ctx := context.Background()
	now := time.Now().UTC()

	store, err := Open(path)
	require.NoError(t, err)
	client, err := store.UpsertClient(ctx, auth.ApiClient{ClientID: "c1", SecretHash: "h", AllowedScopes: []string{"read"}})
	require.NoError(t, err)
	require.NoError(t, store.CreateRefreshToken(ctx, auth.RefreshTokenRecord{
		ID: "rec", ClientID: client.ID, JTI: "r1", TokenHash: "x", ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}))
	require.NoError(t, store.MarkConsumed(ctx, "r1", now))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	found, err := reopened.FindByID(ctx, client.ID)
	require.NoError(t, err)
	assert.Equal(t, "c1", found.ClientID)

	require.ErrorIs(t, reopened.MarkConsumed(ctx, "r1", now), auth.ErrRefreshTokenConsumed, "consumption survives restart")

	next, err := reopened.UpsertClient(ctx, auth.ApiClient{ClientID: "c2", SecretHash: "h"})
	require.NoError(t, err)
	assert.Greater(t, next.ID, client.ID)
}
