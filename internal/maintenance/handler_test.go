package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machine-auth/internal/auth"
	"machine-auth/internal/store/memory"
)

func seed(t *testing.T, store *memory.Store, now time.Time) {
	t.Helper()
	ctx := context.Background()
	records := []auth.RefreshTokenRecord{
		{ID: "1", ClientID: 1, JTI: "stale", ExpiresAt: now.Add(-30 * 24 * time.Hour)},
		{ID: "2", ClientID: 1, JTI: "live", ExpiresAt: now.Add(time.Hour)},
	}
	for _, r := range records {
		require.NoError(t, store.CreateRefreshToken(ctx, r))
	}
	require.NoError(t, store.Revoke(ctx, auth.RevocationEntry{JTI: "gone", ExpiresAt: now.Add(-time.Minute)}))
	require.NoError(t, store.Revoke(ctx, auth.RevocationEntry{JTI: "kept", ExpiresAt: now.Add(time.Minute)}))
}

func TestCleanup(t *testing.T) {
	store := memory.New()
	now := time.Now().UTC()
	seed(t, store, now)

	h := NewCleanupHandler(store, store, nil, "cron", 14*24*time.Hour, 100).WithClock(func() time.Time { return now })
	result, err := h.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{DeletedRefreshTokens: 1, DeletedRevocations: 1}, result)

	_, err = store.FindByJTI(context.Background(), "live")
	assert.NoError(t, err)
	revoked, err := store.IsRevoked(context.Background(), "kept")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func cronRequest(bearer string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/internal/maintenance/cleanup", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

func TestHandle(t *testing.T) {
	store := memory.New()
	seed(t, store, time.Now().UTC())

	t.Run("disabled without secret", func(t *testing.T) {
		h := NewCleanupHandler(store, store, nil, "", time.Hour, 100)
		rec := httptest.NewRecorder()
		h.Handle(rec, cronRequest("anything"))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	h := NewCleanupHandler(store, store, nil, "cron-secret", 14*24*time.Hour, 100)

	t.Run("wrong secret", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Handle(rec, cronRequest("guess"))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Handle(rec, cronRequest(""))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("authorized", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Handle(rec, cronRequest("cron-secret"))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Data Result `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, int64(1), body.Data.DeletedRefreshTokens)
		assert.Equal(t, int64(1), body.Data.DeletedRevocations)
	})
}

type failingRevocations struct {
	auth.RevocationStore
}

func (failingRevocations) PurgeRevocations(context.Context, time.Time, int) (int64, error) {
	return 0, errors.New("database unavailable")
}

func TestHandleAuthorized_Failure(t *testing.T) {
	store := memory.New()
	h := NewCleanupHandler(store, failingRevocations{}, nil, "", time.Hour, 100)

	rec := httptest.NewRecorder()
	h.HandleAuthorized(rec, cronRequest(""))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"server_error"`)
}

func TestCleanup_PurgesStaleLoginAttempts(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.RegisterFailedAttempt(ctx, "old", 5, time.Minute, now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = store.RegisterFailedAttempt(ctx, "recent", 5, time.Minute, now)
	require.NoError(t, err)

	h := NewCleanupHandler(store, store, nil, "", time.Hour, 100).
		WithLoginAttempts(store, 24*time.Hour).
		WithClock(func() time.Time { return now })

	result, err := h.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.DeletedLoginAttempts)

	attempt, err := store.GetLoginAttempt(ctx, "recent")
	require.NoError(t, err)
	assert.Equal(t, 1, attempt.FailedAttempts)
}
