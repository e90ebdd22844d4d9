// Package storetest holds behaviour every auth store backend must share.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machine-auth/internal/auth"
)

type Store interface {
	auth.ClientStore
	auth.ClientProvisioner
	auth.RefreshTokenStore
	auth.RevocationStore
	auth.LoginAttemptStore
}

// Run exercises a fresh store returned by open for every subtest.
func Run(t *testing.T, open func(t *testing.T) Store) {
	t.Run("clients", func(t *testing.T) { testClients(t, open(t)) })
	t.Run("ensure client keeps operator policy", func(t *testing.T) { testEnsureClient(t, open(t)) })
	t.Run("refresh tokens", func(t *testing.T) { testRefreshTokens(t, open(t)) })
	t.Run("single use under contention", func(t *testing.T) { testConcurrentConsume(t, open(t)) })
	t.Run("purge refresh tokens", func(t *testing.T) { testPurgeRefreshTokens(t, open(t)) })
	t.Run("revocations", func(t *testing.T) { testRevocations(t, open(t)) })
	t.Run("login attempts", func(t *testing.T) { testLoginAttempts(t, open(t)) })
}

func testClients(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.FindByClientID(ctx, "c1")
	require.ErrorIs(t, err, auth.ErrClientNotFound)
	_, err = s.FindByID(ctx, 99)
	require.ErrorIs(t, err, auth.ErrClientNotFound)

	ttl := int64(600)
	created, err := s.UpsertClient(ctx, auth.ApiClient{
		ClientID:          "c1",
		SecretHash:        "hash-1",
		AllowedScopes:     []string{"read", "write"},
		RefreshTTLSeconds: &ttl,
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, auth.ClientActive, created.Status)

	byClientID, err := s.FindByClientID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byClientID.ID)
	assert.Equal(t, []string{"read", "write"}, byClientID.AllowedScopes)
	require.NotNil(t, byClientID.RefreshTTLSeconds)
	assert.Equal(t, int64(600), *byClientID.RefreshTTLSeconds)

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.TouchLastUsed(ctx, created.ID, at))
	require.NoError(t, s.TouchLastUsed(ctx, created.ID, at.Add(-time.Hour)))

	byID, err := s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, byID.LastUsedAt)
	assert.True(t, at.Equal(*byID.LastUsedAt), "last used never moves backwards")

	updated, err := s.UpsertClient(ctx, auth.ApiClient{
		ClientID:      "c1",
		SecretHash:    "hash-2",
		AllowedScopes: []string{"read"},
		Status:        auth.ClientDisabled,
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)

	reloaded, err := s.FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "hash-2", reloaded.SecretHash)
	assert.Equal(t, []string{"read"}, reloaded.AllowedScopes)
	assert.False(t, reloaded.Active())

	other, err := s.UpsertClient(ctx, auth.ApiClient{ClientID: "c2", SecretHash: "h"})
	require.NoError(t, err)
	assert.NotEqual(t, created.ID, other.ID)
}

func newRecord(clientID int64, jti string, expiresAt time.Time) auth.RefreshTokenRecord {
	return auth.RefreshTokenRecord{
		ID:              "rec-" + jti,
		ClientID:        clientID,
		JTI:             jti,
		TokenHash:       auth.HashRefreshToken("raw-" + jti),
		LinkedAccessJTI: "access-" + jti,
		Scopes:          []string{"read"},
		ExpiresAt:       expiresAt.UTC().Truncate(time.Second),
		CreatedAt:       time.Now().UTC().Truncate(time.Second),
	}
}

func testRefreshTokens(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	record := newRecord(1, "r1", now.Add(time.Hour))
	require.NoError(t, s.CreateRefreshToken(ctx, record))
	require.Error(t, s.CreateRefreshToken(ctx, record), "jti is unique")

	active, err := s.FindActiveByJTI(ctx, "r1", now)
	require.NoError(t, err)
	assert.Equal(t, record.TokenHash, active.TokenHash)
	assert.Equal(t, "access-r1", active.LinkedAccessJTI)
	assert.Equal(t, []string{"read"}, active.Scopes)

	_, err = s.FindActiveByJTI(ctx, "r1", now.Add(2*time.Hour))
	require.ErrorIs(t, err, auth.ErrRefreshTokenNotFound, "expired records are not active")

	_, err = s.FindActiveByJTI(ctx, "missing", now)
	require.ErrorIs(t, err, auth.ErrRefreshTokenNotFound)

	require.NoError(t, s.MarkConsumed(ctx, "r1", now))
	require.ErrorIs(t, s.MarkConsumed(ctx, "r1", now), auth.ErrRefreshTokenConsumed)
	require.ErrorIs(t, s.MarkConsumed(ctx, "missing", now), auth.ErrRefreshTokenConsumed)

	_, err = s.FindActiveByJTI(ctx, "r1", now)
	require.ErrorIs(t, err, auth.ErrRefreshTokenNotFound)

	consumed, err := s.FindByJTI(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, consumed.ConsumedAt)

	expired := newRecord(1, "r2", now.Add(-time.Minute))
	require.NoError(t, s.CreateRefreshToken(ctx, expired))
	require.ErrorIs(t, s.MarkConsumed(ctx, "r2", now), auth.ErrRefreshTokenConsumed)
}

func testConcurrentConsume(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateRefreshToken(ctx, newRecord(1, "race", now.Add(time.Hour))))

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.MarkConsumed(ctx, "race", now) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func testPurgeRefreshTokens(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	cutoff := now.Add(-24 * time.Hour)

	require.NoError(t, s.CreateRefreshToken(ctx, newRecord(1, "long-expired", now.Add(-48*time.Hour))))
	require.NoError(t, s.CreateRefreshToken(ctx, newRecord(1, "recently-expired", now.Add(-time.Hour))))
	require.NoError(t, s.CreateRefreshToken(ctx, newRecord(1, "live", now.Add(time.Hour))))
	require.NoError(t, s.CreateRefreshToken(ctx, newRecord(1, "consumed-long-ago", now.Add(time.Hour))))
	require.NoError(t, s.MarkConsumed(ctx, "consumed-long-ago", now.Add(-48*time.Hour)))

	deleted, err := s.PurgeRefreshTokens(ctx, cutoff, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	for _, jti := range []string{"recently-expired", "live"} {
		_, err := s.FindByJTI(ctx, jti)
		assert.NoError(t, err, jti)
	}
	for _, jti := range []string{"long-expired", "consumed-long-ago"} {
		_, err := s.FindByJTI(ctx, jti)
		assert.ErrorIs(t, err, auth.ErrRefreshTokenNotFound, jti)
	}
}

func testRevocations(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	revoked, err := s.IsRevoked(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, revoked)

	entry := auth.RevocationEntry{JTI: "a1", ExpiresAt: now.Add(time.Hour), RevokedAt: now, Reason: auth.ReasonLogout}
	require.NoError(t, s.Revoke(ctx, entry))
	require.NoError(t, s.Revoke(ctx, entry), "revoking twice is idempotent")

	revoked, err = s.IsRevoked(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, revoked)

	require.NoError(t, s.Revoke(ctx, auth.RevocationEntry{JTI: "old", ExpiresAt: now.Add(-time.Hour), RevokedAt: now, Reason: auth.ReasonRefreshReuse}))

	deleted, err := s.PurgeRevocations(ctx, now, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	revoked, err = s.IsRevoked(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, revoked)
	revoked, err = s.IsRevoked(ctx, "old")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func testEnsureClient(t *testing.T, s Store) {
	ctx := context.Background()

	created, err := s.EnsureClient(ctx, auth.ApiClient{
		ClientID:      "boot",
		SecretHash:    "hash-1",
		AllowedScopes: []string{"read"},
		Status:        auth.ClientActive,
	})
	require.NoError(t, err)
	assert.True(t, created.Active())

	ttl := int64(60)
	_, err = s.UpsertClient(ctx, auth.ApiClient{
		ClientID:          "boot",
		SecretHash:        "hash-1",
		AllowedScopes:     []string{"read"},
		Status:            auth.ClientDisabled,
		RefreshTTLSeconds: &ttl,
	})
	require.NoError(t, err)

	ensured, err := s.EnsureClient(ctx, auth.ApiClient{
		ClientID:      "boot",
		SecretHash:    "hash-2",
		AllowedScopes: []string{"read", "write"},
		Status:        auth.ClientActive,
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, ensured.ID)

	reloaded, err := s.FindByClientID(ctx, "boot")
	require.NoError(t, err)
	assert.Equal(t, auth.ClientDisabled, reloaded.Status, "a disabled client stays disabled")
	require.NotNil(t, reloaded.RefreshTTLSeconds)
	assert.Equal(t, int64(60), *reloaded.RefreshTTLSeconds)
	assert.Equal(t, "hash-2", reloaded.SecretHash)
	assert.Equal(t, []string{"read", "write"}, reloaded.AllowedScopes)
}

func testLoginAttempts(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	lock := 15 * time.Minute

	attempt, err := s.GetLoginAttempt(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, attempt.FailedAttempts)
	assert.False(t, attempt.LockedAt(now))

	for i := 0; i < 2; i++ {
		until, err := s.RegisterFailedAttempt(ctx, "c1", 3, lock, now)
		require.NoError(t, err)
		assert.Nil(t, until)
	}
	attempt, err = s.GetLoginAttempt(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, attempt.FailedAttempts)

	until, err := s.RegisterFailedAttempt(ctx, "c1", 3, lock, now)
	require.NoError(t, err)
	require.NotNil(t, until)
	assert.True(t, now.Add(lock).Equal(*until))

	again, err := s.RegisterFailedAttempt(ctx, "c1", 3, lock, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.True(t, until.Equal(*again), "failures while locked do not extend the lock")

	attempt, err = s.GetLoginAttempt(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, attempt.LockedAt(now.Add(time.Minute)))
	assert.False(t, attempt.LockedAt(now.Add(lock)))

	_, err = s.RegisterFailedAttempt(ctx, "other", 3, lock, now)
	require.NoError(t, err)
	require.NoError(t, s.ResetLoginAttempts(ctx, "other"))
	attempt, err = s.GetLoginAttempt(ctx, "other")
	require.NoError(t, err)
	assert.Zero(t, attempt.FailedAttempts)

	_, err = s.RegisterFailedAttempt(ctx, "old", 3, lock, now.Add(-48*time.Hour))
	require.NoError(t, err)

	deleted, err := s.PurgeLoginAttempts(ctx, now.Add(-24*time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	attempt, err = s.GetLoginAttempt(ctx, "c1")
	require.NoError(t, err)
	assert.NotNil(t, attempt.LockedUntil, "locked ids survive cleanup")
}
