package postgres

import (
	"context"
	"fmt"
	"time"

	"machine-auth/internal/auth"
)

func (s *Store) Revoke(ctx context.Context, entry auth.RevocationEntry) error {
	revokedAt := entry.RevokedAt
	if revokedAt.IsZero() {
		revokedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_revoked_tokens (jti, expires_at, revoked_at, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (jti) DO NOTHING
	`, entry.JTI, entry.ExpiresAt.UTC(), revokedAt.UTC(), string(entry.Reason))
	if err != nil {
		return fmt.Errorf("insert revoked token: %w", err)
	}
	return nil
}

func (s *Store) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM auth_revoked_tokens WHERE jti = $1)
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("query revoked token: %w", err)
	}
	return revoked, nil
}

func (s *Store) PurgeRevocations(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultPurgeBatchSize
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT jti
			FROM auth_revoked_tokens
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM auth_revoked_tokens t
		USING stale
		WHERE t.jti = stale.jti
	`, now.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete expired revocations: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired revocations rows affected: %w", err)
	}

	return affected, nil
}
