package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"machine-auth/internal/auth"
)

func (s *Store) GetLoginAttempt(ctx context.Context, clientID string) (auth.LoginAttempt, error) {
	attempt := auth.LoginAttempt{ClientID: clientID}

	var lockedUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until, updated_at
		FROM auth_login_attempts
		WHERE client_id = $1
	`, clientID).Scan(&attempt.FailedAttempts, &lockedUntil, &attempt.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return auth.LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

func (s *Store) RegisterFailedAttempt(ctx context.Context, clientID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin login attempt tx: %w", err)
	}
	defer tx.Rollback()

	attempt := auth.LoginAttempt{ClientID: clientID}
	var lockedUntil sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE client_id = $1
		FOR UPDATE
	`, clientID).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock login attempt row: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	if attempt.LockedAt(now) {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit existing lock tx: %w", err)
		}
		return attempt.LockedUntil, nil
	}

	next, nextLock := attempt.RecordFailure(maxAttempts, lockDuration, now)
	var nextLockValue any
	if nextLock != nil {
		nextLockValue = *nextLock
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO auth_login_attempts (client_id, failed_attempts, locked_until, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id)
		DO UPDATE SET
			failed_attempts = EXCLUDED.failed_attempts,
			locked_until = EXCLUDED.locked_until,
			updated_at = EXCLUDED.updated_at
	`, clientID, next.FailedAttempts, nextLockValue, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("upsert failed login attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit login attempt tx: %w", err)
	}

	return nextLock, nil
}

func (s *Store) ResetLoginAttempts(ctx context.Context, clientID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE client_id = $1
	`, clientID)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}
	return nil
}

func (s *Store) PurgeLoginAttempts(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultPurgeBatchSize
	}

	result, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT client_id
			FROM auth_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < $1)
			LIMIT $2
		)
		DELETE FROM auth_login_attempts a
		USING stale
		WHERE a.client_id = stale.client_id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("purge login attempts: %w", err)
	}
	return result.RowsAffected()
}
