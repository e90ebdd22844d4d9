package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"machine-auth/internal/auth"
)

const refreshColumns = `id, client_id, jti, token_hash, linked_access_jti, scopes, expires_at, consumed_at, created_at`

func scanRefreshToken(row rowScanner) (*auth.RefreshTokenRecord, error) {
	var (
		record     auth.RefreshTokenRecord
		scopesJSON []byte
		consumedAt sql.NullTime
	)
	err := row.Scan(
		&record.ID,
		&record.ClientID,
		&record.JTI,
		&record.TokenHash,
		&record.LinkedAccessJTI,
		&scopesJSON,
		&record.ExpiresAt,
		&consumedAt,
		&record.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	scopes, err := decodeScopes(scopesJSON)
	if err != nil {
		return nil, err
	}
	record.Scopes = scopes
	record.ExpiresAt = record.ExpiresAt.UTC()
	if consumedAt.Valid {
		value := consumedAt.Time.UTC()
		record.ConsumedAt = &value
	}

	return &record, nil
}

func (s *Store) CreateRefreshToken(ctx context.Context, record auth.RefreshTokenRecord) error {
	scopesJSON, err := encodeScopes(record.Scopes)
	if err != nil {
		return err
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, client_id, jti, token_hash, linked_access_jti, scopes, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, record.ID, record.ClientID, record.JTI, record.TokenHash, record.LinkedAccessJTI, scopesJSON,
		record.ExpiresAt.UTC(), createdAt.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

func (s *Store) FindActiveByJTI(ctx context.Context, jti string, now time.Time) (*auth.RefreshTokenRecord, error) {
	record, err := scanRefreshToken(s.db.QueryRowContext(ctx, `
		SELECT `+refreshColumns+`
		FROM auth_refresh_tokens
		WHERE jti = $1 AND consumed_at IS NULL AND expires_at > $2
	`, jti, now.UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("query active refresh token: %w", err)
	}
	return record, nil
}

func (s *Store) FindByJTI(ctx context.Context, jti string) (*auth.RefreshTokenRecord, error) {
	record, err := scanRefreshToken(s.db.QueryRowContext(ctx, `
		SELECT `+refreshColumns+`
		FROM auth_refresh_tokens
		WHERE jti = $1
	`, jti))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("query refresh token: %w", err)
	}
	return record, nil
}

// MarkConsumed relies on the row lock taken by UPDATE: a concurrent second
// update re-checks consumed_at after the first commits and matches nothing.
func (s *Store) MarkConsumed(ctx context.Context, jti string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET consumed_at = $2
		WHERE jti = $1 AND consumed_at IS NULL AND expires_at > $2
	`, jti, now.UTC())
	if err != nil {
		return fmt.Errorf("consume refresh token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume refresh token rows affected: %w", err)
	}
	if affected == 0 {
		return auth.ErrRefreshTokenConsumed
	}

	return nil
}

func (s *Store) PurgeRefreshTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = defaultPurgeBatchSize
	}

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < $1 OR (consumed_at IS NOT NULL AND consumed_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff.UTC(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}
