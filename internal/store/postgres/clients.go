package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"machine-auth/internal/auth"
)

const clientColumns = `id, client_id, secret_hash, allowed_scopes, status, refresh_ttl_seconds, last_used_at, created_at, updated_at`

func scanClient(row rowScanner) (*auth.ApiClient, error) {
	var (
		client     auth.ApiClient
		scopesJSON []byte
		status     string
		refreshTTL sql.NullInt64
		lastUsedAt sql.NullTime
	)
	err := row.Scan(
		&client.ID,
		&client.ClientID,
		&client.SecretHash,
		&scopesJSON,
		&status,
		&refreshTTL,
		&lastUsedAt,
		&client.CreatedAt,
		&client.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	scopes, err := decodeScopes(scopesJSON)
	if err != nil {
		return nil, err
	}
	client.AllowedScopes = scopes
	client.Status = auth.ClientStatus(status)
	if refreshTTL.Valid {
		value := refreshTTL.Int64
		client.RefreshTTLSeconds = &value
	}
	if lastUsedAt.Valid {
		value := lastUsedAt.Time.UTC()
		client.LastUsedAt = &value
	}

	return &client, nil
}

func (s *Store) FindByClientID(ctx context.Context, clientID string) (*auth.ApiClient, error) {
	client, err := scanClient(s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+`
		FROM api_clients
		WHERE client_id = $1
	`, clientID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrClientNotFound
		}
		return nil, fmt.Errorf("query client by client_id: %w", err)
	}
	return client, nil
}

func (s *Store) FindByID(ctx context.Context, id int64) (*auth.ApiClient, error) {
	client, err := scanClient(s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+`
		FROM api_clients
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, auth.ErrClientNotFound
		}
		return nil, fmt.Errorf("query client by id: %w", err)
	}
	return client, nil
}

func (s *Store) TouchLastUsed(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_clients
		SET last_used_at = GREATEST(COALESCE(last_used_at, $2), $2)
		WHERE id = $1
	`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("touch client last used: %w", err)
	}
	return nil
}

func (s *Store) UpsertClient(ctx context.Context, client auth.ApiClient) (*auth.ApiClient, error) {
	scopesJSON, err := encodeScopes(client.AllowedScopes)
	if err != nil {
		return nil, err
	}
	if client.Status == "" {
		client.Status = auth.ClientActive
	}

	var refreshTTL any
	if client.RefreshTTLSeconds != nil {
		refreshTTL = *client.RefreshTTLSeconds
	}

	now := time.Now().UTC()
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_clients (client_id, secret_hash, allowed_scopes, status, refresh_ttl_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (client_id)
		DO UPDATE SET
			secret_hash = EXCLUDED.secret_hash,
			allowed_scopes = EXCLUDED.allowed_scopes,
			status = EXCLUDED.status,
			refresh_ttl_seconds = EXCLUDED.refresh_ttl_seconds,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`, client.ClientID, client.SecretHash, scopesJSON, string(client.Status), refreshTTL, now).
		Scan(&client.ID, &client.CreatedAt, &client.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert client: %w", err)
	}

	return &client, nil
}

func (s *Store) EnsureClient(ctx context.Context, client auth.ApiClient) (*auth.ApiClient, error) {
	scopesJSON, err := encodeScopes(client.AllowedScopes)
	if err != nil {
		return nil, err
	}
	if client.Status == "" {
		client.Status = auth.ClientActive
	}

	var refreshTTL any
	if client.RefreshTTLSeconds != nil {
		refreshTTL = *client.RefreshTTLSeconds
	}

	// status and refresh_ttl_seconds only apply on insert.
	stored, err := scanClient(s.db.QueryRowContext(ctx, `
		INSERT INTO api_clients (client_id, secret_hash, allowed_scopes, status, refresh_ttl_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (client_id)
		DO UPDATE SET
			secret_hash = EXCLUDED.secret_hash,
			allowed_scopes = EXCLUDED.allowed_scopes,
			updated_at = EXCLUDED.updated_at
		RETURNING `+clientColumns+`
	`, client.ClientID, client.SecretHash, scopesJSON, string(client.Status), refreshTTL, time.Now().UTC()))
	if err != nil {
		return nil, fmt.Errorf("ensure client: %w", err)
	}
	return stored, nil
}
