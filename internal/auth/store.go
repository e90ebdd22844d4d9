package auth

import (
	"context"
	"time"
)

type ClientStore interface {
	// FindByClientID returns ErrClientNotFound when no client matches.
	FindByClientID(ctx context.Context, clientID string) (*ApiClient, error)
	FindByID(ctx context.Context, id int64) (*ApiClient, error)
	TouchLastUsed(ctx context.Context, id int64, at time.Time) error
}

// ClientProvisioner creates clients keyed by their public client_id. Clients
// are disabled, never deleted.
type ClientProvisioner interface {
	// UpsertClient creates or fully replaces a client.
	UpsertClient(ctx context.Context, client ApiClient) (*ApiClient, error)
	// EnsureClient creates client when its client_id is new. An existing
	// client only gets its secret hash and allowed scopes replaced; status
	// and refresh TTL stay as an operator left them.
	EnsureClient(ctx context.Context, client ApiClient) (*ApiClient, error)
}

type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, record RefreshTokenRecord) error
	// FindActiveByJTI only returns records with no consumed_at and
	// expires_at after now; anything else is ErrRefreshTokenNotFound.
	FindActiveByJTI(ctx context.Context, jti string, now time.Time) (*RefreshTokenRecord, error)
	FindByJTI(ctx context.Context, jti string) (*RefreshTokenRecord, error)
	// MarkConsumed must be a single conditional write: exactly one caller
	// succeeds. Every other caller, and any call for a missing or expired
	// record, gets ErrRefreshTokenConsumed.
	MarkConsumed(ctx context.Context, jti string, now time.Time) error
	PurgeRefreshTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type RevocationStore interface {
	Revoke(ctx context.Context, entry RevocationEntry) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
	PurgeRevocations(ctx context.Context, now time.Time, batchSize int) (int64, error)
}

// LoginAttemptStore counts failed logins per presented client_id, known or
// not, and locks the id once the count reaches the limit.
type LoginAttemptStore interface {
	GetLoginAttempt(ctx context.Context, clientID string) (LoginAttempt, error)
	// RegisterFailedAttempt returns the lock expiry when the id is locked,
	// either already or by this failure, and nil otherwise.
	RegisterFailedAttempt(ctx context.Context, clientID string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempts(ctx context.Context, clientID string) error
	PurgeLoginAttempts(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}
