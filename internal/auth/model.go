package auth

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type ClientStatus string

const (
	ClientActive   ClientStatus = "active"
	ClientDisabled ClientStatus = "disabled"
)

// ApiClient is a registered machine caller. SecretHash is a bcrypt hash; the
// plaintext secret is never stored.
type ApiClient struct {
	ID                int64
	ClientID          string
	SecretHash        string
	AllowedScopes     []string
	Status            ClientStatus
	RefreshTTLSeconds *int64
	LastUsedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (c ApiClient) Active() bool {
	return c.Status == ClientActive
}

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

func (t TokenType) Valid() bool {
	return t == TokenTypeAccess || t == TokenTypeRefresh
}

// TokenClaims is the flat JWT payload shared by access and refresh tokens.
type TokenClaims struct {
	Subject   string    `json:"sub"`
	ClientID  int64     `json:"cid"`
	Scope     string    `json:"scope"`
	Audience  string    `json:"aud"`
	ID        string    `json:"jti"`
	Type      TokenType `json:"type"`
	IssuedAt  int64     `json:"iat"`
	ExpiresAt int64     `json:"exp"`
}

// UnmarshalJSON rejects unknown claims instead of silently dropping them.
func (c *TokenClaims) UnmarshalJSON(data []byte) error {
	type plain TokenClaims
	var decoded plain
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&decoded); err != nil {
		return err
	}
	*c = TokenClaims(decoded)
	return nil
}

func (c TokenClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	if c.ExpiresAt == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(c.ExpiresAt, 0)), nil
}

func (c TokenClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	if c.IssuedAt == 0 {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c TokenClaims) GetNotBefore() (*jwt.NumericDate, error) {
	return nil, nil
}

func (c TokenClaims) GetIssuer() (string, error) {
	return "", nil
}

func (c TokenClaims) GetSubject() (string, error) {
	return c.Subject, nil
}

func (c TokenClaims) GetAudience() (jwt.ClaimStrings, error) {
	if c.Audience == "" {
		return nil, nil
	}
	return jwt.ClaimStrings{c.Audience}, nil
}

// Validate runs after the registered claims pass; it rejects payloads that
// decode cleanly but cannot be one of our tokens.
func (c TokenClaims) Validate() error {
	if c.ID == "" {
		return errMissingJTI
	}
	if !c.Type.Valid() {
		return errUnknownTokenType
	}
	return nil
}

func (c TokenClaims) Scopes() []string {
	return SplitScopes(c.Scope)
}

func (c TokenClaims) Expiry() time.Time {
	return time.Unix(c.ExpiresAt, 0).UTC()
}

func clientSubject(clientID string) string {
	return "client:" + clientID
}

type TokenPair struct {
	TokenType        string `json:"token_type"`
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	Scope            string `json:"scope"`
	JTI              string `json:"jti"`
	ClientID         string `json:"client_id"`
}

// RefreshTokenRecord is the server-side ledger entry of an issued refresh
// token. ConsumedAt moves from nil to a timestamp exactly once.
type RefreshTokenRecord struct {
	ID              string
	ClientID        int64
	JTI             string
	TokenHash       string
	LinkedAccessJTI string
	Scopes          []string
	ExpiresAt       time.Time
	ConsumedAt      *time.Time
	CreatedAt       time.Time
}

func (r RefreshTokenRecord) ActiveAt(now time.Time) bool {
	return r.ConsumedAt == nil && r.ExpiresAt.After(now)
}

type RevocationReason string

const (
	ReasonLogout       RevocationReason = "logout"
	ReasonRefreshReuse RevocationReason = "refresh_reuse"
)

type RevocationEntry struct {
	JTI       string
	ExpiresAt time.Time
	RevokedAt time.Time
	Reason    RevocationReason
}

type LoginAttempt struct {
	ClientID       string
	FailedAttempts int
	LockedUntil    *time.Time
	UpdatedAt      time.Time
}

func (a LoginAttempt) LockedAt(now time.Time) bool {
	return a.LockedUntil != nil && now.Before(*a.LockedUntil)
}

// RecordFailure applies one failed login. Reaching maxAttempts locks the id
// for lockDuration and starts the count over. A failure while locked leaves
// the lock untouched.
func (a LoginAttempt) RecordFailure(maxAttempts int, lockDuration time.Duration, now time.Time) (LoginAttempt, *time.Time) {
	if a.LockedAt(now) {
		until := *a.LockedUntil
		return a, &until
	}

	a.FailedAttempts++
	a.LockedUntil = nil
	a.UpdatedAt = now.UTC()
	if a.FailedAttempts >= maxAttempts {
		until := now.UTC().Add(lockDuration)
		a.LockedUntil = &until
		a.FailedAttempts = 0
		return a, &until
	}
	return a, nil
}

// StaleAt reports whether cleanup may drop the attempt.
func (a LoginAttempt) StaleAt(cutoff time.Time) bool {
	if !a.UpdatedAt.Before(cutoff) {
		return false
	}
	return a.LockedUntil == nil || a.LockedUntil.Before(cutoff)
}
