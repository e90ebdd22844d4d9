package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"machine-auth/internal/observability"
)

type Stores struct {
	Clients       ClientStore
	RefreshTokens RefreshTokenStore
	Revocations   RevocationStore
	// LoginAttempts enables the failed-login lockout when set.
	LoginAttempts LoginAttemptStore
}

const (
	defaultMaxLoginAttempts = 5
	defaultLockDuration     = 15 * time.Minute
)

type Service struct {
	clients          ClientStore
	refresh          RefreshTokenStore
	revocations      RevocationStore
	attempts         LoginAttemptStore
	maxAttempts      int
	lockDuration     time.Duration
	signer           *Signer
	issuer           *TokenIssuer
	expectedAudience string
	now              func() time.Time
	logger           *observability.Logger
}

func NewService(stores Stores, signer *Signer, issuer *TokenIssuer) *Service {
	return &Service{
		clients:      stores.Clients,
		refresh:      stores.RefreshTokens,
		revocations:  stores.Revocations,
		attempts:     stores.LoginAttempts,
		maxAttempts:  defaultMaxLoginAttempts,
		lockDuration: defaultLockDuration,
		signer:       signer,
		issuer:       issuer,
		now:          time.Now,
		logger:       observability.NopLogger(),
	}
}

// WithLockout sets how many failed logins lock a client_id and for how long.
// Non-positive values keep the defaults.
func (s *Service) WithLockout(maxAttempts int, lockDuration time.Duration) *Service {
	if maxAttempts > 0 {
		s.maxAttempts = maxAttempts
	}
	if lockDuration > 0 {
		s.lockDuration = lockDuration
	}
	return s
}

// WithExpectedAudience enables the strict audience check on login. An empty
// value disables it.
func (s *Service) WithExpectedAudience(audience string) *Service {
	s.expectedAudience = strings.TrimSpace(audience)
	return s
}

func (s *Service) WithLogger(logger *observability.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

type LoginInput struct {
	ClientID     string
	ClientSecret string
	Audience     string
	Scopes       []string
}

type RefreshInput struct {
	// AccessToken is only checked for presence.
	AccessToken  string
	RefreshToken string
}

func (s *Service) Login(ctx context.Context, in LoginInput) (TokenPair, error) {
	clientID := strings.TrimSpace(in.ClientID)
	audience := strings.TrimSpace(in.Audience)
	if clientID == "" || in.ClientSecret == "" || audience == "" {
		return TokenPair{}, fail(CodeBadRequest)
	}

	if s.expectedAudience != "" && audience != s.expectedAudience {
		return TokenPair{}, fail(CodeInvalidAudience)
	}

	now := s.now().UTC()
	if s.attempts != nil {
		attempt, err := s.attempts.GetLoginAttempt(ctx, clientID)
		if err != nil {
			return TokenPair{}, fmt.Errorf("get login attempt: %w", err)
		}
		if attempt.LockedAt(now) {
			return TokenPair{}, lockedOut(*attempt.LockedUntil, now)
		}
	}

	client, err := s.clients.FindByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			burnSecretCompare(in.ClientSecret)
			return TokenPair{}, s.rejectLogin(ctx, clientID, now)
		}
		return TokenPair{}, fmt.Errorf("find client: %w", err)
	}

	secretOK := VerifyClientSecret(client.SecretHash, in.ClientSecret)
	if !client.Active() || !secretOK {
		return TokenPair{}, s.rejectLogin(ctx, clientID, now)
	}

	if s.attempts != nil {
		if err := s.attempts.ResetLoginAttempts(ctx, clientID); err != nil {
			return TokenPair{}, fmt.Errorf("reset login attempts: %w", err)
		}
	}

	scopes := ResolveScopes(in.Scopes, client.AllowedScopes)
	if len(scopes) == 0 {
		return TokenPair{}, fail(CodeInvalidScope)
	}

	pair, err := s.issuer.IssueTokenPair(ctx, *client, scopes, audience)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue token pair: %w", err)
	}

	s.touchLastUsed(ctx, client.ID)
	return pair, nil
}

func (s *Service) Refresh(ctx context.Context, in RefreshInput) (TokenPair, error) {
	if strings.TrimSpace(in.AccessToken) == "" {
		return TokenPair{}, fail(CodeMissingAccessToken)
	}
	refreshToken := strings.TrimSpace(in.RefreshToken)
	if refreshToken == "" {
		return TokenPair{}, fail(CodeBadRequest)
	}

	claims, err := s.signer.Verify(refreshToken)
	if err != nil || claims.Type != TokenTypeRefresh || claims.ID == "" {
		return TokenPair{}, fail(CodeInvalidToken)
	}

	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return TokenPair{}, fail(CodeTokenRevoked)
	}

	now := s.now().UTC()
	record, err := s.refresh.FindActiveByJTI(ctx, claims.ID, now)
	if err != nil {
		if errors.Is(err, ErrRefreshTokenNotFound) {
			s.revokeReusedToken(ctx, claims.ID, now)
			return TokenPair{}, fail(CodeInvalidToken)
		}
		return TokenPair{}, fmt.Errorf("find refresh token: %w", err)
	}

	presented := HashRefreshToken(refreshToken)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(record.TokenHash)) != 1 {
		return TokenPair{}, fail(CodeInvalidToken)
	}
	if record.ClientID != claims.ClientID {
		return TokenPair{}, fail(CodeInvalidToken)
	}

	client, err := s.clients.FindByID(ctx, record.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return TokenPair{}, fail(CodeInvalidClient)
		}
		return TokenPair{}, fmt.Errorf("find client: %w", err)
	}
	if !client.Active() {
		return TokenPair{}, fail(CodeInvalidClient)
	}

	scopes := ResolveScopes(record.Scopes, client.AllowedScopes)
	if len(scopes) == 0 {
		return TokenPair{}, fail(CodeInvalidScope)
	}

	if err := s.refresh.MarkConsumed(ctx, claims.ID, now); err != nil {
		if errors.Is(err, ErrRefreshTokenConsumed) {
			return TokenPair{}, fail(CodeInvalidToken)
		}
		return TokenPair{}, fmt.Errorf("consume refresh token: %w", err)
	}

	pair, err := s.issuer.IssueTokenPair(ctx, *client, scopes, claims.Audience)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue token pair: %w", err)
	}

	s.touchLastUsed(ctx, client.ID)
	return pair, nil
}

// Logout revokes the caller's access token and the refresh token it presents.
// Both must belong to the same client.
func (s *Service) Logout(ctx context.Context, access TokenClaims, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return fail(CodeBadRequest)
	}

	claims, err := s.signer.Verify(refreshToken)
	if err != nil || claims.Type != TokenTypeRefresh || claims.ClientID != access.ClientID {
		return fail(CodeInvalidToken)
	}

	now := s.now().UTC()
	for _, entry := range []RevocationEntry{
		{JTI: access.ID, ExpiresAt: access.Expiry(), RevokedAt: now, Reason: ReasonLogout},
		{JTI: claims.ID, ExpiresAt: claims.Expiry(), RevokedAt: now, Reason: ReasonLogout},
	} {
		if err := s.revocations.Revoke(ctx, entry); err != nil {
			return fmt.Errorf("revoke %s: %w", entry.JTI, err)
		}
	}

	if err := s.refresh.MarkConsumed(ctx, claims.ID, now); err != nil && !errors.Is(err, ErrRefreshTokenConsumed) {
		return fmt.Errorf("consume refresh token: %w", err)
	}
	return nil
}

// revokeReusedToken handles a refresh token whose record exists but is no
// longer active. A consumed record means the token was replayed, so the token
// and the access token it was issued with are denylisted.
func (s *Service) revokeReusedToken(ctx context.Context, jti string, now time.Time) {
	record, err := s.refresh.FindByJTI(ctx, jti)
	if err != nil || record.ConsumedAt == nil {
		return
	}

	s.logger.Warn("refresh_token_reuse_detected", map[string]any{
		"client_id": record.ClientID,
		"jti":       jti,
	})

	for _, revokedJTI := range []string{record.JTI, record.LinkedAccessJTI} {
		if revokedJTI == "" {
			continue
		}
		err := s.revocations.Revoke(ctx, RevocationEntry{
			JTI:       revokedJTI,
			ExpiresAt: record.ExpiresAt,
			RevokedAt: now,
			Reason:    ReasonRefreshReuse,
		})
		if err != nil {
			s.logger.Error("revoke_reused_token_failed", map[string]any{"jti": revokedJTI, "error": err})
		}
	}
}

// rejectLogin counts a failed client authentication. Unknown and known ids
// are counted alike so the lockout reveals nothing about which ids exist.
func (s *Service) rejectLogin(ctx context.Context, clientID string, now time.Time) error {
	s.logger.Debug("login_rejected", map[string]any{"client_id": clientID})
	if s.attempts == nil {
		return fail(CodeInvalidClient)
	}

	lockedUntil, err := s.attempts.RegisterFailedAttempt(ctx, clientID, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return fmt.Errorf("register failed login: %w", err)
	}
	if lockedUntil != nil {
		s.logger.Warn("login_locked", map[string]any{"client_id": clientID, "locked_until": lockedUntil.Format(time.RFC3339)})
		return lockedOut(*lockedUntil, now)
	}
	return fail(CodeInvalidClient)
}

// touchLastUsed runs after tokens are issued; failing the request here would
// strand a consumed refresh token, so errors are only logged.
func (s *Service) touchLastUsed(ctx context.Context, clientID int64) {
	if err := s.clients.TouchLastUsed(ctx, clientID, s.now().UTC()); err != nil {
		s.logger.Warn("touch_last_used_failed", map[string]any{"client_id": clientID, "error": err})
	}
}
