package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

type TokenIssuer struct {
	signer     *Signer
	refresh    RefreshTokenStore
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

func NewTokenIssuer(signer *Signer, refresh RefreshTokenStore) *TokenIssuer {
	return &TokenIssuer{
		signer:     signer,
		refresh:    refresh,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
}

func (i *TokenIssuer) WithTTLs(accessTTL, refreshTTL time.Duration) *TokenIssuer {
	if accessTTL > 0 {
		i.accessTTL = accessTTL
	}
	if refreshTTL > 0 {
		i.refreshTTL = refreshTTL
	}
	return i
}

func (i *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	if now != nil {
		i.now = now
	}
	return i
}

func (i *TokenIssuer) refreshTTLFor(client ApiClient) time.Duration {
	if client.RefreshTTLSeconds != nil && *client.RefreshTTLSeconds > 0 {
		return time.Duration(*client.RefreshTTLSeconds) * time.Second
	}
	return i.refreshTTL
}

// IssueTokenPair signs a fresh access/refresh pair and records the refresh
// token in the ledger. It never touches the client's last-used time.
func (i *TokenIssuer) IssueTokenPair(ctx context.Context, client ApiClient, scopes []string, audience string) (TokenPair, error) {
	accessJTI, err := uuid.NewRandom()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate access jti: %w", err)
	}
	refreshJTI, err := uuid.NewRandom()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh jti: %w", err)
	}
	recordID, err := uuid.NewV7()
	if err != nil {
		return TokenPair{}, fmt.Errorf("generate refresh record id: %w", err)
	}

	now := i.now().UTC().Truncate(time.Second)
	refreshTTL := i.refreshTTLFor(client)
	scope := JoinScopes(scopes)

	access := TokenClaims{
		Subject:   clientSubject(client.ClientID),
		ClientID:  client.ID,
		Scope:     scope,
		Audience:  audience,
		ID:        accessJTI.String(),
		Type:      TokenTypeAccess,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(i.accessTTL).Unix(),
	}
	refresh := access
	refresh.ID = refreshJTI.String()
	refresh.Type = TokenTypeRefresh
	refresh.ExpiresAt = now.Add(refreshTTL).Unix()

	accessToken, err := i.signer.Sign(access)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, err := i.signer.Sign(refresh)
	if err != nil {
		return TokenPair{}, err
	}

	record := RefreshTokenRecord{
		ID:              recordID.String(),
		ClientID:        client.ID,
		JTI:             refresh.ID,
		TokenHash:       HashRefreshToken(refreshToken),
		LinkedAccessJTI: access.ID,
		Scopes:          append([]string(nil), scopes...),
		ExpiresAt:       refresh.Expiry(),
		CreatedAt:       now,
	}
	if err := i.refresh.CreateRefreshToken(ctx, record); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}

	return TokenPair{
		TokenType:        "Bearer",
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ExpiresIn:        int64(i.accessTTL.Seconds()),
		RefreshExpiresIn: int64(refreshTTL.Seconds()),
		Scope:            scope,
		JTI:              access.ID,
		ClientID:         client.ClientID,
	}, nil
}

// HashRefreshToken is the ledger lookup hash: SHA-256 hex of the raw token.
// The token is already high entropy, so a fast hash is enough.
func HashRefreshToken(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
