package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxIssuedAtSkew tolerates clock drift between instances that sign and
// verify. exp itself gets no grace window.
const maxIssuedAtSkew = time.Minute

// Signer encodes and verifies HS256 tokens with a shared secret. Access and
// refresh tokens share the key, so callers must check TokenClaims.Type.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret []byte) *Signer {
	return &Signer{
		secret: secret,
		now:    time.Now,
	}
}

func (s *Signer) WithClock(now func() time.Time) *Signer {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Signer) Sign(claims TokenClaims) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("sign jwt: empty secret")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	encoded, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return encoded, nil
}

func (s *Signer) Verify(tokenString string) (TokenClaims, error) {
	var claims TokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithStrictDecoding(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return TokenClaims{}, ErrTokenSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			return TokenClaims{}, ErrTokenExpired
		default:
			return TokenClaims{}, ErrTokenMalformed
		}
	}
	if claims.IssuedAt > s.now().Add(maxIssuedAtSkew).Unix() {
		return TokenClaims{}, ErrTokenMalformed
	}
	return claims, nil
}
