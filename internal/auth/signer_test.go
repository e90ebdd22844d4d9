package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-signing-secret-that-is-32-chars!")

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sampleClaims(now time.Time) TokenClaims {
	return TokenClaims{
		Subject:   "client:c1",
		ClientID:  7,
		Scope:     "read write",
		Audience:  "orders-api",
		ID:        "0b8f9c1e-1111-4a4a-8b8b-222233334444",
		Type:      TokenTypeAccess,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(15 * time.Minute).Unix(),
	}
}

func TestSigner_RoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	signer := NewSigner(testSecret).WithClock(fixedClock(now))

	claims := sampleClaims(now)
	token, err := signer.Sign(claims)
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, "."), 3)

	got, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, claims, got)
	assert.Equal(t, []string{"read", "write"}, got.Scopes())
}

func TestSigner_EmptySecret(t *testing.T) {
	_, err := NewSigner(nil).Sign(sampleClaims(time.Now()))
	require.Error(t, err)
}

func TestSigner_TamperedToken(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	signer := NewSigner(testSecret).WithClock(fixedClock(now))

	token, err := signer.Sign(sampleClaims(now))
	require.NoError(t, err)

	for i := range token {
		replacement := byte('A')
		if token[i] == 'A' {
			replacement = 'B'
		}
		tampered := token[:i] + string(replacement) + token[i+1:]

		_, err := signer.Verify(tampered)
		require.Error(t, err, "byte %d", i)
		assert.ErrorIs(t, err, ErrInvalidToken, "byte %d", i)
	}
}

func TestSigner_Expired(t *testing.T) {
	issued := time.Now().Truncate(time.Second)
	token, err := NewSigner(testSecret).WithClock(fixedClock(issued)).Sign(sampleClaims(issued))
	require.NoError(t, err)

	t.Run("just before expiry", func(t *testing.T) {
		verifier := NewSigner(testSecret).WithClock(fixedClock(issued.Add(15*time.Minute - time.Second)))
		_, err := verifier.Verify(token)
		require.NoError(t, err)
	})

	t.Run("at expiry", func(t *testing.T) {
		verifier := NewSigner(testSecret).WithClock(fixedClock(issued.Add(15 * time.Minute)))
		_, err := verifier.Verify(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
	})

	t.Run("after expiry", func(t *testing.T) {
		verifier := NewSigner(testSecret).WithClock(fixedClock(issued.Add(time.Hour)))
		_, err := verifier.Verify(token)
		assert.ErrorIs(t, err, ErrTokenExpired)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestSigner_WrongSecret(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	token, err := NewSigner(testSecret).Sign(sampleClaims(now))
	require.NoError(t, err)

	_, err = NewSigner([]byte("another-secret-that-is-32-chars-long")).Verify(token)
	assert.ErrorIs(t, err, ErrTokenSignature)
}

func TestSigner_RejectsOtherAlgorithms(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	signer := NewSigner(testSecret)

	t.Run("none", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, sampleClaims(now)).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = signer.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("HS384", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS384, sampleClaims(now)).SignedString(testSecret)
		require.NoError(t, err)

		_, err = signer.Verify(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestSigner_RejectsUnexpectedShapes(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	signer := NewSigner(testSecret)

	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub":   "client:c1",
			"cid":   7,
			"scope": "read",
			"aud":   "orders-api",
			"jti":   "jti-1",
			"type":  "access",
			"iat":   now.Unix(),
			"exp":   now.Add(time.Minute).Unix(),
		}
	}

	cases := map[string]func(jwt.MapClaims){
		"unknown claim":     func(c jwt.MapClaims) { c["role"] = "admin" },
		"missing exp":       func(c jwt.MapClaims) { delete(c, "exp") },
		"missing jti":       func(c jwt.MapClaims) { delete(c, "jti") },
		"unknown type":      func(c jwt.MapClaims) { c["type"] = "id" },
		"cid wrong type":    func(c jwt.MapClaims) { c["cid"] = "seven" },
		"issued in future":  func(c jwt.MapClaims) { c["iat"] = now.Add(time.Hour).Unix() },
		"audience as array": func(c jwt.MapClaims) { c["aud"] = []string{"a", "b"} },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			claims := base()
			mutate(claims)
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
			require.NoError(t, err)

			_, err = signer.Verify(token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestSigner_Garbage(t *testing.T) {
	signer := NewSigner(testSecret)
	for _, token := range []string{"", "abc", "a.b", "a.b.c", "...."} {
		_, err := signer.Verify(token)
		assert.ErrorIs(t, err, ErrTokenMalformed, "token %q", token)
	}
}

func TestSigner_IssuerClockAhead(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	token, err := NewSigner(testSecret).Sign(sampleClaims(now))
	require.NoError(t, err)

	behind := NewSigner(testSecret).WithClock(fixedClock(now.Add(-2 * time.Second)))
	_, err = behind.Verify(token)
	require.NoError(t, err, "small drift between instances is tolerated")

	farBehind := NewSigner(testSecret).WithClock(fixedClock(now.Add(-2 * maxIssuedAtSkew)))
	_, err = farBehind.Verify(token)
	assert.ErrorIs(t, err, ErrTokenMalformed)
}
