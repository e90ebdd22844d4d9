package auth

import (
	"context"
	"net/http"

	"machine-auth/internal/observability"
)

type claimsKey struct{}

func ClaimsFromContext(ctx context.Context) (TokenClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(TokenClaims)
	return claims, ok
}

func withClaims(ctx context.Context, claims TokenClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// RequireAccessToken admits requests carrying a valid, unrevoked access token
// and puts its claims on the request context.
func RequireAccessToken(signer *Signer, revocations RevocationStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			writeCode(w, r, CodeMissingAccessToken)
			return
		}

		claims, err := signer.Verify(tokenStr)
		if err != nil || claims.Type != TokenTypeAccess {
			writeCode(w, r, CodeInvalidToken)
			return
		}

		revoked, err := revocations.IsRevoked(r.Context(), claims.ID)
		if err != nil {
			observability.CaptureError(r.Context(), err, "require_access_token")
			writeCode(w, r, CodeServerError)
			return
		}
		if revoked {
			writeCode(w, r, CodeTokenRevoked)
			return
		}

		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

// RequireScope must wrap a handler that already sits behind RequireAccessToken.
func RequireScope(scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			writeCode(w, r, CodeMissingAccessToken)
			return
		}
		if !HasScope(claims.Scopes(), scope) {
			writeCode(w, r, CodeInsufficientScope)
			return
		}
		next.ServeHTTP(w, r)
	})
}
