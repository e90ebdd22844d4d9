package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code is a stable, outward-facing error code.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeInvalidAudience    Code = "invalid_audience"
	CodeInvalidClient      Code = "invalid_client"
	CodeInvalidScope       Code = "invalid_scope"
	CodeInvalidToken       Code = "invalid_token"
	CodeTokenRevoked       Code = "token_revoked"
	CodeMissingAccessToken Code = "missing_access_token"
	CodeInsufficientScope  Code = "insufficient_scope"
	CodeRateLimited        Code = "rate_limited"
	CodeServerError        Code = "server_error"
)

var codeMessages = map[Code]string{
	CodeBadRequest:         "request is malformed or missing required fields",
	CodeInvalidAudience:    "audience is not accepted",
	CodeInvalidClient:      "client authentication failed",
	CodeInvalidScope:       "no grantable scope",
	CodeInvalidToken:       "token is invalid",
	CodeTokenRevoked:       "token has been revoked",
	CodeMissingAccessToken: "access token is required",
	CodeInsufficientScope:  "token lacks the required scope",
	CodeRateLimited:        "too many requests",
	CodeServerError:        "internal server error",
}

func (c Code) Message() string {
	if msg, ok := codeMessages[c]; ok {
		return msg
	}
	return codeMessages[CodeServerError]
}

func (c Code) HTTPStatus() int {
	switch c {
	case CodeBadRequest, CodeInvalidAudience, CodeInvalidScope:
		return http.StatusBadRequest
	case CodeInvalidClient, CodeInvalidToken, CodeTokenRevoked, CodeMissingAccessToken:
		return http.StatusUnauthorized
	case CodeInsufficientScope:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is an expected authentication failure. Anything that is not an *Error
// is an infrastructure fault and surfaces as server_error.
type Error struct {
	Code Code
	// RetryAfter is set when the caller may try again after a wait.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return string(e.Code)
}

func fail(code Code) error {
	return &Error{Code: code}
}

func lockedOut(until, now time.Time) error {
	return &Error{Code: CodeRateLimited, RetryAfter: until.Sub(now)}
}

// CodeOf reports the outward code for err.
func CodeOf(err error) Code {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	return CodeServerError
}

var (
	ErrClientNotFound       = errors.New("client not found")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenConsumed = errors.New("refresh token already consumed")
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenMalformed = fmt.Errorf("%w: malformed", ErrInvalidToken)
	ErrTokenSignature = fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	ErrTokenExpired   = fmt.Errorf("%w: expired", ErrInvalidToken)

	errMissingJTI       = errors.New("missing jti")
	errUnknownTokenType = errors.New("unknown token type")
)
