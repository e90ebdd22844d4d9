package response

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"machine-auth/internal/observability"
)

func withRequestID(id string) *http.Request {
	var captured *http.Request
	h := observability.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(observability.RequestIDHeader, id)
	h.ServeHTTP(httptest.NewRecorder(), req)
	return captured
}

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, withRequestID("rid-1"), http.StatusOK, map[string]string{"status": "ok"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"data":{"status":"ok"},"meta":{"requestId":"rid-1"},"errors":[]}`, rec.Body.String())
}

func TestError(t *testing.T) {
	rec := httptest.NewRecorder()
	Error(rec, withRequestID("rid-2"), http.StatusUnauthorized, "invalid_token", "token is invalid")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t,
		`{"data":null,"meta":{"requestId":"rid-2"},"errors":[{"code":"invalid_token","message":"token is invalid"}]}`,
		rec.Body.String())
}

func TestJSON_WithoutRequestID(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(context.Background())
	JSON(rec, req, http.StatusOK, nil)
	assert.JSONEq(t, `{"data":null,"meta":{"requestId":""},"errors":[]}`, rec.Body.String())
}
