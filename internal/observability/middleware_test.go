package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	t.Run("echoes caller id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	})

	t.Run("replaces unsafe id", func(t *testing.T) {
		for _, bad := range []string{"has space", strings.Repeat("x", 200), "tab\tid"} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(RequestIDHeader, bad)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.NotEqual(t, bad, seen)
			assert.Len(t, seen, 36, "generated uuid")
			assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
		}
	})

	t.Run("generates when absent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.NotEmpty(t, seen)
	})
}

func TestRequestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := NewLoggerWithCore(core)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	h := RequestIDMiddleware(RequestLoggingMiddleware(logger, mux))

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set(RequestIDHeader, "rid-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("http_request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "POST", fields["method"])
	assert.Equal(t, "/auth/login", fields["path"])
	assert.EqualValues(t, http.StatusUnauthorized, fields["status"])
	assert.Equal(t, "192.0.2.1", fields["ip"], "logged ip is the peer address")
	assert.Equal(t, "203.0.113.9, 10.0.0.1", fields["forwarded"])
	assert.Equal(t, "rid-1", fields["request_id"])
}

func TestRecoverMiddleware(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := NewLoggerWithCore(core)

	h := RequestIDMiddleware(RecoverMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	})))

	req := httptest.NewRequest(http.MethodGet, "/auth/token", nil)
	req.Header.Set(RequestIDHeader, "rid-panic")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body struct {
		Data   any               `json:"data"`
		Meta   map[string]string `json:"meta"`
		Errors []map[string]string
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Nil(t, body.Data)
	assert.Equal(t, "rid-panic", body.Meta["requestId"])
	require.Len(t, body.Errors, 1)
	assert.Equal(t, "server_error", body.Errors[0]["code"])

	assert.Equal(t, 1, logs.FilterMessage("panic_recovered").Len())
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", ClientIP(req, 0))

	req.Header.Set("X-Forwarded-For", "198.51.100.4")
	assert.Equal(t, "192.0.2.1", ClientIP(req, 0), "header ignored without trusted proxies")
	assert.Equal(t, "198.51.100.4", ClientIP(req, 1))

	req.Header.Set("X-Forwarded-For", "6.6.6.6, 198.51.100.4")
	assert.Equal(t, "198.51.100.4", ClientIP(req, 1), "spoofed leading entries are skipped")
	assert.Equal(t, "6.6.6.6", ClientIP(req, 2))

	req.Header.Set("X-Forwarded-For", "198.51.100.4")
	assert.Equal(t, "192.0.2.1", ClientIP(req, 2), "short chain falls back to the peer")

	req.RemoteAddr = "not-a-hostport"
	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "not-a-hostport", ClientIP(req, 0))
}
