package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"machine-auth/internal/auth"
	"machine-auth/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Environment:           "test",
		LogLevel:              "error",
		StoreDriver:           config.DriverMemory,
		JWTSecret:             "0123456789abcdef0123456789abcdef",
		AccessTokenTTL:        15 * time.Minute,
		RefreshTokenTTL:       time.Hour,
		LoginRateLimitMax:     10,
		LoginRateLimitWindow:  time.Minute,
		LoginMaxAttempts:      5,
		LoginLockDuration:     15 * time.Minute,
		LoginAttemptRetention: 24 * time.Hour,
		MetricsEnabled:        true,
		RefreshTokenRetention: 24 * time.Hour,
		CleanupBatchSize:      100,
		MaintenanceScope:      "auth:maintenance",
		BootstrapClientID:     "ops",
		BootstrapClientSecret: "ops-secret",
		BootstrapClientScopes: []string{"read", "auth:maintenance"},
	}
}

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := Build(Options{Config: testConfig()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func serve(t *testing.T, h http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, h http.Handler, scopes []string) auth.TokenPair {
	t.Helper()
	rec := serve(t, h, http.MethodPost, "/auth/login", "", map[string]any{
		"client_id":     "ops",
		"client_secret": "ops-secret",
		"audience":      "inventory",
		"scopes":        scopes,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Data auth.TokenPair `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Data
}

func TestBuild_Health(t *testing.T) {
	rt := newRuntime(t)

	rec := serve(t, rt.Handler, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestBuild_BootstrapClientCanLogin(t *testing.T) {
	rt := newRuntime(t)

	pair := login(t, rt.Handler, []string{"read"})
	assert.Equal(t, "read", pair.Scope)

	rec := serve(t, rt.Handler, http.MethodGet, "/auth/token", pair.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, rt.Handler, http.MethodPost, "/auth/refresh", pair.AccessToken, map[string]string{"refresh_token": pair.RefreshToken})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuild_LocksClientAfterFailedLogins(t *testing.T) {
	cfg := testConfig()
	cfg.LoginMaxAttempts = 2
	rt, err := Build(Options{Config: cfg})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	attempt := func(secret string) *httptest.ResponseRecorder {
		return serve(t, rt.Handler, http.MethodPost, "/auth/login", "", map[string]any{
			"client_id":     "ops",
			"client_secret": secret,
			"audience":      "inventory",
		})
	}

	assert.Equal(t, http.StatusUnauthorized, attempt("wrong").Code)
	rec := attempt("wrong")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))

	rec = attempt("ops-secret")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "correct secret is refused while locked")
}

func TestBuild_MaintenanceRequiresScope(t *testing.T) {
	rt := newRuntime(t)

	readOnly := login(t, rt.Handler, []string{"read"})
	rec := serve(t, rt.Handler, http.MethodPost, "/auth/maintenance/cleanup", readOnly.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	operator := login(t, rt.Handler, []string{"auth:maintenance"})
	rec = serve(t, rt.Handler, http.MethodPost, "/auth/maintenance/cleanup", operator.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted_refresh_tokens"`)
}

func TestBuild_CronRouteDisabledWithoutSecret(t *testing.T) {
	rt := newRuntime(t)

	rec := serve(t, rt.Handler, http.MethodGet, "/internal/maintenance/cleanup", "anything", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBuild_Metrics(t *testing.T) {
	rt := newRuntime(t)

	serve(t, rt.Handler, http.MethodGet, "/health", "", nil)
	rec := serve(t, rt.Handler, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{method="GET",path="GET /health"`)
}

func TestBuild_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = "cassandra"

	_, err := Build(Options{Config: cfg})
	require.Error(t, err)
}
