package maintenance

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"machine-auth/internal/auth"
	"machine-auth/internal/observability"
	"machine-auth/internal/response"
)

type Result struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedRevocations   int64 `json:"deleted_revocations"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
}

type CleanupHandler struct {
	refresh          auth.RefreshTokenStore
	revocations      auth.RevocationStore
	attempts         auth.LoginAttemptStore
	attemptRetention time.Duration
	logger           *observability.Logger
	cronSecret       string
	refreshRetention time.Duration
	batchSize        int
	now              func() time.Time
}

func NewCleanupHandler(
	refresh auth.RefreshTokenStore,
	revocations auth.RevocationStore,
	logger *observability.Logger,
	cronSecret string,
	refreshRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &CleanupHandler{
		refresh:          refresh,
		revocations:      revocations,
		logger:           logger,
		cronSecret:       strings.TrimSpace(cronSecret),
		refreshRetention: refreshRetention,
		batchSize:        batchSize,
		now:              time.Now,
	}
}

// WithLoginAttempts also purges failed-login counters untouched for retention.
func (h *CleanupHandler) WithLoginAttempts(attempts auth.LoginAttemptStore, retention time.Duration) *CleanupHandler {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	h.attempts = attempts
	h.attemptRetention = retention
	return h
}

func (h *CleanupHandler) WithClock(now func() time.Time) *CleanupHandler {
	if now != nil {
		h.now = now
	}
	return h
}

// Cleanup removes refresh records that expired or were consumed before the
// retention cutoff, and revocation entries whose token has expired.
func (h *CleanupHandler) Cleanup(ctx context.Context) (Result, error) {
	now := h.now().UTC()

	refreshDeleted, err := h.refresh.PurgeRefreshTokens(ctx, now.Add(-h.refreshRetention), h.batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("purge refresh tokens: %w", err)
	}
	observability.CleanupDeletedTotal.WithLabelValues("refresh_token").Add(float64(refreshDeleted))

	revocationsDeleted, err := h.revocations.PurgeRevocations(ctx, now, h.batchSize)
	if err != nil {
		return Result{DeletedRefreshTokens: refreshDeleted}, fmt.Errorf("purge revocations: %w", err)
	}
	observability.CleanupDeletedTotal.WithLabelValues("revocation").Add(float64(revocationsDeleted))

	result := Result{
		DeletedRefreshTokens: refreshDeleted,
		DeletedRevocations:   revocationsDeleted,
	}
	if h.attempts == nil {
		return result, nil
	}

	attemptsDeleted, err := h.attempts.PurgeLoginAttempts(ctx, now.Add(-h.attemptRetention), h.batchSize)
	if err != nil {
		return result, fmt.Errorf("purge login attempts: %w", err)
	}
	observability.CleanupDeletedTotal.WithLabelValues("login_attempt").Add(float64(attemptsDeleted))
	result.DeletedLoginAttempts = attemptsDeleted

	return result, nil
}

// Handle serves the cron route. It is disabled unless CRON_SECRET is set.
func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		response.Error(w, r, http.StatusNotFound, "not_found", "not found")
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") ||
		subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(h.cronSecret)) != 1 {
		response.Error(w, r, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	h.run(w, r)
}

// HandleAuthorized serves the token-protected route; authorization happens in
// the middleware in front of it.
func (h *CleanupHandler) HandleAuthorized(w http.ResponseWriter, r *http.Request) {
	h.run(w, r)
}

func (h *CleanupHandler) run(w http.ResponseWriter, r *http.Request) {
	result, err := h.Cleanup(r.Context())
	if err != nil {
		h.logger.Error("auth_cleanup_failed", map[string]any{
			"error":      err,
			"request_id": observability.RequestIDFromContext(r.Context()),
		})
		observability.CaptureError(r.Context(), err, "cleanup")
		response.Error(w, r, http.StatusInternalServerError, string(auth.CodeServerError), auth.CodeServerError.Message())
		return
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"deleted_refresh_tokens": result.DeletedRefreshTokens,
		"deleted_revocations":    result.DeletedRevocations,
		"deleted_login_attempts": result.DeletedLoginAttempts,
	})

	response.JSON(w, r, http.StatusOK, result)
}
