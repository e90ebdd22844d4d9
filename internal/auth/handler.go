package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"machine-auth/internal/observability"
	"machine-auth/internal/response"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	service *Service
	logger  *observability.Logger
}

func NewHandler(service *Service, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Handler{service: service, logger: logger}
}

type loginRequest struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Audience     string   `json:"audience"`
	Scopes       []string `json:"scopes"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		h.writeError(w, r, "login", fail(CodeBadRequest))
		return
	}

	pair, err := h.service.Login(r.Context(), LoginInput{
		ClientID:     body.ClientID,
		ClientSecret: body.ClientSecret,
		Audience:     body.Audience,
		Scopes:       body.Scopes,
	})
	if err != nil {
		h.writeError(w, r, "login", err)
		return
	}

	observability.RecordAuthOperation("login", "ok")
	response.JSON(w, r, http.StatusOK, pair)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	accessToken, ok := bearerToken(r)
	if !ok {
		h.writeError(w, r, "refresh", fail(CodeMissingAccessToken))
		return
	}

	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		h.writeError(w, r, "refresh", fail(CodeBadRequest))
		return
	}

	pair, err := h.service.Refresh(r.Context(), RefreshInput{
		AccessToken:  accessToken,
		RefreshToken: body.RefreshToken,
	})
	if err != nil {
		h.writeError(w, r, "refresh", err)
		return
	}

	observability.RecordAuthOperation("refresh", "ok")
	response.JSON(w, r, http.StatusOK, pair)
}

// Logout must run behind RequireAccessToken.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		h.writeError(w, r, "logout", fail(CodeMissingAccessToken))
		return
	}

	var body logoutRequest
	if !decodeJSON(w, r, &body) {
		h.writeError(w, r, "logout", fail(CodeBadRequest))
		return
	}

	if err := h.service.Logout(r.Context(), claims, body.RefreshToken); err != nil {
		h.writeError(w, r, "logout", err)
		return
	}

	observability.RecordAuthOperation("logout", "ok")
	response.JSON(w, r, http.StatusOK, map[string]bool{"revoked": true})
}

type tokenInfo struct {
	Subject   string   `json:"sub"`
	ClientID  int64    `json:"cid"`
	Scopes    []string `json:"scopes"`
	Audience  string   `json:"aud"`
	JTI       string   `json:"jti"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
}

// TokenInfo echoes the verified access token claims. Must run behind
// RequireAccessToken.
func (h *Handler) TokenInfo(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		h.writeError(w, r, "token_info", fail(CodeMissingAccessToken))
		return
	}

	response.JSON(w, r, http.StatusOK, tokenInfo{
		Subject:   claims.Subject,
		ClientID:  claims.ClientID,
		Scopes:    claims.Scopes(),
		Audience:  claims.Audience,
		JTI:       claims.ID,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	code := CodeOf(err)
	if code == CodeServerError {
		h.logger.Error(operation+"_failed", map[string]any{
			"error":      err,
			"request_id": observability.RequestIDFromContext(r.Context()),
		})
		observability.CaptureError(r.Context(), err, operation)
	}

	var authErr *Error
	if errors.As(err, &authErr) && authErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(authErr.RetryAfter)))
	}

	observability.RecordAuthOperation(operation, string(code))
	writeCode(w, r, code)
}

func writeCode(w http.ResponseWriter, r *http.Request, code Code) {
	response.Error(w, r, code.HTTPStatus(), string(code), code.Message())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst) == nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
