// Package response writes the JSON envelope shared by every endpoint:
// {"data": ..., "meta": {"requestId": ...}, "errors": [...]}.
package response

import (
	"encoding/json"
	"net/http"

	"machine-auth/internal/observability"
)

type Envelope struct {
	Data   any         `json:"data"`
	Meta   Meta        `json:"meta"`
	Errors []ErrorItem `json:"errors"`
}

type Meta struct {
	RequestID string `json:"requestId"`
}

type ErrorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	write(w, status, Envelope{
		Data:   data,
		Meta:   Meta{RequestID: observability.RequestIDFromContext(r.Context())},
		Errors: []ErrorItem{},
	})
}

func Error(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	write(w, status, Envelope{
		Meta:   Meta{RequestID: observability.RequestIDFromContext(r.Context())},
		Errors: []ErrorItem{{Code: code, Message: message}},
	})
}

func write(w http.ResponseWriter, status int, envelope Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}
