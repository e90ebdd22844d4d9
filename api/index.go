package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"machine-auth/internal/app"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

// Handler is the serverless entry point. The runtime is built on the first
// request and reused by warm invocations.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(app.Options{LoadDotEnv: false})
	})

	if initErr != nil {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": nil,
			"meta": map[string]string{"requestId": ""},
			"errors": []map[string]string{
				{"code": "server_error", "message": "application bootstrap failed"},
			},
		})
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
