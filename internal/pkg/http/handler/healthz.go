package handler

import (
	"context"
	"net/http"
	"time"
)

// CheckFunc reports whether the process is healthy.
type CheckFunc func(ctx context.Context) error

const checkTimeout = 2 * time.Second

// Healthz answers 200 when check passes (or is nil) and 503 otherwise.
func Healthz(check CheckFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
