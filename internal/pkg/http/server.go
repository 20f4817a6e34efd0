package http

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sqs-relay/internal/pkg/http/handler"
	"sqs-relay/internal/pkg/logger"
)

const shutdownTimeout = 5 * time.Second

// NewMux returns the health and metrics routes.
func NewMux(check handler.CheckFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handler.Healthz(check))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// StartHTTPServer serves /healthz and /metrics on addr until ctx is done.
func StartHTTPServer(ctx context.Context, addr string, check handler.CheckFunc) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewMux(check),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP server")
		ctxShutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			logger.Error("HTTP server shutdown failed", zap.Error(err))
		} else {
			logger.Info("HTTP server shut down gracefully")
		}
	}()

	return srv
}
