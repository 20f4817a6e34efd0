package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sqs-relay/configs"
	"sqs-relay/internal/app/bootstrap"
	"sqs-relay/internal/app/payload"
	"sqs-relay/internal/app/producer"
	"sqs-relay/internal/pkg/http"
	"sqs-relay/internal/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := configs.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := bootstrap.Observability(ctx, cfg, "sqs-relay-producer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer func() {
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown(ctxShutdown)
	}()

	backend, closeBackend, err := bootstrap.NewBackend(ctx, cfg)
	if err != nil {
		logger.Error("Unable to create queue backend", zap.Error(err))
		return 1
	}
	defer func() { _ = closeBackend() }()

	if err := bootstrap.Probe(ctx, backend); err != nil {
		logger.Error("Queue is not reachable", zap.String("queue_type", cfg.QueueType), zap.Error(err))
		return bootstrap.ExitCode(err)
	}

	http.StartHTTPServer(ctx, cfg.HTTPAddr, nil)

	p, err := producer.New(backend, payload.NewGenerator(0), producer.Config{
		TickInterval:   cfg.ProducerTickIntervalDuration,
		MaxAttempts:    cfg.ProducerMaxAttempts,
		InitialBackoff: cfg.ProducerInitialBackoffDuration,
		MaxBackoff:     cfg.ProducerMaxBackoffDuration,
		PendingLimit:   cfg.ProducerPendingLimit,
		SendRate:       cfg.ProducerSendRate,
		Delay:          cfg.ProducerDelayDuration,
		DrainTimeout:   cfg.DrainTimeoutDuration,
	})
	if err != nil {
		logger.Error("Unable to create producer", zap.Error(err))
		return 1
	}

	err = bootstrap.RunLoop(ctx, cfg, p.Run)
	if err != nil {
		logger.Error("Producer exited with error", zap.Error(err))
	}
	return bootstrap.ExitCode(err)
}
