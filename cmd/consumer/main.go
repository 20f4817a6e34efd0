package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sqs-relay/configs"
	"sqs-relay/internal/app/bootstrap"
	"sqs-relay/internal/app/consumer"
	"sqs-relay/internal/pkg/http"
	"sqs-relay/internal/pkg/logger"
)

const depthInterval = 30 * time.Second

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

	shutdown, err := bootstrap.Observability(ctx, cfg, "sqs-relay-consumer")
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

	var healthy atomic.Bool
	healthy.Store(true)
	http.StartHTTPServer(ctx, cfg.HTTPAddr, func(context.Context) error {
		if !healthy.Load() {
			return errors.New("consumer stopped")
		}
		return nil
	})
	go bootstrap.WatchDepth(ctx, backend, depthInterval)

	c, err := consumer.New(backend, consumer.LogHandler{}, consumer.Config{
		MaxMessages:        int(cfg.QueueMaxMessages),
		WaitTime:           cfg.QueueWaitTimeDuration,
		VisibilityTimeout:  cfg.QueueVisibilityTimeoutDuration,
		PollInterval:       cfg.PollingIntervalDuration,
		HandlerConcurrency: cfg.ConsumerHandlerConcurrency,
		DrainTimeout:       cfg.DrainTimeoutDuration,
	})
	if err != nil {
		logger.Error("Unable to create consumer", zap.Error(err))
		return 1
	}

	err = bootstrap.RunLoop(ctx, cfg, c.Run)
	healthy.Store(false)
	if err != nil {
		logger.Error("Consumer exited with error", zap.Error(err))
	}
	return bootstrap.ExitCode(err)
}
