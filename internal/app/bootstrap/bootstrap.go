// Package bootstrap wires configuration to queue backends and the process
// runtime shared by the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sqs-relay/configs"
	"sqs-relay/internal/pkg/k8s"
	"sqs-relay/internal/pkg/logger"
	"sqs-relay/internal/pkg/observability/metrics"
	"sqs-relay/internal/pkg/observability/tracing"
	"sqs-relay/internal/pkg/queue"
	redisQueue "sqs-relay/internal/pkg/queue/redis"
	"sqs-relay/internal/pkg/queue/sqs"
)

// Backend is a queue client that can report reachability and depth.
type Backend interface {
	queue.Client
	Probe(ctx context.Context) (int, error)
}

// NewBackend builds the backend selected by QUEUE_TYPE. The returned close
// func releases its connections.
func NewBackend(ctx context.Context, cfg *configs.Config) (Backend, func() error, error) {
	switch cfg.QueueType {
	case configs.QueueTypeSQS:
		client, err := sqs.NewClient(ctx, cfg.QueueAwsSqsRegion, cfg.QueueAwsSqsEndpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create sqs client: %w", err)
		}
		backend, err := sqs.New(client, &sqs.Config{QueueUrl: cfg.QueueAwsSqsUrl})
		if err != nil {
			return nil, nil, err
		}
		return backend, func() error { return nil }, nil
	case configs.QueueTypeRedis:
		client := redisQueue.NewClient(cfg.QueueRedisEndpoint, cfg.QueueRedisDB)
		backend, err := redisQueue.New(client, &redisQueue.Config{KeyPrefix: cfg.QueueRedisKeyPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return backend, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue type %q", cfg.QueueType)
	}
}

// Observability sets up logging, metrics and, when enabled, tracing. The
// returned func flushes them.
func Observability(ctx context.Context, cfg *configs.Config, service string) (func(context.Context), error) {
	if err := logger.Setup(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	metrics.Setup()

	if !cfg.OtelEnabled {
		return func(context.Context) { _ = logger.Sync() }, nil
	}

	tp, err := tracing.Init(ctx, cfg.ServiceName(service), cfg.OtelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to set up tracing: %w", err)
	}
	return func(ctx context.Context) {
		if err := tracing.Shutdown(ctx, tp); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
		_ = logger.Sync()
	}, nil
}

// Probe checks the backend once at startup and records its depth.
func Probe(ctx context.Context, backend Backend) error {
	depth, err := backend.Probe(ctx)
	if err != nil {
		return err
	}
	metrics.QueueDepth.Set(float64(depth))
	logger.Info("Queue reachable", zap.Int("depth", depth))
	return nil
}

// WatchDepth refreshes the queue depth gauge every interval until ctx is done.
func WatchDepth(ctx context.Context, backend Backend, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := backend.Probe(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("Queue depth probe failed", zap.Error(err))
				}
				continue
			}
			metrics.QueueDepth.Set(float64(depth))
		}
	}
}

// RunLoop runs fn directly, or only while holding the Lease when leader
// election is enabled.
func RunLoop(ctx context.Context, cfg *configs.Config, fn func(ctx context.Context) error) error {
	if !cfg.LeaderElectionEnabled {
		return fn(ctx)
	}
	client, err := k8s.NewClientset()
	if err != nil {
		return err
	}
	return k8s.RunAsLeader(ctx, client, k8s.LeaderConfig{
		Namespace: cfg.PodNamespace,
		LockName:  cfg.LeaderElectionLockName,
		Identity:  cfg.PodName,
	}, fn)
}

// ExitCode maps a loop error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if queue.IsAuth(err) {
		return 2
	}
	return 1
}
