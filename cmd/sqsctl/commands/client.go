package commands

import (
	"context"
	"fmt"

	"sqs-relay/configs"
	"sqs-relay/internal/app/bootstrap"
	"sqs-relay/internal/pkg/queue"
)

// ClientFunc opens a queue client and returns a func releasing it.
type ClientFunc func(ctx context.Context) (queue.Client, func() error, error)

// DefaultClient opens the backend described by the environment.
func DefaultClient(ctx context.Context) (queue.Client, func() error, error) {
	cfg, err := configs.Parse()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	backend, closeFn, err := bootstrap.NewBackend(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return backend, closeFn, nil
}
