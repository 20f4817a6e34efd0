// Package consumer runs the receive, handle, acknowledge cycle against a queue.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sqs-relay/internal/pkg/logger"
	"sqs-relay/internal/pkg/observability/metrics"
	"sqs-relay/internal/pkg/queue"
	"sqs-relay/internal/pkg/retry"
)

// ErrCycleInProgress is returned by RunCycle when another cycle of the same
// consumer has not finished.
var ErrCycleInProgress = errors.New("consumer cycle already in progress")

const (
	// ackTimeout bounds the delete calls of one cycle, including during drain.
	ackTimeout = 30 * time.Second
	// receiveErrorDelay is the minimum pause after a failed cycle.
	receiveErrorDelay = time.Second
)

// Config tunes receive, handling and drain behavior of a Consumer.
type Config struct {
	MaxMessages        int           // per receive, 1..10
	WaitTime           time.Duration // long poll duration
	VisibilityTimeout  time.Duration // also bounds each handler
	PollInterval       time.Duration // pause between cycles, 0 polls again immediately
	HandlerConcurrency int           // handlers running at once
	DrainTimeout       time.Duration // how long a cycle may outlive cancellation
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	Received     int
	Succeeded    int
	Failed       int
	Abandoned    int // handlers still running when the drain timeout elapsed
	Deleted      int
	DeleteFailed int
}

// Consumer polls a queue, runs a Handler per message and deletes only the
// messages whose handler succeeded.
type Consumer struct {
	client  queue.Receiver
	handler Handler
	config  Config
	tracer  trace.Tracer
	running atomic.Bool
}

// New creates a Consumer. Zero config fields take the SQS defaults.
func New(client queue.Receiver, handler Handler, cfg Config) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("queue client is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 10
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.HandlerConcurrency <= 0 {
		cfg.HandlerConcurrency = cfg.MaxMessages
	}
	if cfg.PollInterval < 0 {
		cfg.PollInterval = 0
	}
	if cfg.DrainTimeout < 0 {
		cfg.DrainTimeout = 0
	}
	return &Consumer{
		client:  client,
		handler: handler,
		config:  cfg,
		tracer:  otel.Tracer("sqs-relay/consumer"),
	}, nil
}

// Run executes cycles until ctx is done. The next poll starts PollInterval
// after the previous cycle completes. Only auth failures are returned.
func (c *Consumer) Run(ctx context.Context) error {
	logger.Info("Consumer started",
		zap.Int("max_messages", c.config.MaxMessages),
		zap.Duration("wait_time", c.config.WaitTime),
		zap.Duration("visibility_timeout", c.config.VisibilityTimeout),
		zap.Duration("poll_interval", c.config.PollInterval),
	)

	for ctx.Err() == nil {
		delay := c.config.PollInterval
		if _, err := c.RunCycle(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
			case queue.IsAuth(err):
				logger.Error("Consumer stopping on auth failure", zap.Error(err))
				return err
			default:
				logger.Warn("Consumer cycle abandoned", zap.Error(err))
				delay = max(delay, receiveErrorDelay)
			}
		}
		if retry.Sleep(ctx, delay) != nil {
			break
		}
	}

	logger.Info("Consumer stopped")
	return nil
}

// RunCycle performs one receive, handles every message and deletes the
// successes with a single batch call. Per-message and per-delete failures
// are reported, not returned; their messages redeliver after the
// visibility timeout.
func (c *Consumer) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	if !c.running.CompareAndSwap(false, true) {
		return report, ErrCycleInProgress
	}
	defer c.running.Store(false)

	start := time.Now()
	defer func() { metrics.CycleDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := c.tracer.Start(ctx, "consumer.cycle")
	defer span.End()

	batch, err := c.client.Receive(ctx, queue.ReceiveOptions{
		MaxMessages:       c.config.MaxMessages,
		WaitTime:          c.config.WaitTime,
		VisibilityTimeout: c.config.VisibilityTimeout,
	})
	if err != nil {
		if ctx.Err() == nil {
			metrics.ReceiveErrors.WithLabelValues(queue.KindOf(err).String()).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "receive failed")
		}
		return report, fmt.Errorf("receive: %w", err)
	}

	report.Received = len(batch)
	span.SetAttributes(attribute.Int("messaging.batch.message_count", len(batch)))
	if len(batch) == 0 {
		logger.DebugCtx(ctx, "No messages received")
		return report, nil
	}
	metrics.MessagesReceived.Add(float64(len(batch)))

	workCtx, stop := c.detach(ctx)
	defer stop()

	acks := NewAckSet()
	var failed atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(c.config.HandlerConcurrency)
		for _, msg := range batch {
			if workCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				if err := c.handle(workCtx, msg); err != nil {
					failed.Add(1)
					return nil
				}
				acks.Add(msg.Entry())
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-workCtx.Done():
		logger.WarnCtx(ctx, "Drain timeout elapsed, abandoning in-flight handlers",
			zap.Duration("drain_timeout", c.config.DrainTimeout))
	}

	entries := acks.Seal()
	report.Succeeded = len(entries)
	report.Failed = int(failed.Load())
	report.Abandoned = max(report.Received-report.Succeeded-report.Failed, 0)

	if len(entries) > 0 {
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
		defer cancel()
		report.Deleted, report.DeleteFailed, err = c.ack(ackCtx, entries)
		metrics.MessagesDeleted.Add(float64(report.Deleted))
	}

	span.SetAttributes(
		attribute.Int("consumer.succeeded", report.Succeeded),
		attribute.Int("consumer.failed", report.Failed),
		attribute.Int("consumer.deleted", report.Deleted),
	)
	logger.InfoCtx(ctx, "Consumer cycle complete",
		zap.Int("received", report.Received),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("abandoned", report.Abandoned),
		zap.Int("deleted", report.Deleted),
		zap.Int("delete_failed", report.DeleteFailed),
		zap.Duration("duration", time.Since(start)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return report, fmt.Errorf("delete: %w", err)
	}
	return report, nil
}

// detach returns a context that survives cancellation of ctx for at most
// DrainTimeout. The returned stop func must be called when the cycle ends.
func (c *Consumer) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopAfter := context.AfterFunc(ctx, func() {
		logger.Info("Shutdown requested, draining cycle", zap.Duration("drain_timeout", c.config.DrainTimeout))
		t := time.NewTimer(c.config.DrainTimeout)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-workCtx.Done():
		}
	})
	return workCtx, func() {
		stopAfter()
		cancel()
	}
}

// handle runs the handler for msg under the visibility timeout. Panics are
// converted to errors.
func (c *Consumer) handle(ctx context.Context, msg queue.Message) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.VisibilityTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "consumer.handle", trace.WithAttributes(
		attribute.String("messaging.message.id", msg.ID),
		attribute.Int("messaging.receive_count", msg.ReceiveCount),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			logger.ErrorCtx(ctx, "Handler panic",
				zap.String("message_id", msg.ID),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
		metrics.HandlerDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.MessagesHandled.WithLabelValues(metrics.ResultFailure).Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
			return
		}
		metrics.MessagesHandled.WithLabelValues(metrics.ResultSuccess).Inc()
	}()

	if err := c.handler.Handle(ctx, msg); err != nil {
		logger.WarnCtx(ctx, "Handler failed, message will be redelivered",
			zap.String("message_id", msg.ID),
			zap.Int("receive_count", msg.ReceiveCount),
			zap.Error(err),
		)
		return err
	}
	if ctx.Err() != nil {
		// The message may already be visible to another consumer.
		logger.WarnCtx(ctx, "Handler outlived its deadline", zap.String("message_id", msg.ID))
		return fmt.Errorf("handler exceeded deadline: %w", ctx.Err())
	}
	return nil
}

// ack deletes entries with one batch call. Each entry gets at most one retry:
// either the whole call is retried on a transient call failure, or transient
// per-entry failures are retried. Only an auth failure is returned.
func (c *Consumer) ack(ctx context.Context, entries []queue.DeleteEntry) (deleted, failed int, err error) {
	results, err := c.client.DeleteBatch(ctx, entries)
	retried := false
	if err != nil && queue.IsTransient(err) {
		logger.WarnCtx(ctx, "Delete batch failed, retrying once", zap.Int("entries", len(entries)), zap.Error(err))
		retried = true
		results, err = c.client.DeleteBatch(ctx, entries)
	}
	if err != nil {
		metrics.DeleteFailures.WithLabelValues(queue.KindOf(err).String()).Add(float64(len(entries)))
		if queue.IsAuth(err) {
			return 0, len(entries), err
		}
		logger.ErrorCtx(ctx, "Delete batch failed, messages will be redelivered", zap.Int("entries", len(entries)), zap.Error(err))
		return 0, len(entries), nil
	}

	var again []queue.DeleteEntry
	for _, r := range results {
		switch {
		case r.Err == nil:
			deleted++
		case queue.IsTransient(r.Err) && !retried:
			again = append(again, r.Entry)
		case queue.IsAuth(r.Err):
			return deleted, len(entries) - deleted, r.Err
		default:
			failed++
			c.deleteFailed(ctx, r)
		}
	}
	if len(again) == 0 {
		return deleted, failed, nil
	}

	results, err = c.client.DeleteBatch(ctx, again)
	if err != nil {
		metrics.DeleteFailures.WithLabelValues(queue.KindOf(err).String()).Add(float64(len(again)))
		if queue.IsAuth(err) {
			return deleted, failed + len(again), err
		}
		logger.ErrorCtx(ctx, "Delete retry failed, messages will be redelivered", zap.Int("entries", len(again)), zap.Error(err))
		return deleted, failed + len(again), nil
	}
	for _, r := range results {
		if r.Err == nil {
			deleted++
			continue
		}
		if queue.IsAuth(r.Err) {
			return deleted, len(entries) - deleted, r.Err
		}
		failed++
		c.deleteFailed(ctx, r)
	}
	return deleted, failed, nil
}

func (c *Consumer) deleteFailed(ctx context.Context, r queue.DeleteResult) {
	metrics.DeleteFailures.WithLabelValues(queue.KindOf(r.Err).String()).Inc()
	logger.WarnCtx(ctx, "Delete failed, message will be redelivered",
		zap.String("message_id", r.Entry.ID),
		zap.Error(r.Err),
	)
}
