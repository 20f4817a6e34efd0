// Package producer synthesizes payloads on a fixed tick and sends them through
// a single paced sender with bounded retry.
package producer

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
	"golang.org/x/time/rate"

	"sqs-relay/internal/pkg/logger"
	"sqs-relay/internal/pkg/observability/metrics"
	"sqs-relay/internal/pkg/queue"
	"sqs-relay/internal/pkg/retry"
)

// Source yields the next payload to send.
type Source interface {
	Next(ctx context.Context) ([]byte, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]byte, error)

func (f SourceFunc) Next(ctx context.Context) ([]byte, error) {
	return f(ctx)
}

type Config struct {
	TickInterval   time.Duration // payload synthesis period
	MaxAttempts    int           // send attempts per payload, including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PendingLimit   int           // payloads buffered between ticker and sender
	SendRate       float64       // sends per second, 0 is unlimited
	Delay          time.Duration // delivery delay set on every message
	DrainTimeout   time.Duration // how long pending payloads may be sent after shutdown
}

// Stats are cumulative producer counters.
type Stats struct {
	Ticks             int64
	Sent              int64
	Attempts          int64
	ValidationDropped int64
	PermanentFailures int64
	Overflow          int64
	SourceErrors      int64
	ShutdownDropped   int64
}

type counters struct {
	ticks, sent, attempts, validationDropped, permanentFailures, overflow, sourceErrors, shutdownDropped atomic.Int64
}

type Producer struct {
	client  queue.Sender
	source  Source
	config  Config
	limiter *rate.Limiter
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
	stats   counters
}

// New creates a Producer. Zero config fields take defaults.
func New(client queue.Sender, source Source, cfg Config) (*Producer, error) {
	if client == nil {
		return nil, errors.New("queue client is required")
	}
	if source == nil {
		return nil, errors.New("payload source is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 100
	}

	p := &Producer{
		client: client,
		source: source,
		config: cfg,
		tracer: otel.Tracer("sqs-relay/producer"),
		sleep:  retry.Sleep,
	}
	if cfg.SendRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.SendRate), 1)
	}
	return p, nil
}

func (p *Producer) Stats() Stats {
	return Stats{
		Ticks:             p.stats.ticks.Load(),
		Sent:              p.stats.sent.Load(),
		Attempts:          p.stats.attempts.Load(),
		ValidationDropped: p.stats.validationDropped.Load(),
		PermanentFailures: p.stats.permanentFailures.Load(),
		Overflow:          p.stats.overflow.Load(),
		SourceErrors:      p.stats.sourceErrors.Load(),
		ShutdownDropped:   p.stats.shutdownDropped.Load(),
	}
}

// Run ticks until ctx is done, then gives the sender up to DrainTimeout to
// flush pending payloads. Only auth failures are returned.
func (p *Producer) Run(ctx context.Context) error {
	logger.Info("Producer started",
		zap.Duration("tick_interval", p.config.TickInterval),
		zap.Int("max_attempts", p.config.MaxAttempts),
		zap.Int("pending_limit", p.config.PendingLimit),
		zap.Float64("send_rate", p.config.SendRate),
	)

	pending := make(chan []byte, p.config.PendingLimit)
	sendCtx, cancelSend := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSend()

	fatal := make(chan error, 1)
	senderDone := make(chan struct{})
	go func() {
		defer close(senderDone)
		p.sender(sendCtx, pending, fatal)
	}()

	ticker := time.NewTicker(p.config.TickInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case runErr = <-fatal:
			break loop
		case <-ticker.C:
			p.tick(ctx, pending)
		}
	}
	ticker.Stop()
	close(pending)

	if runErr == nil {
		timer := time.NewTimer(p.config.DrainTimeout)
		defer timer.Stop()
		select {
		case <-senderDone:
		case runErr = <-fatal:
		case <-timer.C:
			logger.Warn("Drain timeout elapsed, dropping pending payloads", zap.Int("pending", len(pending)))
		}
	}
	cancelSend()
	<-senderDone

	stats := p.Stats()
	logger.Info("Producer stopped",
		zap.Int64("ticks", stats.Ticks),
		zap.Int64("sent", stats.Sent),
		zap.Int64("attempts", stats.Attempts),
		zap.Int64("validation_dropped", stats.ValidationDropped),
		zap.Int64("permanent_failures", stats.PermanentFailures),
		zap.Int64("overflow", stats.Overflow),
		zap.Int64("shutdown_dropped", stats.ShutdownDropped),
	)
	return runErr
}

// tick synthesizes one payload and hands it to the sender without blocking.
func (p *Producer) tick(ctx context.Context, pending chan<- []byte) {
	p.stats.ticks.Add(1)

	body, err := p.source.Next(ctx)
	if err != nil {
		if queue.IsValidation(err) {
			p.stats.validationDropped.Add(1)
			metrics.MessagesProduced.WithLabelValues(metrics.ResultValidation).Inc()
			logger.Warn("Dropping invalid payload", zap.Error(err))
			return
		}
		p.stats.sourceErrors.Add(1)
		logger.Error("Failed to synthesize payload", zap.Error(err))
		return
	}

	select {
	case pending <- body:
	default:
		p.stats.overflow.Add(1)
		metrics.PendingOverflow.Inc()
		logger.Warn("Pending buffer full, dropping payload", zap.Int("pending_limit", p.config.PendingLimit))
	}
}

// sender serializes sends. It stops on the first auth failure.
func (p *Producer) sender(ctx context.Context, pending <-chan []byte, fatal chan<- error) {
	for body := range pending {
		if ctx.Err() != nil {
			p.dropOnShutdown(ctx)
			continue
		}
		if _, err := p.sendSafe(ctx, body); queue.IsAuth(err) {
			fatal <- err
			return
		}
	}
}

func (p *Producer) sendSafe(ctx context.Context, body []byte) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.stats.permanentFailures.Add(1)
			err = fmt.Errorf("send panic: %v", r)
			logger.Error("Sender panic", zap.Any("panic", r), zap.String("stack", string(debug.Stack())))
		}
	}()
	return p.Send(ctx, body)
}

// Send delivers body, retrying transient failures with exponential backoff
// up to MaxAttempts total attempts. Validation failures are dropped without
// retry.
func (p *Producer) Send(ctx context.Context, body []byte) (string, error) {
	ctx, span := p.tracer.Start(ctx, "producer.send", trace.WithAttributes(
		attribute.Int("messaging.message.body.size", len(body)),
	))
	defer span.End()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				p.dropOnShutdown(ctx)
			} else {
				p.stats.permanentFailures.Add(1)
			}
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	cfg := retry.Config{
		MaxAttempts:    p.config.MaxAttempts,
		InitialBackoff: p.config.InitialBackoff,
		MaxBackoff:     p.config.MaxBackoff,
		Sleep:          p.sleep,
	}
	onRetry := func(attempt int, err error, delay time.Duration) {
		logger.WarnCtx(ctx, "Send failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}

	id, err := retry.Do(ctx, cfg, queue.IsTransient, onRetry, func() (string, error) {
		p.stats.attempts.Add(1)
		metrics.SendAttempts.Inc()
		return p.client.Send(ctx, body, queue.SendOptions{Delay: p.config.Delay})
	})

	switch {
	case err == nil:
		p.stats.sent.Add(1)
		metrics.MessagesProduced.WithLabelValues(metrics.ResultSuccess).Inc()
		span.SetAttributes(attribute.String("messaging.message.id", id))
		logger.DebugCtx(ctx, "Message sent", zap.String("message_id", id))
		return id, nil
	case queue.IsValidation(err):
		p.stats.validationDropped.Add(1)
		metrics.MessagesProduced.WithLabelValues(metrics.ResultValidation).Inc()
		logger.WarnCtx(ctx, "Send rejected, dropping payload", zap.Error(err))
	case queue.IsAuth(err):
		p.stats.permanentFailures.Add(1)
		metrics.MessagesProduced.WithLabelValues(metrics.ResultFailure).Inc()
		logger.ErrorCtx(ctx, "Send failed on auth", zap.Error(err))
	case ctx.Err() != nil:
		p.dropOnShutdown(ctx)
		return "", err
	default:
		p.stats.permanentFailures.Add(1)
		metrics.MessagesProduced.WithLabelValues(metrics.ResultFailure).Inc()
		logger.ErrorCtx(ctx, "Send failed permanently, dropping payload",
			zap.Int("max_attempts", p.config.MaxAttempts),
			zap.Error(err),
		)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "send failed")
	return "", err
}

// dropOnShutdown counts a send cut off by cancellation.
func (p *Producer) dropOnShutdown(ctx context.Context) {
	p.stats.shutdownDropped.Add(1)
	metrics.MessagesProduced.WithLabelValues(metrics.ResultDropped).Inc()
	logger.DebugCtx(ctx, "Dropping payload on shutdown")
}
