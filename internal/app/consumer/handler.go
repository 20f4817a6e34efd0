package consumer

import (
	"context"

	"go.uber.org/zap"

	"sqs-relay/internal/pkg/logger"
	"sqs-relay/internal/pkg/queue"
)

// Handler processes one message. A nil return acknowledges the message; any
// error or panic leaves it on the queue for redelivery.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) error {
	return f(ctx, msg)
}

// LogHandler logs every message as opaque text and succeeds.
type LogHandler struct{}

func (LogHandler) Handle(ctx context.Context, msg queue.Message) error {
	logger.InfoCtx(ctx, "Message received",
		zap.String("message_id", msg.ID),
		zap.Int("receive_count", msg.ReceiveCount),
		zap.Time("sent_at", msg.SentAt),
		zap.ByteString("body", msg.Body),
	)
	return nil
}
