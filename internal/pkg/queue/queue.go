package queue

import (
	"context"
	"time"
)

// Message is one delivery of a queued message.
type Message struct {
	ID            string            // unique per delivery
	ReceiptHandle string            // opaque, valid until visibility expiry or deletion
	Body          []byte            // opaque payload
	SentAt        time.Time         // enqueue timestamp, zero if the backend did not report it
	ReceiveCount  int               // approximate number of deliveries including this one
	Attributes    map[string]string // backend message attributes
}

// Batch is the result of a single receive call. No ordering is guaranteed.
type Batch []Message

// DeleteEntry identifies one delivery to acknowledge.
type DeleteEntry struct {
	ID            string
	ReceiptHandle string
}

// Entry returns the delete entry for m.
func (m Message) Entry() DeleteEntry {
	return DeleteEntry{ID: m.ID, ReceiptHandle: m.ReceiptHandle}
}

// DeleteResult is the outcome of one entry of a DeleteBatch call. Err is nil on success.
type DeleteResult struct {
	Entry DeleteEntry
	Err   error
}

type ReceiveOptions struct {
	MaxMessages       int           // upper bound on batch size
	WaitTime          time.Duration // long poll duration, 0 returns immediately
	VisibilityTimeout time.Duration // how long received messages stay hidden
}

type SendOptions struct {
	Delay      time.Duration     // delivery delay
	Attributes map[string]string // string message attributes
}

// Client defines the interface for a queue backend (SQS, Redis, in-memory).
type Client interface {
	// Receive long-polls for up to opts.WaitTime. An empty batch with a nil
	// error means the wait elapsed without a message.
	Receive(ctx context.Context, opts ReceiveOptions) (Batch, error)
	// DeleteBatch deletes the given deliveries. Entries are independent; the
	// returned slice holds one result per entry in input order. A non-nil
	// error means no per-entry outcome is known.
	DeleteBatch(ctx context.Context, entries []DeleteEntry) ([]DeleteResult, error)
	// Send enqueues body and returns the assigned message ID.
	Send(ctx context.Context, body []byte, opts SendOptions) (string, error)
}

// Receiver is the consumer side of Client.
type Receiver interface {
	Receive(ctx context.Context, opts ReceiveOptions) (Batch, error)
	DeleteBatch(ctx context.Context, entries []DeleteEntry) ([]DeleteResult, error)
}

// Sender is the producer side of Client.
type Sender interface {
	Send(ctx context.Context, body []byte, opts SendOptions) (string, error)
}

// Entries returns the delete entries for every message in b.
func (b Batch) Entries() []DeleteEntry {
	entries := make([]DeleteEntry, 0, len(b))
	for _, m := range b {
		entries = append(entries, m.Entry())
	}
	return entries
}
