// Package memory provides an in-process implementation of queue.Client with
// visibility timeouts, at-least-once redelivery and fault hooks.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"sqs-relay/internal/pkg/queue"
)

var _ queue.Client = (*Queue)(nil)

// ErrQueueClosed is returned by operations on a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// DefaultVisibilityTimeout applies when a receive does not set one, matching the SQS queue default.
const DefaultVisibilityTimeout = 30 * time.Second

type stored struct {
	id           string
	body         []byte
	attributes   map[string]string
	sentAt       time.Time
	visibleAt    time.Time
	receiveCount int
	receipt      string // current receipt handle, empty when not in flight
}

// Queue is an in-memory queue safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	messages []*stored // insertion order
	notify   chan struct{}
	closed   bool
	now      func() time.Time

	// Fault hooks. A non-nil return replaces the backend result.
	ReceiveHook func(call int) error
	DeleteHook  func(call int, entry queue.DeleteEntry) error
	SendHook    func(call int, body []byte) error

	receiveCalls int
	deleteCalls  int
	sendCalls    int
	deleted      []queue.DeleteEntry
}

// NewQueue creates an empty queue using the wall clock.
func NewQueue() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// WithClock replaces the queue's clock, for driving visibility expiry in tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
	return q
}

// Receive returns up to opts.MaxMessages visible messages, waiting up to
// opts.WaitTime for at least one.
func (q *Queue) Receive(ctx context.Context, opts queue.ReceiveOptions) (queue.Batch, error) {
	q.mu.Lock()
	q.receiveCalls++
	call := q.receiveCalls
	hook := q.ReceiveHook
	q.mu.Unlock()

	if hook != nil {
		if err := hook(call); err != nil {
			return nil, err
		}
	}

	var deadline <-chan time.Time
	if opts.WaitTime > 0 {
		timer := time.NewTimer(opts.WaitTime)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		batch, err := q.take(opts)
		if err != nil || len(batch) > 0 || deadline == nil {
			return batch, err
		}
		select {
		case <-ctx.Done():
			return nil, queue.NewTransientError("receive", "", ctx.Err())
		case <-deadline:
			return q.take(opts)
		case <-q.notify:
		}
	}
}

func (q *Queue) take(opts queue.ReceiveOptions) (queue.Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.NewTransientError("receive", "", ErrQueueClosed)
	}

	limit := max(opts.MaxMessages, 1)
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	now := q.now()
	var batch queue.Batch
	for _, s := range q.messages {
		if len(batch) == limit {
			break
		}
		if now.Before(s.visibleAt) {
			continue
		}
		s.receiveCount++
		s.receipt = uuid.NewString()
		s.visibleAt = now.Add(visibility)
		batch = append(batch, queue.Message{
			ID:            s.id,
			ReceiptHandle: s.receipt,
			Body:          append([]byte(nil), s.body...),
			SentAt:        s.sentAt,
			ReceiveCount:  s.receiveCount,
			Attributes:    copyAttributes(s.attributes),
		})
	}
	return batch, nil
}

// DeleteBatch deletes deliveries whose receipt handle is still current.
func (q *Queue) DeleteBatch(ctx context.Context, entries []queue.DeleteEntry) ([]queue.DeleteResult, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.NewTransientError("delete", "", ErrQueueClosed)
	}
	q.deleteCalls++

	results := make([]queue.DeleteResult, len(entries))
	for i, e := range entries {
		results[i].Entry = e
		if q.DeleteHook != nil {
			if err := q.DeleteHook(q.deleteCalls, e); err != nil {
				results[i].Err = err
				continue
			}
		}
		results[i].Err = q.remove(e)
		if results[i].Err == nil {
			q.deleted = append(q.deleted, e)
		}
	}
	return results, nil
}

func (q *Queue) remove(e queue.DeleteEntry) error {
	for i, s := range q.messages {
		if s.id != e.ID {
			continue
		}
		if s.receipt == "" || s.receipt != e.ReceiptHandle {
			return queue.NewValidationError("delete", "ReceiptHandleIsInvalid", errors.New("receipt handle is not current"))
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		return nil
	}
	// Deleting an already deleted message succeeds, as in SQS.
	return nil
}

// Send enqueues body and returns its message ID.
func (q *Queue) Send(ctx context.Context, body []byte, opts queue.SendOptions) (string, error) {
	q.mu.Lock()
	q.sendCalls++
	call := q.sendCalls
	hook := q.SendHook
	q.mu.Unlock()

	if hook != nil {
		if err := hook(call, body); err != nil {
			return "", err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", queue.NewTransientError("send", "", ErrQueueClosed)
	}

	now := q.now()
	s := &stored{
		id:         uuid.NewString(),
		body:       append([]byte(nil), body...),
		attributes: copyAttributes(opts.Attributes),
		sentAt:     now,
		visibleAt:  now.Add(opts.Delay),
	}
	q.messages = append(q.messages, s)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return s.id, nil
}

// Close rejects further operations.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// Len returns the number of undeleted messages, visible or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Deleted returns every entry deleted so far.
func (q *Queue) Deleted() []queue.DeleteEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.DeleteEntry(nil), q.deleted...)
}

// DeleteCalls returns the number of DeleteBatch calls made.
func (q *Queue) DeleteCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deleteCalls
}

// SendCalls returns the number of Send calls made, including failed ones.
func (q *Queue) SendCalls() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sendCalls
}

func copyAttributes(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
