package consumer_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"sqs-relay/internal/app/consumer"
	"sqs-relay/internal/pkg/logger"
	"sqs-relay/internal/pkg/queue"
	"sqs-relay/internal/pkg/queue/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyDeleter fails the first failures DeleteBatch calls with err.
type flakyDeleter struct {
	*memory.Queue
	failures int
	err      error
	calls    atomic.Int32
}

func (f *flakyDeleter) DeleteBatch(ctx context.Context, entries []queue.DeleteEntry) ([]queue.DeleteResult, error) {
	if int(f.calls.Add(1)) <= f.failures {
		return nil, f.err
	}
	return f.Queue.DeleteBatch(ctx, entries)
}

// failOnPrefix fails messages whose body starts with "fail" and panics on "panic".
var failOnPrefix = consumer.HandlerFunc(func(ctx context.Context, msg queue.Message) error {
	body := string(msg.Body)
	switch {
	case strings.HasPrefix(body, "panic"):
		panic("handler exploded")
	case strings.HasPrefix(body, "fail"):
		return errors.New("handler failed")
	}
	return nil
})

func send(q *memory.Queue, bodies ...string) map[string]string {
	ids := make(map[string]string, len(bodies))
	for _, b := range bodies {
		id, err := q.Send(context.Background(), []byte(b), queue.SendOptions{})
		Expect(err).NotTo(HaveOccurred())
		ids[b] = id
	}
	return ids
}

func deletedIDs(q *memory.Queue) []string {
	var ids []string
	for _, e := range q.Deleted() {
		ids = append(ids, e.ID)
	}
	return ids
}

var _ = Describe("Consumer", func() {
	var (
		ctx   context.Context
		clock *fakeClock
		q     *memory.Queue
		cfg   consumer.Config
	)

	newConsumer := func(client queue.Receiver, h consumer.Handler) *consumer.Consumer {
		c, err := consumer.New(client, h, cfg)
		Expect(err).NotTo(HaveOccurred())
		return c
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = &fakeClock{now: time.Unix(1700000000, 0)}
		q = memory.NewQueue().WithClock(clock.Now)
		cfg = consumer.Config{
			MaxMessages:        10,
			VisibilityTimeout:  30 * time.Second,
			HandlerConcurrency: 4,
			DrainTimeout:       time.Second,
		}
	})

	Describe("New", func() {
		It("rejects a missing client or handler", func() {
			_, err := consumer.New(nil, consumer.LogHandler{}, cfg)
			Expect(err).To(HaveOccurred())
			_, err = consumer.New(q, nil, cfg)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("RunCycle", func() {
		It("deletes exactly the messages whose handler succeeded", func() {
			ids := send(q, "ok-1", "ok-2", "fail-1")

			report, err := newConsumer(q, failOnPrefix).RunCycle(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(report).To(Equal(consumer.CycleReport{Received: 3, Succeeded: 2, Failed: 1, Deleted: 2}))
			Expect(q.DeleteCalls()).To(Equal(1))
			Expect(deletedIDs(q)).To(ConsistOf(ids["ok-1"], ids["ok-2"]))
			Expect(q.Len()).To(Equal(1))
		})

		It("isolates failing and panicking handlers from their siblings", func() {
			ids := send(q, "ok-1", "panic-1", "ok-2", "fail-1", "ok-3")

			report, err := newConsumer(q, failOnPrefix).RunCycle(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Succeeded).To(Equal(3))
			Expect(report.Failed).To(Equal(2))
			Expect(deletedIDs(q)).To(ConsistOf(ids["ok-1"], ids["ok-2"], ids["ok-3"]))
		})

		It("makes no delete call and logs no failure when the poll times out", func() {
			core, logs := observer.New(zapcore.DebugLevel)
			restore := logger.Replace(zap.New(core))
			defer restore()

			cfg.WaitTime = 50 * time.Millisecond
			report, err := newConsumer(q, failOnPrefix).RunCycle(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(report).To(Equal(consumer.CycleReport{}))
			Expect(q.DeleteCalls()).To(BeZero())
			Expect(logs.FilterLevelExact(zapcore.WarnLevel).Len()).To(BeZero())
			Expect(logs.FilterLevelExact(zapcore.ErrorLevel).Len()).To(BeZero())
		})

		It("makes no delete call when every handler fails", func() {
			send(q, "fail-1", "fail-2")

			report, err := newConsumer(q, failOnPrefix).RunCycle(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Failed).To(Equal(2))
			Expect(q.DeleteCalls()).To(BeZero())
		})

		It("leaves a message whose delete failed redeliverable and acks it once later", func() {
			ids := send(q, "ok-1", "ok-2")
			bad := ids["ok-2"]
			q.DeleteHook = func(call int, e queue.DeleteEntry) error {
				if call == 1 && e.ID == bad {
					return queue.NewValidationError("delete", "ReceiptHandleIsInvalid", errors.New("rejected"))
				}
				return nil
			}
			c := newConsumer(q, failOnPrefix)

			report, err := c.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Deleted).To(Equal(1))
			Expect(report.DeleteFailed).To(Equal(1))
			Expect(q.DeleteCalls()).To(Equal(1))
			Expect(q.Len()).To(Equal(1))

			clock.Advance(31 * time.Second)
			report, err = c.RunCycle(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.Received).To(Equal(1))
			Expect(report.Deleted).To(Equal(1))
			Expect(deletedIDs(q)).To(ConsistOf(ids["ok-1"], bad))
		})

		It("retries transient per-entry delete failures once without duplicating entries", func() {
			ids := send(q, "ok-1", "ok-2", "ok-3")
			flaky := ids["ok-3"]
			q.DeleteHook = func(call int, e queue.DeleteEntry) error {
				if call == 1 && e.ID == flaky {
					return queue.NewTransientError("delete", "InternalError", errors.New("try again"))
				}
				return nil
			}

			report, err := newConsumer(q, failOnPrefix).RunCycle(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Deleted).To(Equal(3))
			Expect(report.DeleteFailed).To(BeZero())
			Expect(q.DeleteCalls()).To(Equal(2))
			Expect(deletedIDs(q)).To(ConsistOf(ids["ok-1"], ids["ok-2"], flaky))
		})

		It("retries a transient delete call failure once", func() {
			send(q, "ok-1", "ok-2")
			client := &flakyDeleter{Queue: q, failures: 1, err: queue.NewTransientError("delete", "", errors.New("timeout"))}

			report, err := newConsumer(client, failOnPrefix).RunCycle(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Deleted).To(Equal(2))
			Expect(client.calls.Load()).To(Equal(int32(2)))
		})

		It("does not retry entries again after a retried delete call", func() {
			ids := send(q, "ok-1", "ok-2")
			flaky := ids["ok-2"]
			client := &flakyDeleter{Queue: q, failures: 1, err: queue.NewTransientError("delete", "", errors.New("timeout"))}
			attempts := 0
			q.DeleteHook = func(call int, e queue.DeleteEntry) error {
				if e.ID == flaky {
					attempts++
					return queue.NewTransientError("delete", "InternalError", errors.New("try again"))
				}
				return nil
			}

			report, err := newConsumer(client, failOnPrefix).RunCycle(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(client.calls.Load()).To(Equal(int32(2)))
			Expect(attempts).To(Equal(1))
			Expect(report.Deleted).To(Equal(1))
			Expect(report.DeleteFailed).To(Equal(1))
			Expect(deletedIDs(q)).To(ConsistOf(ids["ok-1"]))
		})

		It("counts a twice failed delete call without failing the cycle", func() {
			send(q, "ok-1", "ok-2")
			client := &flakyDeleter{Queue: q, failures: 2, err: queue.NewTransientError("delete", "", errors.New("timeout"))}

			report, err := newConsumer(client, failOnPrefix).RunCycle(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Deleted).To(BeZero())
			Expect(report.DeleteFailed).To(Equal(2))
			Expect(q.Len()).To(Equal(2))
		})

		It("returns an auth failure from the delete call without retrying", func() {
			send(q, "ok-1")
			client := &flakyDeleter{Queue: q, failures: 1, err: queue.NewAuthError("delete", "AccessDenied", errors.New("denied"))}

			_, err := newConsumer(client, failOnPrefix).RunCycle(ctx)

			Expect(queue.IsAuth(err)).To(BeTrue())
			Expect(client.calls.Load()).To(Equal(int32(1)))
		})

		It("bounds each handler by the visibility timeout", func() {
			cfg.VisibilityTimeout = 50 * time.Millisecond
			send(q, "slow")
			var hadDeadline atomic.Bool

			report, err := newConsumer(q, consumer.HandlerFunc(func(ctx context.Context, msg queue.Message) error {
				_, ok := ctx.Deadline()
				hadDeadline.Store(ok)
				<-ctx.Done()
				return ctx.Err()
			})).RunCycle(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(hadDeadline.Load()).To(BeTrue())
			Expect(report.Failed).To(Equal(1))
			Expect(q.DeleteCalls()).To(BeZero())
		})

		It("runs at most HandlerConcurrency handlers at once", func() {
			cfg.HandlerConcurrency = 2
			send(q, "a", "b", "c", "d", "e", "f")
			var inflight, peak atomic.Int32

			report, err := newConsumer(q, consumer.HandlerFunc(func(ctx context.Context, msg queue.Message) error {
				n := inflight.Add(1)
				defer inflight.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				return nil
			})).RunCycle(ctx)

			Expect(err).NotTo(HaveOccurred())
			Expect(report.Deleted).To(Equal(6))
			Expect(peak.Load()).To(BeNumerically("<=", 2))
		})

		It("rejects a concurrent cycle", func() {
			send(q, "block")
			started := make(chan struct{})
			release := make(chan struct{})
			c := newConsumer(q, consumer.HandlerFunc(func(ctx context.Context, msg queue.Message) error {
				close(started)
				<-release
				return nil
			}))

			result := make(chan error, 1)
			go func() {
				_, err := c.RunCycle(ctx)
				result <- err
			}()
			Eventually(started).Should(BeClosed())

			_, err := c.RunCycle(ctx)
			Expect(err).To(MatchError(consumer.ErrCycleInProgress))

			close(release)
			Eventually(result).Should(Receive(BeNil()))
		})

		It("finishes handling and acks after cancellation within the drain timeout", func() {
			ids := send(q, "ok-1")
			started := make(chan struct{})
			release := make(chan struct{})
			var handlerErr atomic.Value
			c := newConsumer(q, consumer.HandlerFunc(func(ctx context.Context, msg queue.Message) error {
				close(started)
				<-release
				if err := ctx.Err(); err != nil {
					handlerErr.Store(err)
					return err
				}
				return nil
			}))

			runCtx, cancel := context.WithCancel(ctx)
			result := make(chan consumer.CycleReport, 1)
			go func() {
				report, _ := c.RunCycle(runCtx)
				result <- report
			}()
			Eventually(started).Should(BeClosed())
			cancel()
			close(release)

			var report consumer.CycleReport
			Eventually(result).Should(Receive(&report))
			Expect(handlerErr.Load()).To(BeNil())
			Expect(report.Deleted).To(Equal(1))
			Expect(deletedIDs(q)).To(ConsistOf(ids["ok-1"]))
		})

		It("abandons handlers still running when the drain timeout elapses", func() {
			cfg.DrainTimeout = 50 * time.Millisecond
			ids := send(q, "fast", "stuck")
			fastDone := make(chan struct{})
			stuckStarted := make(chan struct{})
			c := newConsumer(q, consumer.HandlerFunc(func(ctx context.Context, msg queue.Message) error {
				if string(msg.Body) == "fast" {
					close(fastDone)
					return nil
				}
				close(stuckStarted)
				<-ctx.Done()
				return ctx.Err()
			}))

			runCtx, cancel := context.WithCancel(ctx)
			result := make(chan consumer.CycleReport, 1)
			go func() {
				report, _ := c.RunCycle(runCtx)
				result <- report
			}()
			Eventually(fastDone).Should(BeClosed())
			Eventually(stuckStarted).Should(BeClosed())
			cancel()

			var report consumer.CycleReport
			Eventually(result).Should(Receive(&report))
			Expect(report.Succeeded).To(Equal(1))
			Expect(report.Failed + report.Abandoned).To(Equal(1))
			Expect(deletedIDs(q)).To(ConsistOf(ids["fast"]))
			Expect(q.Len()).To(Equal(1))
		})
	})

	Describe("Run", func() {
		BeforeEach(func() {
			cfg.WaitTime = 20 * time.Millisecond
		})

		It("returns an auth failure from receive", func() {
			q.ReceiveHook = func(call int) error {
				return queue.NewAuthError("receive", "AWS.SimpleQueueService.NonExistentQueue", errors.New("no such queue"))
			}

			err := newConsumer(q, failOnPrefix).Run(ctx)

			Expect(queue.IsAuth(err)).To(BeTrue())
		})

		It("keeps polling after a transient receive failure", func() {
			q.ReceiveHook = func(call int) error {
				if call == 1 {
					return queue.NewTransientError("receive", "", errors.New("connection reset"))
				}
				return nil
			}
			send(q, "ok-1")

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			result := make(chan error, 1)
			go func() { result <- newConsumer(q, failOnPrefix).Run(runCtx) }()

			Eventually(q.Len, 5*time.Second).Should(BeZero())
			cancel()
			Eventually(result).Should(Receive(BeNil()))
		})

		It("returns nil once the context is cancelled", func() {
			runCtx, cancel := context.WithCancel(ctx)
			result := make(chan error, 1)
			go func() { result <- newConsumer(q, failOnPrefix).Run(runCtx) }()

			cancel()
			Eventually(result).Should(Receive(BeNil()))
		})
	})

	Describe("LogHandler", func() {
		It("logs the message body as text and succeeds", func() {
			core, logs := observer.New(zapcore.InfoLevel)
			restore := logger.Replace(zap.New(core))
			defer restore()

			err := consumer.LogHandler{}.Handle(ctx, queue.Message{ID: "m-1", Body: []byte(`{"username":"a"}`), ReceiveCount: 2})

			Expect(err).NotTo(HaveOccurred())
			entries := logs.FilterMessage("Message received").All()
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].ContextMap()).To(HaveKeyWithValue("body", `{"username":"a"}`))
			Expect(entries[0].ContextMap()).To(HaveKeyWithValue("message_id", "m-1"))
		})
	})
})
