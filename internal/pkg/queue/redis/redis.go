package redisQueue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"sqs-relay/internal/pkg/logger"
	"sqs-relay/internal/pkg/queue"
)

var _ queue.Client = (*RedisActions)(nil)

const defaultVisibilityTimeout = 30 * time.Second

// RedisActions implements queue.Client on Redis.
//
// Keys under Config.KeyPrefix:
//
//	<prefix>:ready       list of visible message ids (LPUSH in, RPOP out)
//	<prefix>:inflight    zset of received ids scored by visibility deadline (unix ms)
//	<prefix>:delayed     zset of delayed ids scored by visible-at (unix ms)
//	<prefix>:msg:<id>    hash with body, sentAt, receiveCount, receipt, attributes
type RedisActions struct {
	Client *redis.Client // Redis client
	Config *Config       // Configuration for Redis queue

	now func() time.Time
}

type Config struct {
	KeyPrefix string // Prefix for all queue keys
}

// NewClient creates a new redis client
func NewClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
}

// New creates a new RedisActions instance.
func New(client *redis.Client, cfg *Config) (*RedisActions, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg == nil || cfg.KeyPrefix == "" {
		return nil, errors.New("key prefix is required")
	}
	return &RedisActions{Client: client, Config: cfg, now: time.Now}, nil
}

// WithClock replaces the clock used for visibility deadlines.
func (q *RedisActions) WithClock(now func() time.Time) *RedisActions {
	q.now = now
	return q
}

func (q *RedisActions) readyKey() string    { return q.Config.KeyPrefix + ":ready" }
func (q *RedisActions) inflightKey() string { return q.Config.KeyPrefix + ":inflight" }
func (q *RedisActions) delayedKey() string  { return q.Config.KeyPrefix + ":delayed" }
func (q *RedisActions) msgKey(id string) string {
	return q.Config.KeyPrefix + ":msg:" + id
}

// Probe pings Redis and returns the number of visible messages.
func (q *RedisActions) Probe(ctx context.Context) (int, error) {
	if err := q.Client.Ping(ctx).Err(); err != nil {
		return 0, classify("probe", err)
	}
	n, err := q.Client.LLen(ctx, q.readyKey()).Result()
	if err != nil {
		return 0, classify("probe", err)
	}
	return int(n), nil
}

// claimScript pops the oldest ready id and marks it in flight in one step, so
// an id is always in the ready list, the in-flight set, or deleted.
//
//	KEYS: ready, inflight
//	ARGV: message key prefix, receipt, visibility deadline (unix ms)
//
// Returns nil when the ready list is empty and {id} alone when the message
// was deleted after its id was queued.
var claimScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
local key = ARGV[1] .. id
if redis.call('EXISTS', key) == 0 then
  return {id}
end
redis.call('HSET', key, 'receipt', ARGV[2])
local count = redis.call('HINCRBY', key, 'receiveCount', 1)
redis.call('ZADD', KEYS[2], ARGV[3], id)
local f = redis.call('HMGET', key, 'body', 'sentAt', 'attributes')
return {id, f[1] or '', f[2] or '', f[3] or '', tostring(count)}
`)

// promoteScript requeues expired in-flight ids with their receipt cleared and
// moves due delayed ids to the ready list. Ids whose message is gone are dropped.
//
//	KEYS: inflight, delayed, ready
//	ARGV: now (unix ms), message key prefix
var promoteScript = redis.NewScript(`
local moved = 0
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  if redis.call('EXISTS', key) == 1 then
    redis.call('HSET', key, 'receipt', '')
    redis.call('RPUSH', KEYS[3], id)
    moved = moved + 1
  end
end
for _, id in ipairs(redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])) do
  redis.call('ZREM', KEYS[2], id)
  if redis.call('EXISTS', ARGV[2] .. id) == 1 then
    redis.call('LPUSH', KEYS[3], id)
    moved = moved + 1
  end
end
return moved
`)

// Receive requeues expired in-flight and due delayed messages, then claims up
// to opts.MaxMessages messages. When nothing is ready it waits once, for up
// to opts.WaitTime, for a message to arrive.
func (q *RedisActions) Receive(ctx context.Context, opts queue.ReceiveOptions) (queue.Batch, error) {
	if err := q.promote(ctx); err != nil {
		return nil, classify("receive", err)
	}

	limit := max(opts.MaxMessages, 1)
	visibility := opts.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}

	waited := opts.WaitTime <= 0
	var batch queue.Batch
	for len(batch) < limit {
		msg, ok, err := q.claim(ctx, visibility)
		if err == redis.Nil {
			if waited || len(batch) > 0 {
				break
			}
			waited = true
			if err := q.wait(ctx, opts.WaitTime); err != nil {
				if err == redis.Nil {
					break
				}
				return nil, classify("receive", err)
			}
			continue
		}
		if err != nil {
			if len(batch) > 0 {
				// Claimed messages are already in flight and are handed out as is.
				logger.Warn("redis claim failed mid-batch", zap.Error(err), zap.Int("claimed", len(batch)))
				break
			}
			return nil, classify("receive", err)
		}
		if ok {
			batch = append(batch, msg)
		}
	}
	return batch, nil
}

// wait blocks until the ready list is non-empty or d elapses. BLMOVE onto the
// same list and side leaves the list unchanged.
func (q *RedisActions) wait(ctx context.Context, d time.Duration) error {
	return q.Client.BLMove(ctx, q.readyKey(), q.readyKey(), "RIGHT", "RIGHT", d).Err()
}

// claim takes the next ready message with a fresh receipt handle. It returns
// redis.Nil when nothing is ready and ok false when the popped id had no message.
func (q *RedisActions) claim(ctx context.Context, visibility time.Duration) (queue.Message, bool, error) {
	receipt := uuid.NewString()
	deadline := q.now().Add(visibility).UnixMilli()

	res, err := claimScript.Run(ctx, q.Client,
		[]string{q.readyKey(), q.inflightKey()},
		q.msgKey(""), receipt, deadline,
	).StringSlice()
	if err != nil {
		return queue.Message{}, false, err
	}
	if len(res) < 5 {
		return queue.Message{}, false, nil
	}

	id := res[0]
	count, _ := strconv.Atoi(res[4])
	msg := queue.Message{
		ID:            id,
		ReceiptHandle: receipt,
		Body:          []byte(res[1]),
		ReceiveCount:  count,
		Attributes:    map[string]string{},
	}
	if ms, err := strconv.ParseInt(res[2], 10, 64); err == nil {
		msg.SentAt = time.UnixMilli(ms)
	}
	if raw := res[3]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &msg.Attributes); err != nil {
			logger.Warn("invalid stored attributes", zap.String("message_id", id), zap.Error(err))
		}
	}
	return msg, true, nil
}

// promote moves expired in-flight ids and due delayed ids back to the ready list.
func (q *RedisActions) promote(ctx context.Context) error {
	return promoteScript.Run(ctx, q.Client,
		[]string{q.inflightKey(), q.delayedKey(), q.readyKey()},
		q.now().UnixMilli(), q.msgKey(""),
	).Err()
}

// DeleteBatch deletes each delivery whose receipt handle is still current.
func (q *RedisActions) DeleteBatch(ctx context.Context, entries []queue.DeleteEntry) ([]queue.DeleteResult, error) {
	results := make([]queue.DeleteResult, len(entries))
	for i, e := range entries {
		results[i].Entry = e
		err := q.deleteOne(ctx, e)
		if err != nil {
			err = classify("delete", err)
			if queue.IsAuth(err) {
				return nil, err
			}
		}
		results[i].Err = err
	}
	return results, nil
}

var errStaleReceipt = errors.New("receipt handle is not current")

func (q *RedisActions) deleteOne(ctx context.Context, e queue.DeleteEntry) error {
	key := q.msgKey(e.ID)
	return q.Client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "receipt").Result()
		if err == redis.Nil {
			return nil // already deleted
		}
		if err != nil {
			return err
		}
		if current == "" || current != e.ReceiptHandle {
			return queue.NewValidationError("delete", "ReceiptHandleIsInvalid", errStaleReceipt)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, q.inflightKey(), e.ID)
			return nil
		})
		return err
	}, key)
}

// Send stores body and makes it visible after opts.Delay.
func (q *RedisActions) Send(ctx context.Context, body []byte, opts queue.SendOptions) (string, error) {
	if len(body) == 0 {
		return "", queue.NewValidationError("send", "EmptyBody", errors.New("message body is empty"))
	}

	attrs := ""
	if len(opts.Attributes) > 0 {
		raw, err := json.Marshal(opts.Attributes)
		if err != nil {
			return "", queue.NewValidationError("send", "InvalidAttributeValue", err)
		}
		attrs = string(raw)
	}

	id := uuid.NewString()
	now := q.now()
	_, err := q.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.msgKey(id), map[string]any{
			"body":         string(body),
			"sentAt":       now.UnixMilli(),
			"receiveCount": 0,
			"receipt":      "",
			"attributes":   attrs,
		})
		if opts.Delay > 0 {
			pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(now.Add(opts.Delay).UnixMilli()), Member: id})
		} else {
			pipe.LPush(ctx, q.readyKey(), id)
		}
		return nil
	})
	if err != nil {
		return "", classify("send", err)
	}
	return id, nil
}

var authPrefixes = []string{"NOAUTH", "WRONGPASS", "NOPERM"}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var qe *queue.Error
	if errors.As(err, &qe) {
		return err
	}
	msg := err.Error()
	for _, p := range authPrefixes {
		if strings.HasPrefix(msg, p) {
			return queue.NewAuthError(op, p, err)
		}
	}
	return queue.NewTransientError(op, "", err)
}
