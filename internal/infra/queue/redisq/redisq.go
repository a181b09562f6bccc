// Package redisq implements task.Transport on Redis.
//
// Each queue uses two kinds of keys:
//
//	<prefix>:<queue>:visible   sorted set of message ids scored by visible-at (unix ms)
//	<prefix>:<queue>:msg:<id>  hash with body, receive_count, handle and sent_at
//
// Receiving, deleting and extending run as Lua scripts so that a delivery
// handle is checked and changed atomically with the visibility score.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"taskrelay/internal/usecase/task"
)

const (
	defaultPrefix    = "taskrelay"
	defaultPollEvery = 100 * time.Millisecond
)

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Prefix namespaces every key; defaults to "taskrelay"
	Prefix string

	// PollEvery is the pause between empty receive attempts while waiting
	PollEvery time.Duration
}

// receiveScript claims up to ARGV[2] due messages.
// KEYS[1] visible set; ARGV[1] now ms; ARGV[3] visibility ms; ARGV[4] message key prefix;
// ARGV[5..] one fresh handle per claimable message.
var receiveScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
local visible = tonumber(ARGV[1]) + tonumber(ARGV[3])
for i, id in ipairs(ids) do
  local key = ARGV[4] .. id
  if redis.call('EXISTS', key) == 1 then
    local count = redis.call('HINCRBY', key, 'receive_count', 1)
    local handle = ARGV[4 + i]
    redis.call('HSET', key, 'handle', handle)
    redis.call('ZADD', KEYS[1], visible, id)
    local fields = redis.call('HMGET', key, 'body', 'sent_at')
    table.insert(out, {id, handle, fields[1], count, fields[2]})
  else
    redis.call('ZREM', KEYS[1], id)
  end
end
return out
`)

// deleteScript removes a message if ARGV[1] is its current handle.
// KEYS[1] visible set; KEYS[2] message hash; ARGV[2] message id.
var deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'handle') ~= ARGV[1] then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[1], ARGV[2])
return 1
`)

// extendScript moves the visible-at score if ARGV[1] is the current handle.
// KEYS[1] visible set; KEYS[2] message hash; ARGV[2] message id; ARGV[3] visible-at ms.
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'handle') ~= ARGV[1] then
  return 0
end
redis.call('ZADD', KEYS[1], tonumber(ARGV[3]), ARGV[2])
return 1
`)

// Transport is a Redis-backed task.Transport.
type Transport struct {
	client    *redis.Client
	prefix    string
	pollEvery time.Duration
	now       func() time.Time
}

var _ task.Transport = (*Transport)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client, cfg.Prefix, cfg.PollEvery), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, pollEvery time.Duration) *Transport {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if pollEvery <= 0 {
		pollEvery = defaultPollEvery
	}
	return &Transport{client: client, prefix: prefix, pollEvery: pollEvery, now: time.Now}
}

func (t *Transport) visibleKey(queue string) string {
	return t.prefix + ":" + queue + ":visible"
}

func (t *Transport) messagePrefix(queue string) string {
	return t.prefix + ":" + queue + ":msg:"
}

func (t *Transport) messageKey(queue, id string) string {
	return t.messagePrefix(queue) + id
}

// A handle is "<id>.<token>"; the token is what the message hash stores.
func splitHandle(handle string) (id string, ok bool) {
	id, _, ok = strings.Cut(handle, ".")
	return id, ok && id != ""
}

// Send stores the message hash and schedules it on the visible set.
func (t *Transport) Send(ctx context.Context, queue string, body []byte, delay time.Duration) (string, error) {
	if delay < 0 {
		delay = 0
	}
	id := uuid.NewString()
	now := t.now()

	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, t.messageKey(queue, id),
			"body", body,
			"receive_count", 0,
			"sent_at", now.UnixMilli())
		pipe.ZAdd(ctx, t.visibleKey(queue), redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: id,
		})
		return nil
	})
	if err != nil {
		return "", task.NewTransportError("send", queue, err)
	}
	return id, nil
}

// Receive polls for due messages until one arrives or wait elapses.
func (t *Transport) Receive(ctx context.Context, queue string, max int, wait, visibility time.Duration) ([]task.Message, error) {
	if max <= 0 {
		return nil, nil
	}
	deadline := time.Now().Add(wait)
	for {
		msgs, err := t.claim(ctx, queue, max, visibility)
		if err != nil {
			return nil, task.NewTransportError("receive", queue, err)
		}
		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		pause := min(t.pollEvery, remaining)
		timer := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, task.NewTransportError("receive", queue, ctx.Err())
		case <-timer.C:
		}
	}
}

func (t *Transport) claim(ctx context.Context, queue string, max int, visibility time.Duration) ([]task.Message, error) {
	args := make([]interface{}, 0, 4+max)
	args = append(args, t.now().UnixMilli(), max, visibility.Milliseconds(), t.messagePrefix(queue))
	for i := 0; i < max; i++ {
		args = append(args, uuid.NewString())
	}

	raw, err := receiveScript.Run(ctx, t.client, []string{t.visibleKey(queue)}, args...).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return parseClaimed(raw)
}

// parseClaimed converts receiveScript rows into messages.
func parseClaimed(raw []interface{}) ([]task.Message, error) {
	msgs := make([]task.Message, 0, len(raw))
	for _, row := range raw {
		fields, ok := row.([]interface{})
		if !ok || len(fields) != 5 {
			return nil, fmt.Errorf("unexpected receive row %v", row)
		}
		id, _ := fields[0].(string)
		token, _ := fields[1].(string)
		body, _ := fields[2].(string)
		count, _ := fields[3].(int64)

		msg := task.Message{
			ID:           id,
			Handle:       id + "." + token,
			Body:         []byte(body),
			ReceiveCount: int(count),
		}
		if sentAt, ok := fields[4].(string); ok {
			if ms, err := strconv.ParseInt(sentAt, 10, 64); err == nil {
				msg.SentAt = time.UnixMilli(ms)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Delete removes the message if handle is its latest delivery.
func (t *Transport) Delete(ctx context.Context, queue, handle string) error {
	id, ok := splitHandle(handle)
	if !ok {
		return task.NewTransportError("delete", queue, task.ErrStaleHandle)
	}
	n, err := deleteScript.Run(ctx, t.client,
		[]string{t.visibleKey(queue), t.messageKey(queue, id)},
		storedHandle(handle), id).Int()
	if err != nil {
		return task.NewTransportError("delete", queue, err)
	}
	if n == 0 {
		return task.NewTransportError("delete", queue, task.ErrStaleHandle)
	}
	return nil
}

// ExtendVisibility hides the message for timeout from now if handle is its latest delivery.
func (t *Transport) ExtendVisibility(ctx context.Context, queue, handle string, timeout time.Duration) error {
	id, ok := splitHandle(handle)
	if !ok {
		return task.NewTransportError("extend", queue, task.ErrStaleHandle)
	}
	if timeout < 0 {
		timeout = 0
	}
	n, err := extendScript.Run(ctx, t.client,
		[]string{t.visibleKey(queue), t.messageKey(queue, id)},
		storedHandle(handle), id, t.now().Add(timeout).UnixMilli()).Int()
	if err != nil {
		return task.NewTransportError("extend", queue, err)
	}
	if n == 0 {
		return task.NewTransportError("extend", queue, task.ErrStaleHandle)
	}
	return nil
}

// storedHandle is the token part of a handle, as kept in the message hash.
func storedHandle(handle string) string {
	_, token, _ := strings.Cut(handle, ".")
	return token
}

// Len returns the number of messages in queue, visible or not.
func (t *Transport) Len(ctx context.Context, queue string) (int64, error) {
	return t.client.ZCard(ctx, t.visibleKey(queue)).Result()
}

// Close closes the Redis client.
func (t *Transport) Close() error {
	if t == nil || t.client == nil {
		return nil
	}
	return t.client.Close()
}
