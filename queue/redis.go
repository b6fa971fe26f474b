package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"vidpipe/logger"
	"vidpipe/utils"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Every multi-key step runs as a Lua script so a receive, extend or ack is
// atomic with respect to other consumers. Expired leases are moved back to
// the ready list lazily, at the start of the next receive.
//
// KEYS: ready list, inflight zset, dead-letter list.
// ARGV: now ms, lease deadline ms, max, max receive, message key prefix, nonce.
var receiveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LPUSH', KEYS[1], id)
end
local out = {}
local max = tonumber(ARGV[3])
local maxReceive = tonumber(ARGV[4])
while #out < max do
  local id = redis.call('LPOP', KEYS[1])
  if not id then break end
  local mkey = ARGV[5] .. id
  if redis.call('EXISTS', mkey) == 1 then
    local count = tonumber(redis.call('HGET', mkey, 'count') or '0')
    if count >= maxReceive then
      redis.call('HDEL', mkey, 'receipt')
      redis.call('RPUSH', KEYS[3], id)
    else
      count = count + 1
      local receipt = id .. ':' .. count .. ':' .. ARGV[6]
      redis.call('HSET', mkey, 'count', count, 'receipt', receipt)
      redis.call('ZADD', KEYS[2], ARGV[2], id)
      table.insert(out, {id, redis.call('HGET', mkey, 'body'), redis.call('HGET', mkey, 'attrs'), count, receipt})
    end
  end
end
return out
`)

// KEYS: inflight zset, message hash. ARGV: receipt, new deadline ms, id.
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[1] then return 0 end
if not redis.call('ZSCORE', KEYS[1], ARGV[3]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[3])
return 1
`)

// KEYS: inflight zset, message hash, ready list. ARGV: receipt, id.
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], 'receipt') ~= ARGV[1] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('LREM', KEYS[3], 0, ARGV[2])
redis.call('DEL', KEYS[2])
return 1
`)

// RedisQueue keeps jobs in Redis. All keys share one hash tag so the
// scripts also work against a cluster.
type RedisQueue struct {
	client     redis.UniversalClient
	base       string
	visibility time.Duration
	maxReceive int
	now        func() time.Time
}

// RedisOptions configure NewRedis.
type RedisOptions struct {
	Key        string
	Visibility time.Duration
	MaxReceive int
	Now        func() time.Time
}

func NewRedis(client redis.UniversalClient, opts RedisOptions) *RedisQueue {
	if opts.Key == "" {
		opts.Key = "vidpipe:jobs"
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.MaxReceive <= 0 {
		opts.MaxReceive = 5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RedisQueue{
		client:     client,
		base:       "{" + opts.Key + "}",
		visibility: opts.Visibility,
		maxReceive: opts.MaxReceive,
		now:        opts.Now,
	}
}

func (q *RedisQueue) readyKey() string    { return q.base + ":ready" }
func (q *RedisQueue) inflightKey() string { return q.base + ":inflight" }
func (q *RedisQueue) deadKey() string     { return q.base + ":dlq" }
func (q *RedisQueue) msgPrefix() string   { return q.base + ":msg:" }
func (q *RedisQueue) msgKey(id string) string {
	return q.msgPrefix() + id
}

func (q *RedisQueue) Enqueue(ctx context.Context, body []byte, attrs map[string]string) (string, error) {
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.msgKey(id), "body", body, "attrs", encoded, "count", 0)
		pipe.RPush(ctx, q.readyKey(), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis enqueue: %w", err)
	}
	return id, nil
}

func (q *RedisQueue) Receive(ctx context.Context, limit int, wait time.Duration) ([]Message, error) {
	if limit <= 0 {
		limit = 1
	}
	deadline := time.Now().Add(wait)
	for {
		msgs, err := q.receiveOnce(ctx, limit)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if err := sleepCtx(ctx, min(pollInterval, remaining)); err != nil {
			return nil, err
		}
	}
}

func (q *RedisQueue) receiveOnce(ctx context.Context, limit int) ([]Message, error) {
	nonce, err := utils.GenerateRandomHex(4)
	if err != nil {
		return nil, err
	}
	now := q.now()
	res, err := receiveScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey(), q.deadKey()},
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), limit, q.maxReceive, q.msgPrefix(), nonce,
	).Slice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis receive: %w", err)
	}

	out := make([]Message, 0, len(res))
	for _, raw := range res {
		row, ok := raw.([]interface{})
		if !ok || len(row) != 5 {
			return out, fmt.Errorf("redis receive: unexpected reply %v", raw)
		}
		msg := Message{
			ID:            asString(row[0]),
			Body:          []byte(asString(row[1])),
			ReceiptHandle: asString(row[4]),
		}
		msg.ReceiveCount, _ = strconv.Atoi(asString(row[3]))
		if attrs := asString(row[2]); attrs != "" && attrs != "null" {
			if err := json.Unmarshal([]byte(attrs), &msg.Attributes); err != nil {
				logger.Warnf("Dropping malformed attributes of message %s: %v", msg.ID, err)
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// ExtendLease only works while the message is still leased; once an
// expired lease has been swept back to the ready list the receipt is stale.
func (q *RedisQueue) ExtendLease(ctx context.Context, msg Message, d time.Duration) error {
	deadline := q.now().Add(d).UnixMilli()
	ok, err := extendScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.msgKey(msg.ID)},
		msg.ReceiptHandle, deadline, msg.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis extend: %w", err)
	}
	if ok == 0 {
		return ErrStaleReceipt
	}
	return nil
}

func (q *RedisQueue) Acknowledge(ctx context.Context, msg Message) error {
	ok, err := ackScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.msgKey(msg.ID), q.readyKey()},
		msg.ReceiptHandle, msg.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	if ok == 0 {
		return ErrStaleReceipt
	}
	return nil
}

// DeadLetters reads the dead-letter list.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	ids, err := q.client.LRange(ctx, q.deadKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		fields, err := q.client.HGetAll(ctx, q.msgKey(id)).Result()
		if err != nil {
			return out, fmt.Errorf("redis dead letters: %w", err)
		}
		dl := DeadLetter{ID: id, Body: []byte(fields["body"])}
		dl.ReceiveCount, _ = strconv.Atoi(fields["count"])
		if a := fields["attrs"]; a != "" && a != "null" {
			_ = json.Unmarshal([]byte(a), &dl.Attributes)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Ping checks the connection, used by the health endpoint.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}
