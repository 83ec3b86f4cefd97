package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "coinpulse:cache"

// KEYS: payload, meta, stale payload, stale meta.
// ARGV: expected meta, expected payload, stale retention in ms.
var evictScript = redis.NewScript(`
if redis.call("GET", KEYS[2]) ~= ARGV[1] or redis.call("GET", KEYS[1]) ~= ARGV[2] then
  return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call("SET", KEYS[3], ARGV[2], "PX", ttl)
  redis.call("SET", KEYS[4], ARGV[1], "PX", ttl)
else
  redis.call("SET", KEYS[3], ARGV[2])
  redis.call("SET", KEYS[4], ARGV[1])
end
redis.call("DEL", KEYS[1], KEYS[2])
return 1
`)

// NewRedisClient connects to addr, which may be host:port or a redis:// URL.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisBackend stores each payload next to a metadata key holding the
// unix-millis timestamp it was written at.
type RedisBackend struct {
	client         redis.Cmdable
	prefix         string
	staleRetention time.Duration
}

func NewRedisBackend(client redis.Cmdable, prefix string, staleRetention time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisBackend{client: client, prefix: prefix, staleRetention: staleRetention}
}

func (r *RedisBackend) payloadKey(key string) string { return r.prefix + ":" + key }
func (r *RedisBackend) metaKey(key string) string    { return r.prefix + ":" + key + ":meta" }
func (r *RedisBackend) stalePayloadKey(key string) string {
	return r.prefix + ":stale:" + key
}
func (r *RedisBackend) staleMetaKey(key string) string {
	return r.prefix + ":stale:" + key + ":meta"
}

func (r *RedisBackend) Load(ctx context.Context, key string) (Entry, bool, error) {
	return r.load(ctx, key, r.payloadKey(key), r.metaKey(key))
}

func (r *RedisBackend) LoadStale(ctx context.Context, key string) (Entry, bool, error) {
	return r.load(ctx, key, r.stalePayloadKey(key), r.staleMetaKey(key))
}

func (r *RedisBackend) load(ctx context.Context, key, payloadKey, metaKey string) (Entry, bool, error) {
	vals, err := r.client.MGet(ctx, payloadKey, metaKey).Result()
	if err != nil {
		return Entry{}, false, err
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Entry{}, false, nil
	}
	payload, ok := vals[0].(string)
	if !ok {
		return Entry{}, false, fmt.Errorf("unexpected payload type %T", vals[0])
	}
	rawTS, ok := vals[1].(string)
	if !ok {
		return Entry{}, false, fmt.Errorf("unexpected meta type %T", vals[1])
	}
	ms, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse cache timestamp: %w", err)
	}
	return Entry{Key: key, Payload: []byte(payload), StoredAt: time.UnixMilli(ms)}, true, nil
}

func (r *RedisBackend) Save(ctx context.Context, entry Entry) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.payloadKey(entry.Key), entry.Payload, 0)
		pipe.Set(ctx, r.metaKey(entry.Key), strconv.FormatInt(entry.StoredAt.UnixMilli(), 10), 0)
		pipe.Del(ctx, r.stalePayloadKey(entry.Key), r.staleMetaKey(entry.Key))
		return nil
	})
	return err
}

// Evict runs as a script so the compare and the move happen in one step on
// the server.
func (r *RedisBackend) Evict(ctx context.Context, entry Entry) (bool, error) {
	keys := []string{
		r.payloadKey(entry.Key), r.metaKey(entry.Key),
		r.stalePayloadKey(entry.Key), r.staleMetaKey(entry.Key),
	}
	n, err := evictScript.Run(ctx, r.client, keys,
		strconv.FormatInt(entry.StoredAt.UnixMilli(), 10),
		string(entry.Payload),
		r.staleRetention.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisBackend) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.payloadKey(key), r.metaKey(key)).Err()
}

func (r *RedisBackend) RemoveStale(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.stalePayloadKey(key), r.staleMetaKey(key)).Err()
}
