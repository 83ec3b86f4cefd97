package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultTTL = 60 * time.Second

// Entry is one cached payload and the moment it was stored.
type Entry struct {
	Key      string
	Payload  []byte
	StoredAt time.Time
}

// Backend persists entries. Stale slots hold payloads evicted by TTL so the
// fetch layer can still serve them when the network is gone.
//
// Evict moves entry from its live slot to its stale slot only if the live
// slot still holds that exact write. It reports false when a newer Save got
// there first, in which case nothing changes.
type Backend interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Save(ctx context.Context, entry Entry) error
	Remove(ctx context.Context, key string) error
	Evict(ctx context.Context, entry Entry) (bool, error)
	LoadStale(ctx context.Context, key string) (Entry, bool, error)
	RemoveStale(ctx context.Context, key string) error
}

// Metrics receives cache lookup outcomes.
type Metrics interface {
	RecordCacheLookup(result string)
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// Cache is a key/value store with time-to-live. Expired entries are evicted
// lazily on the next Get.
type Cache struct {
	backend Backend
	ttl     time.Duration
	now     func() time.Time
	metrics Metrics
	logger  zerolog.Logger
}

func New(backend Backend, ttl time.Duration, opts ...Option) *Cache {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		backend: backend,
		ttl:     ttl,
		now:     time.Now,
		logger:  log.With().Str("component", "cache").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the payload while now - StoredAt < TTL. An expired entry is
// removed and parked in its stale slot, unless a concurrent Set replaced it
// after the load, in which case the fresh value is returned.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	return c.get(ctx, key, true)
}

func (c *Cache) get(ctx context.Context, key string, retry bool) ([]byte, bool) {
	entry, ok, err := c.backend.Load(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache load failed")
		c.record("error")
		return nil, false
	}
	if !ok {
		c.record("miss")
		return nil, false
	}
	if c.now().Sub(entry.StoredAt) >= c.ttl {
		evicted, err := c.backend.Evict(ctx, entry)
		if err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache evict failed")
		}
		if err == nil && !evicted && retry {
			return c.get(ctx, key, false)
		}
		c.record("expired")
		return nil, false
	}
	c.record("hit")
	return entry.Payload, true
}

// Set overwrites key and stamps the current time.
func (c *Cache) Set(ctx context.Context, key string, payload []byte) error {
	return c.backend.Save(ctx, Entry{
		Key:      key,
		Payload:  append([]byte(nil), payload...),
		StoredAt: c.now(),
	})
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.backend.Remove(ctx, key); err != nil {
		return err
	}
	return c.backend.RemoveStale(ctx, key)
}

// Stale returns the last known payload for key regardless of age.
func (c *Cache) Stale(ctx context.Context, key string) (Entry, bool) {
	if entry, ok, err := c.backend.Load(ctx, key); err == nil && ok {
		return entry, true
	}
	entry, ok, err := c.backend.LoadStale(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache stale load failed")
		return Entry{}, false
	}
	return entry, ok
}

func (c *Cache) record(result string) {
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(result)
	}
}
