package dedup

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store remembers which source messages already produced a persisted alert.
// It is a hint in front of the database unique index, so callers treat its
// errors as "not seen".
type Store interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Noop is used when no Redis address is configured.
type Noop struct{}

func (Noop) Seen(context.Context, string) (bool, error) { return false, nil }
func (Noop) Mark(context.Context, string) error         { return nil }

type RedisStore struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
}

func NewRedisStore(rdb redis.UniversalClient, ttl time.Duration, prefix string) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "alerts:seen"
	}
	return &RedisStore{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Mark(ctx context.Context, key string) error {
	return s.rdb.SetNX(ctx, s.key(key), 1, s.ttl).Err()
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

// Open returns a RedisStore for addr, or Noop when addr is empty.
func Open(addr, password string, ttl time.Duration) (Store, func() error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return Noop{}, func() error { return nil }
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
	return NewRedisStore(rdb, ttl, ""), rdb.Close
}

// ReadyCheck pings Redis; it is nil-safe for the Noop store.
func ReadyCheck(s Store) func(context.Context) error {
	rs, ok := s.(*RedisStore)
	if !ok {
		return nil
	}
	return func(ctx context.Context) error {
		return rs.rdb.Ping(ctx).Err()
	}
}
