package cacheinfra

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// redisService stores msgpack encoded values in Redis. The value type is taken
// from the fetch function's first result, so hits decode into the same T the
// caller asked for.
type redisService struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisService connects to the Redis instance described by cfg.Redis.
func NewRedisService(cfg Config) (*redisService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Redis == nil {
		return nil, &ConfigError{Field: "Redis", Message: "is required for the redis backend"}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	return NewRedisServiceWithClient(client, cfg.TTL, cfg.Redis.KeyPrefix), nil
}

// NewRedisServiceWithClient wraps an existing client.
func NewRedisServiceWithClient(client redis.UniversalClient, ttl time.Duration, prefix string) *redisService {
	return &redisService{client: client, ttl: ttl, prefix: prefix}
}

// GetOrFetch reads key from Redis and falls back to fetchFn on a miss.
// Redis failures degrade to a direct fetch: the cache never fails a read the
// database could have served.
func (s *redisService) GetOrFetch(ctx context.Context, key string, fetchFn any) (any, error) {
	if err := validateFetchFn(fetchFn); err != nil {
		return nil, err
	}

	fullKey := s.prefix + key
	data, err := s.client.Get(ctx, fullKey).Bytes()
	if err == nil {
		if value, decodeErr := decodeValue(data, resultType(fetchFn)); decodeErr == nil {
			return value, nil
		}
	}

	value, err := callFetch(ctx, fetchFn)
	if err != nil {
		return nil, err
	}

	if encoded, encodeErr := msgpack.Marshal(value); encodeErr == nil {
		_ = s.client.Set(ctx, fullKey, encoded, s.ttl).Err()
	}

	return value, nil
}

// Delete removes a single key.
func (s *redisService) Delete(ctx context.Context, key string) error {
	err := s.client.Del(ctx, s.prefix+key).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// DeleteByPrefix scans for keys starting with prefix and deletes them in batches.
func (s *redisService) DeleteByPrefix(ctx context.Context, prefix string) error {
	pattern := escapeGlob(s.prefix+prefix) + "*"
	iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()

	batch := make([]string, 0, 200)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := s.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return s.client.Del(ctx, batch...).Err()
	}
	return nil
}

// InvalidateKeys removes the given keys.
func (s *redisService) InvalidateKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = s.prefix + key
	}
	return s.client.Del(ctx, full...).Err()
}

// Close releases the underlying connection pool.
func (s *redisService) Close() error {
	return s.client.Close()
}

func decodeValue(data []byte, typ reflect.Type) (any, error) {
	target := reflect.New(typ)
	if err := msgpack.Unmarshal(data, target.Interface()); err != nil {
		return nil, err
	}
	return target.Elem().Interface(), nil
}

func escapeGlob(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)
	return replacer.Replace(s)
}
