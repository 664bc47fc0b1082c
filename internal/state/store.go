// Package state persists pipeline run state in Redis.
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is the key-value surface the pipeline needs from its state backend.
type Store interface {
	GetFields(ctx context.Context, key string) (map[string]string, error)
	SetFields(ctx context.Context, key string, fields map[string]any) error
	IncrementField(ctx context.Context, key, field string, by int64) (int64, error)
	// IncrementFieldIfExists is IncrementField that leaves a missing key
	// missing; found reports whether key existed.
	IncrementFieldIfExists(ctx context.Context, key, field string, by int64) (n int64, found bool, err error)
	// CompareAndSetField sets field to value only if its current value equals
	// expected. A missing field compares equal to "".
	CompareAndSetField(ctx context.Context, key, field, expected, value string) (bool, error)

	AddToSet(ctx context.Context, key string, members ...string) error
	RemoveFromSet(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, ttl time.Duration, keys ...string) error
	Delete(ctx context.Context, keys ...string) error

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// SetIfExists sets key only while guard exists.
	SetIfExists(ctx context.Context, guard, key, value string, ttl time.Duration) (bool, error)
	// ReleaseIfOwner deletes key only when it still holds owner.
	ReleaseIfOwner(ctx context.Context, key, owner string) (bool, error)

	Close() error
}

// DefaultOpTimeout bounds every Redis round trip.
const DefaultOpTimeout = 5 * time.Second

var compareAndSetScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false then cur = '' end
if cur == ARGV[2] then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
  return 1
end
return 0
`)

var incrIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
return redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
`)

var setIfExistsScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if tonumber(ARGV[2]) > 0 then
  redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
else
  redis.call('SET', KEYS[2], ARGV[1])
end
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisStore implements Store on go-redis.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. opTimeout <= 0 uses DefaultOpTimeout.
func NewRedisStore(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}
	return &RedisStore{client: client, opTimeout: opTimeout}
}

// OpenRedis connects to the Redis server at url (redis://...) and verifies it
// with a PING.
func OpenRedis(ctx context.Context, url string, opTimeout time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opTimeout > 0 {
		opts.ReadTimeout = opTimeout
		opts.WriteTimeout = opTimeout
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisStore(client, opTimeout), nil
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) GetFields(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) SetFields(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.HSet(ctx, key, fields).Err()
}

func (s *RedisStore) IncrementField(ctx context.Context, key, field string, by int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.HIncrBy(ctx, key, field, by).Result()
}

func (s *RedisStore) IncrementFieldIfExists(ctx context.Context, key, field string, by int64) (int64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := incrIfExistsScript.Run(ctx, s.client, []string{key}, field, by).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (s *RedisStore) CompareAndSetField(ctx context.Context, key, field, expected, value string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := compareAndSetScript.Run(ctx, s.client, []string{key}, field, expected, value).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) AddToSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.SAdd(ctx, key, toAny(members)...).Err()
}

func (s *RedisStore) RemoveFromSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.SRem(ctx, key, toAny(members)...).Err()
}

func (s *RedisStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.SMembers(ctx, key).Result()
}

// Keys enumerates keys with SCAN so large keyspaces are not blocked.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RedisStore) Expire(ctx context.Context, ttl time.Duration, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Del(ctx, keys...).Err()
}

// Get returns the string value at key; found is false when the key is absent.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) SetIfExists(ctx context.Context, guard, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := setIfExistsScript.Run(ctx, s.client, []string{guard, key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) ReleaseIfOwner(ctx context.Context, key, owner string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := releaseScript.Run(ctx, s.client, []string{key}, owner).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
