package admission

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the narrow capability handle admission needs from a Redis
// connection. Returning plain Go types (rather than *redis.IntCmd etc.)
// keeps the package testable against an in-memory fake without pulling the
// go-redis client into test code.
type RedisClient interface {
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, value int64) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	DecrBy(ctx context.Context, key string, value int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) (int64, error)
}

// RealRedis adapts a *redis.Client to RedisClient.
type RealRedis struct {
	Client *redis.Client
}

func NewRealRedis(client *redis.Client) *RealRedis {
	return &RealRedis{Client: client}
}

func (r *RealRedis) Incr(ctx context.Context, key string) (int64, error) {
	return r.Client.Incr(ctx, key).Result()
}

func (r *RealRedis) IncrBy(ctx context.Context, key string, value int64) (int64, error) {
	return r.Client.IncrBy(ctx, key, value).Result()
}

func (r *RealRedis) Decr(ctx context.Context, key string) (int64, error) {
	return r.Client.Decr(ctx, key).Result()
}

func (r *RealRedis) DecrBy(ctx context.Context, key string, value int64) (int64, error) {
	return r.Client.DecrBy(ctx, key, value).Result()
}

func (r *RealRedis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.Client.Expire(ctx, key, ttl).Err()
}

func (r *RealRedis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RealRedis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.Client.Set(ctx, key, value, ttl).Err()
}

func (r *RealRedis) Del(ctx context.Context, key string) (int64, error) {
	return r.Client.Del(ctx, key).Result()
}
