package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// Redis 基于 go-redis 实现共享键值存储。
type Redis struct {
	client *redis.Client
}

// NewRedis 创建 Redis 存储实例并验证连通性。
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &Redis{client: client}, nil
}

// Get 实现 Store 接口。
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("Redis GET 失败: %w", err)
	}
	return value, true, nil
}

// SetWithTTL 实现 Store 接口。
func (r *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("Redis SET 失败: %w", err)
	}
	return nil
}

// SetNX 实现 Store 接口。
func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("Redis SETNX 失败: %w", err)
	}
	return ok, nil
}

// Delete 实现 Store 接口。
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("Redis DEL 失败: %w", err)
	}
	return nil
}

// Exists 实现 Store 接口。
func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	count, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("Redis EXISTS 失败: %w", err)
	}
	return count > 0, nil
}

// ListPush 实现 Store 接口。
func (r *Redis) ListPush(ctx context.Context, key, value string) error {
	if err := r.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("Redis RPUSH 失败: %w", err)
	}
	return nil
}

// ListRange 实现 Store 接口。
func (r *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis LRANGE 失败: %w", err)
	}
	return values, nil
}

// ListRemove 实现 Store 接口。
func (r *Redis) ListRemove(ctx context.Context, key, value string, count int64) error {
	if err := r.client.LRem(ctx, key, count, value).Err(); err != nil {
		return fmt.Errorf("Redis LREM 失败: %w", err)
	}
	return nil
}

// ListLen 实现 Store 接口。
func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	length, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("Redis LLEN 失败: %w", err)
	}
	return length, nil
}

// Publish 通过 Redis Pub/Sub 推送实时通知。
func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("Redis PUBLISH 失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Store = (*Redis)(nil)
