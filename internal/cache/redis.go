package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iabetor/feedrelay/internal/gitter"
)

const redisKeyPrefix = "feedrelay:http_cache:"

// RedisCache 把条件请求缓存保存在 Redis 中，多个实例可以共享。
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOptions Redis 连接参数。
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // 0 表示永不过期
}

// NewRedisCache 连接 Redis 并确认可用。
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 redis %s 失败: %w", opts.Addr, err)
	}
	return &RedisCache{client: client, ttl: opts.TTL}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (gitter.CacheEntry, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return gitter.CacheEntry{}, gitter.ErrCacheMiss
	}
	if err != nil {
		return gitter.CacheEntry{}, fmt.Errorf("读取 redis 缓存失败: %w", err)
	}
	var entry gitter.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return gitter.CacheEntry{}, fmt.Errorf("解析缓存内容失败: %w", err)
	}
	return entry, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, entry gitter.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化缓存内容失败: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("写入 redis 缓存失败: %w", err)
	}
	return nil
}

// Close 关闭连接池。
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Purge 删除所有 feedrelay 写入的缓存键，返回删除的数量。
func (c *RedisCache) Purge(ctx context.Context) (int64, error) {
	var n int64
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		deleted, err := c.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return n, fmt.Errorf("删除 redis 缓存失败: %w", err)
		}
		n += deleted
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("遍历 redis 缓存失败: %w", err)
	}
	return n, nil
}
