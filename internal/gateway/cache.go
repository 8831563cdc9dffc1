package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss - в кеше нет сохранённого access token
var ErrCacheMiss = errors.New("access token not found in cache")

// tokenCacheKey - единый ключ на все экземпляры клиента:
// токен общий, гонки при обновлении безвредны (последний перезапишет)
const tokenCacheKey = "gateway:access_token"

// TokenCache хранит OAuth access token между вызовами и между воркерами
type TokenCache interface {
	// Get возвращает сохранённый токен или ErrCacheMiss
	Get(ctx context.Context) (string, error)
	// Set сохраняет токен с указанным TTL
	Set(ctx context.Context, token string, ttl time.Duration) error
	// Delete удаляет токен (например, после 401 от шлюза)
	Delete(ctx context.Context) error
}

// RedisTokenCache реализует TokenCache поверх Redis
type RedisTokenCache struct {
	client *redis.Client
}

// NewRedisTokenCache создаёт новый кеш токенов поверх указанного Redis клиента
func NewRedisTokenCache(client *redis.Client) *RedisTokenCache {
	return &RedisTokenCache{client: client}
}

// Get возвращает сохранённый токен или ErrCacheMiss
func (c *RedisTokenCache) Get(ctx context.Context) (string, error) {
	token, err := c.client.Get(ctx, tokenCacheKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", fmt.Errorf("get token from redis: %w", err)
	}
	return token, nil
}

// Set сохраняет токен с указанным TTL
func (c *RedisTokenCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	if err := c.client.Set(ctx, tokenCacheKey, token, ttl).Err(); err != nil {
		return fmt.Errorf("set token in redis: %w", err)
	}
	return nil
}

// Delete удаляет токен
func (c *RedisTokenCache) Delete(ctx context.Context) error {
	if err := c.client.Del(ctx, tokenCacheKey).Err(); err != nil {
		return fmt.Errorf("delete token from redis: %w", err)
	}
	return nil
}
