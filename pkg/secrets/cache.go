package secrets

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psantana5/safeinit/pkg/config"
	"github.com/psantana5/safeinit/pkg/logging"
)

// Cache stores resolved secret values keyed by secret ARN.
type Cache interface {
	Get(ctx context.Context, arn string) (string, bool)
	Set(ctx context.Context, arn, value string)
}

// RedisAPI is the subset of the go-redis client used by RedisCache.
type RedisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache keeps secret values in Redis under prefix+ARN with a TTL.
// Every failure is logged and treated as a cache miss.
type RedisCache struct {
	client RedisAPI
	prefix string
	ttl    time.Duration
	logger *logging.Logger
}

// NewRedisCache connects to the Redis server named in cfg.
func NewRedisCache(cfg config.Secrets, l *logging.Logger) *RedisCache {
	client := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.RedisHost, cfg.RedisPort),
		DB:       cfg.RedisDB,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	return NewRedisCacheWithClient(client, cfg.CachePrefix, cfg.CacheTTL, l)
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client RedisAPI, prefix string, ttl time.Duration, l *logging.Logger) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, logger: l}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, arn string) (string, bool) {
	log := logging.OrDefault(c.logger)
	val, err := c.client.Get(ctx, c.prefix+arn).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		log.Exception("Suppressed exception in secret cache lookup", err, map[string]interface{}{"secret_arn": arn})
		return "", false
	}
	if val == "" {
		return "", false
	}
	log.Debug("Secret retrieved from cache", map[string]interface{}{"secret_arn": arn})
	return val, true
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, arn, value string) {
	log := logging.OrDefault(c.logger)
	if err := c.client.Set(ctx, c.prefix+arn, value, c.ttl).Err(); err != nil {
		log.Exception("Suppressed exception in secret cache store", err, map[string]interface{}{"secret_arn": arn})
		return
	}
	log.Debug("Secret saved in cache", map[string]interface{}{"secret_arn": arn})
}
