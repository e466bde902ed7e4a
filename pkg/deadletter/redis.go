package deadletter

import (
	"context"
	"fmt"
	"net/url"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list used when the destination has no ?key=.
const DefaultRedisKey = "safe-init-dead-letters"

// RedisAPI is the subset of the go-redis client used by RedisSink.
type RedisAPI interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Close() error
}

// RedisSink appends each message to a Redis list.
type RedisSink struct {
	client RedisAPI
	key    string
}

// NewRedisSink connects to a redis:// destination. The optional key query
// parameter names the list.
func NewRedisSink(dest string) (*RedisSink, error) {
	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("invalid redis destination: %w", err)
	}
	q := u.Query()
	key := q.Get("key")
	if key == "" {
		key = DefaultRedisKey
	}
	q.Del("key")
	u.RawQuery = q.Encode()

	opts, err := redis.ParseURL(u.String())
	if err != nil {
		return nil, fmt.Errorf("invalid redis destination: %w", err)
	}
	return NewRedisSinkWithClient(redis.NewClient(opts), key), nil
}

// NewRedisSinkWithClient creates a sink around an existing client.
func NewRedisSinkWithClient(client RedisAPI, key string) *RedisSink {
	return &RedisSink{client: client, key: key}
}

// Send implements Sink.
func (s *RedisSink) Send(ctx context.Context, msg Message) error {
	body, err := msg.Body()
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := s.client.RPush(ctx, s.key, body).Err(); err != nil {
		return fmt.Errorf("redis rpush failed: %w", err)
	}
	return nil
}

// Close implements Sink.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
