package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the Redis connection settings for the lock store.
type Config struct {
	URL          string `envconfig:"REDIS_URL" json:"url"`
	ReadTimeout  int    `envconfig:"REDIS_READ_TIMEOUT" json:"read_timeout"`
	WriteTimeout int    `envconfig:"REDIS_WRITE_TIMEOUT" json:"write_timeout"`
	DialTimeout  int    `envconfig:"REDIS_DIAL_TIMEOUT" json:"dial_timeout"`
}

// DefaultConfig returns timeouts in seconds; URL must come from the
// environment or config file.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:  3,
		WriteTimeout: 3,
		DialTimeout:  5,
	}
}

// Server-side scripts keep compare-and-delete / compare-and-extend atomic:
// the get and the mutation happen in one Redis call.
var (
	compareAndDeleteScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

	compareAndExtendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)
)

// RedisStore implements Store on a Redis client.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects per cfg and verifies the connection.
func NewRedisStore(cfg Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.ReadTimeout = time.Duration(cfg.ReadTimeout) * time.Second
	opts.WriteTimeout = time.Duration(cfg.WriteTimeout) * time.Second
	opts.DialTimeout = time.Duration(cfg.DialTimeout) * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, token, ttl).Result()
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, token string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, s.client, []string{key}, token).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := compareAndExtendScript.Run(ctx, s.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
