package nonce

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "trqp-cts:nonce:"

// RedisLedger shares claimed nonces across processes using SET NX EX.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger connects using a redis:// URL.
func NewRedisLedger(rawURL string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	return &RedisLedger{client: redis.NewClient(opts)}, nil
}

// NewRedisLedgerFromClient wraps an existing client.
func NewRedisLedgerFromClient(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

// Ping checks connectivity.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLedger) Claim(ctx context.Context, value string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, redisKeyPrefix+value, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis nonce ledger: %w", err)
	}
	return ok, nil
}

func (l *RedisLedger) Close() error {
	return l.client.Close()
}
