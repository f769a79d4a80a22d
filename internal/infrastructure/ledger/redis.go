package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a record is kept. Redeliveries older than this
// are not expected.
const DefaultTTL = 7 * 24 * time.Hour

// Redis is a Ledger shared between service replicas.
type Redis struct {
	client      *redis.Client
	serviceName string
	ttl         time.Duration
}

var _ Ledger = (*Redis)(nil)

func NewRedis(addr, serviceName string, ttl time.Duration) *Redis {
	return NewRedisFromClient(redis.NewClient(&redis.Options{Addr: addr}), serviceName, ttl)
}

func NewRedisFromClient(client *redis.Client, serviceName string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, serviceName: serviceName, ttl: ttl}
}

// Ping checks the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *Redis) GenerateKey(key string) string {
	return fmt.Sprintf("%s:effects:%s", r.serviceName, key)
}

func (r *Redis) Recorded(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.GenerateKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger lookup %s: %w", key, err)
	}
	return n > 0, nil
}

func (r *Redis) Record(ctx context.Context, key string) error {
	if err := r.client.SetNX(ctx, r.GenerateKey(key), time.Now().UTC().Format(time.RFC3339), r.ttl).Err(); err != nil {
		return fmt.Errorf("ledger record %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
