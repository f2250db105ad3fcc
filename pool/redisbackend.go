package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBackend shares cooldown/failure state across gateway replicas so
// they agree on which credentials are usable, instead of each process
// discovering a bad credential independently. It is optional — a Pool
// without a Backend simply keeps this state in memory per-process.
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBackend wraps an existing redis client. keyPrefix namespaces keys
// so multiple pools can share one Redis instance.
func NewRedisBackend(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackend{client: client, prefix: keyPrefix, logger: logger}
}

func (b *RedisBackend) key(credentialID string) string {
	return fmt.Sprintf("%s:cooldown:%s", b.prefix, credentialID)
}

// RecordSuccess clears any shared cooldown marker for credentialID.
func (b *RedisBackend) RecordSuccess(credentialID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Del(ctx, b.key(credentialID)).Err(); err != nil {
		b.logger.Warn("pool: redis backend clear cooldown failed", zap.Error(err))
	}
}

// RecordFailure publishes a cooldown marker, TTL'd to cooldownUntil, so any
// replica consulting Redis sees the same cooldown window.
func (b *RedisBackend) RecordFailure(credentialID string, at time.Time, cooldownUntil time.Time) {
	if cooldownUntil.IsZero() {
		return
	}
	ttl := cooldownUntil.Sub(at)
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Set(ctx, b.key(credentialID), cooldownUntil.Unix(), ttl).Err(); err != nil {
		b.logger.Warn("pool: redis backend set cooldown failed", zap.Error(err))
	}
}

// InCooldown checks whether another replica has marked credentialID in
// cooldown, for a Select path that wants to consult shared state before
// trying a credential this process still believes is active.
func (b *RedisBackend) InCooldown(credentialID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := b.client.Exists(ctx, b.key(credentialID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}
