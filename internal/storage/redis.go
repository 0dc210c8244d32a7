package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/syncqueue/internal/config"
	apperrors "github.com/syncqueue/internal/errors"
	"github.com/syncqueue/internal/logging"
	"github.com/syncqueue/internal/syncer"
)

// RedisClient wraps the Redis client
type RedisClient struct {
	client *redis.Client
}

// NewRedisClient creates a new Redis connection
func NewRedisClient(cfg *config.RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		MinIdleConns: 1,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client}, nil
}

// NewRedisClientFrom wraps an existing client
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisClient) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// releaseScript deletes the lock only while it still holds our token, so a
// holder whose TTL lapsed cannot release a lock taken over by someone else.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript resets the TTL only while the lock still holds our token
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// SyncLock is a Redis-backed syncer.Locker. Each acquisition stores a random
// token with SET NX PX; refresh and release compare the token first.
type SyncLock struct {
	client *redis.Client
}

// NewSyncLock creates a lock on r
func NewSyncLock(r *RedisClient) *SyncLock {
	return &SyncLock{client: r.client}
}

var _ syncer.Locker = (*SyncLock)(nil)

// Acquire takes key for ttl. ok is false when another holder has it.
func (l *SyncLock) Acquire(ctx context.Context, key string, ttl time.Duration) (syncer.Lock, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, apperrors.NewTransientError("acquire lock "+key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &heldLock{client: l.client, key: key, token: token, ttl: ttl}, true, nil
}

type heldLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// Refresh resets the TTL; syncer.ErrLockLost means the token no longer matches
func (h *heldLock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, h.client, []string{h.key}, h.token, h.ttl.Milliseconds()).Int()
	if err != nil {
		return apperrors.NewTransientError("refresh lock "+h.key, err)
	}
	if n == 0 {
		return syncer.ErrLockLost
	}
	return nil
}

// Release deletes the key if it still holds our token
func (h *heldLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Int()
	if err != nil {
		return apperrors.NewTransientError("release lock "+h.key, err)
	}
	if n == 0 {
		logging.FromContext(ctx).WithField("key", h.key).Warn("Lock expired before release")
	}
	return nil
}
