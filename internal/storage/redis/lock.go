package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "ZKPay-Chain/internal/errors"
)

const (
	defaultPrefix = "zkpay:once:"
	defaultTTL    = 7 * 24 * time.Hour
)

// Config describes the Redis connection used by OnceLock.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// OnceLock grants each key to exactly one caller until the TTL lapses.
type OnceLock struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	owned  bool
}

// NewOnceLock connects to Redis and verifies the connection.
func NewOnceLock(ctx context.Context, cfg Config) (*OnceLock, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	lock := NewOnceLockWithClient(client, cfg.Prefix, cfg.TTL)
	lock.owned = true
	return lock, nil
}

// NewOnceLockWithClient reuses an existing client. The caller keeps ownership.
func NewOnceLockWithClient(client *goredis.Client, prefix string, ttl time.Duration) *OnceLock {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &OnceLock{client: client, prefix: prefix, ttl: ttl}
}

// Acquire reports whether this caller is the first to claim key.
func (l *OnceLock) Acquire(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+key, time.Now().Unix(), l.ttl).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeTransientNetwork, err, "redis setnx failed")
	}
	return ok, nil
}

// Release drops the claim so the key can be acquired again.
func (l *OnceLock) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, l.prefix+key).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeTransientNetwork, err, "redis del failed")
	}
	return nil
}

// Close releases the client when the lock created it.
func (l *OnceLock) Close() error {
	if !l.owned {
		return nil
	}
	return l.client.Close()
}
