// Package cache keeps short-lived copies of slow-changing reference data
// (agents, merchants) in front of the keyed store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wakala/agentsettle/internal/config"
)

const keyNamespace = "agentsettle"

// ErrMiss is returned by Load when nothing is cached under the key.
var ErrMiss = errors.New("cache: miss")

// Cache stores JSON documents under namespaced keys.
type Cache interface {
	Load(ctx context.Context, key string, dest any) error
	Save(ctx context.Context, key string, v any) error
	Invalidate(ctx context.Context, keys ...string) error
}

// Key builds a namespaced cache key.
func Key(parts ...string) string {
	clean := []string{keyNamespace}
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			clean = append(clean, part)
		}
	}
	return strings.Join(clean, ":")
}

type cmdable interface {
	Ping(context.Context) *redis.StatusCmd
	Set(context.Context, string, any, time.Duration) *redis.StatusCmd
	Get(context.Context, string) *redis.StringCmd
	Del(context.Context, ...string) *redis.IntCmd
}

// Redis caches documents in redis with a fixed TTL.
type Redis struct {
	store cmdable
	raw   *redis.Client
	ttl   time.Duration
}

// NewRedis connects to the configured redis and verifies connectivity.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	raw := redis.NewClient(opts)
	if err := raw.Ping(ctx).Err(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{store: raw, raw: raw, ttl: cfg.CacheTTL}, nil
}

func newRedisWith(store cmdable, ttl time.Duration) *Redis {
	return &Redis{store: store, ttl: ttl}
}

func (r *Redis) Load(ctx context.Context, key string, dest any) error {
	raw, err := r.store.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	return r.store.Set(ctx, key, raw, r.ttl).Err()
}

func (r *Redis) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.store.Del(ctx, keys...).Err()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.store.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	if r.raw == nil {
		return nil
	}
	return r.raw.Close()
}

// Nop never holds anything. It is wired when no redis URL is configured.
type Nop struct{}

func (Nop) Load(context.Context, string, any) error { return ErrMiss }
func (Nop) Save(context.Context, string, any) error { return nil }
func (Nop) Invalidate(context.Context, ...string) error { return nil }
