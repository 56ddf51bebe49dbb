package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisGuardConfig holds the configuration for the Redis-backed guard.
type RedisGuardConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a completed ID is remembered. It should exceed
	// the transport's maximum redelivery horizon. Defaults to 24h.
	TTL time.Duration
	// KeyPrefix namespaces guard keys, "completed:" by default.
	KeyPrefix string
}

// RedisGuard remembers completed message IDs in Redis so every worker
// sharing a queue sees the same completion marks.
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

// NewRedisGuard creates and pings a Redis client for the guard.
func NewRedisGuard(ctx context.Context, cfg RedisGuardConfig, logger zerolog.Logger) (*RedisGuard, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "completed:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisGuard{
		client: client,
		ttl:    cfg.TTL,
		prefix: cfg.KeyPrefix,
		logger: logger.With().Str("component", "RedisGuard").Logger(),
	}, nil
}

// Seen reports whether the ID's completion mark still exists.
func (g *RedisGuard) Seen(ctx context.Context, messageID string) (bool, error) {
	n, err := g.client.Exists(ctx, g.prefix+messageID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check completion mark for %q: %w", messageID, err)
	}
	return n > 0, nil
}

// Mark writes the completion mark with the configured TTL.
func (g *RedisGuard) Mark(ctx context.Context, messageID string) error {
	if err := g.client.Set(ctx, g.prefix+messageID, "1", g.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark %q completed: %w", messageID, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (g *RedisGuard) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
