package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis Streams transport.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Group names the consumer group reading each stream. All workers for a
	// service share it. Defaults to "workers".
	Group string
	// Consumer identifies this process within the group. Defaults to a
	// generated name.
	Consumer string
	// Visibility is how long a delivered-but-unacknowledged entry stays
	// owned by its consumer before Receive may reclaim it. Defaults to 30s.
	Visibility time.Duration
	// KeyPrefix namespaces stream keys, "queue:" by default.
	KeyPrefix string
}

// RedisTransport implements Transport on Redis Streams. A logical queue maps
// to one stream read through a consumer group; the stream entry ID serves as
// both message ID and delivery receipt. Entries acknowledged and deleted via
// Delete never redeliver; abandoned entries are reclaimed by Receive once
// idle past the visibility window.
type RedisTransport struct {
	cfg    RedisConfig
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisTransport creates and pings a Redis client for the transport.
func NewRedisTransport(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisTransport, error) {
	if cfg.Group == "" {
		cfg.Group = "workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "queue:"
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
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisTransport{
		cfg:    cfg,
		client: client,
		logger: logger.With().Str("component", "RedisTransport").Logger(),
	}, nil
}

func (t *RedisTransport) streamKey(queue string) string {
	return t.cfg.KeyPrefix + queue
}

// EnsureQueue creates the stream and its consumer group, starting delivery
// from the beginning of the stream. An existing group is not an error.
func (t *RedisTransport) EnsureQueue(ctx context.Context, queue string) error {
	err := t.client.XGroupCreateMkStream(ctx, t.streamKey(queue), t.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group for queue %q: %w", queue, err)
	}
	return nil
}

// Receive first reclaims entries other consumers abandoned past the
// visibility window, then reads new entries, up to max in total.
func (t *RedisTransport) Receive(ctx context.Context, queue string, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	stream := t.streamKey(queue)

	claimed, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		MinIdle:  t.cfg.Visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to reclaim entries for queue %q: %w", queue, err)
	}

	entries := claimed
	if remaining := max - len(entries); remaining > 0 {
		streams, readErr := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(remaining),
			Block:    -1, // do not block when the stream is empty
		}).Result()
		if readErr != nil && readErr != redis.Nil {
			return nil, fmt.Errorf("failed to read queue %q: %w", queue, readErr)
		}
		for _, s := range streams {
			entries = append(entries, s.Messages...)
		}
	}

	messages := make([]Message, 0, len(entries))
	for _, entry := range entries {
		msg, ok := decodeStreamEntry(entry)
		if !ok {
			// Tombstone of an entry removed with XDEL; clear it from the
			// pending list so it is not reclaimed forever.
			_ = t.client.XAck(ctx, stream, t.cfg.Group, entry.ID).Err()
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Delete acknowledges the entry in the consumer group and removes it from
// the stream.
func (t *RedisTransport) Delete(ctx context.Context, queue string, receipt string) error {
	stream := t.streamKey(queue)
	if err := t.client.XAck(ctx, stream, t.cfg.Group, receipt).Err(); err != nil {
		return fmt.Errorf("failed to ack entry %q on queue %q: %w", receipt, queue, err)
	}
	if err := t.client.XDel(ctx, stream, receipt).Err(); err != nil {
		return fmt.Errorf("failed to delete entry %q on queue %q: %w", receipt, queue, err)
	}
	return nil
}

// Publish appends an entry to the queue's stream.
func (t *RedisTransport) Publish(ctx context.Context, queue string, payload []byte, attributes map[string]string) error {
	values := map[string]interface{}{"body": payload}
	for k, v := range attributes {
		values["attr:"+k] = v
	}
	err := t.client.XAdd(ctx, &redis.XAddArgs{
		Stream: t.streamKey(queue),
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish to queue %q: %w", queue, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (t *RedisTransport) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}

// decodeStreamEntry rebuilds a Message from stream entry values. The second
// return is false for tombstoned entries without a body field.
func decodeStreamEntry(entry redis.XMessage) (Message, bool) {
	rawBody, ok := entry.Values["body"]
	if !ok {
		return Message{}, false
	}
	body, ok := rawBody.(string)
	if !ok {
		return Message{}, false
	}

	var attributes map[string]string
	for k, v := range entry.Values {
		if !strings.HasPrefix(k, "attr:") {
			continue
		}
		if attributes == nil {
			attributes = make(map[string]string)
		}
		if s, isString := v.(string); isString {
			attributes[strings.TrimPrefix(k, "attr:")] = s
		}
	}

	return Message{
		ID:         entry.ID,
		Receipt:    entry.ID,
		Body:       []byte(body),
		Attributes: attributes,
	}, true
}
