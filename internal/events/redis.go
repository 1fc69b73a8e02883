package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultStream        = "marketplace:events:resource_backend_state"
	DefaultConsumerGroup = "marketplace-dispatcher"

	payloadField     = "event"
	defaultBatchSize = 16
	defaultBlock     = 2 * time.Second
	defaultMaxLen    = 100000
	defaultRetry     = 30 * time.Second
	defaultClaimIdle = time.Minute
	retryBackoff     = time.Second
)

type RedisStreamConfig struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
	MaxLen    int64

	// RetryInterval is how often pending entries are reclaimed.
	RetryInterval time.Duration
	// ClaimIdle is how long an entry must sit unacknowledged, on any
	// consumer of the group, before it is reclaimed and handled again.
	ClaimIdle time.Duration
}

func (c RedisStreamConfig) withDefaults() RedisStreamConfig {
	if strings.TrimSpace(c.Stream) == "" {
		c.Stream = DefaultStream
	}
	if strings.TrimSpace(c.Group) == "" {
		c.Group = DefaultConsumerGroup
	}
	if strings.TrimSpace(c.Consumer) == "" {
		c.Consumer = "consumer-" + ulid.Make().String()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	if c.MaxLen <= 0 {
		c.MaxLen = defaultMaxLen
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetry
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = defaultClaimIdle
	}
	return c
}

// RedisStreamBus publishes with XADD and consumes through a consumer group.
// Entries are acknowledged once the handler succeeded or the entry can
// never succeed; anything else stays pending and is reclaimed with
// XAUTOCLAIM once it has been idle for ClaimIdle.
type RedisStreamBus struct {
	client redis.UniversalClient
	log    *zap.Logger
	cfg    RedisStreamConfig

	mu      sync.RWMutex
	handler Handler
}

func NewRedisStreamBus(client redis.UniversalClient, log *zap.Logger, cfg RedisStreamConfig) *RedisStreamBus {
	return &RedisStreamBus{
		client: client,
		log:    log.Named("events.redis"),
		cfg:    cfg.withDefaults(),
	}
}

func (b *RedisStreamBus) Subscribe(handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler != nil {
		return ErrHandlerExists
	}
	b.handler = handler
	return nil
}

func (b *RedisStreamBus) Publish(ctx context.Context, event ResourceBackendStateChanged) error {
	if err := validate(event); err != nil {
		return err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	streamID, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		MaxLen: b.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(payload)},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}

	b.log.Debug("events.published",
		zap.String("event_id", event.ID),
		zap.String("stream_id", streamID),
		zap.String("resource_id", event.ResourceID.String()),
	)
	return nil
}

// Run replays every entry left pending for this consumer, then reads new
// ones until ctx is done. Every RetryInterval it reclaims entries that went
// unacknowledged for ClaimIdle, including ones held by dead consumers.
func (b *RedisStreamBus) Run(ctx context.Context) error {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler == nil {
		return ErrNoHandler
	}

	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	b.log.Info("events.consumer.started",
		zap.String("stream", b.cfg.Stream),
		zap.String("group", b.cfg.Group),
		zap.String("consumer", b.cfg.Consumer),
	)

	if err := b.replayPending(ctx, handler); err != nil && ctx.Err() == nil {
		b.log.Warn("events.consumer.replay_failed", zap.Error(err))
	}

	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			b.log.Info("events.consumer.stopped", zap.String("consumer", b.cfg.Consumer))
			return nil
		}

		if time.Since(lastClaim) >= b.cfg.RetryInterval {
			lastClaim = time.Now()
			if err := b.reclaimIdle(ctx, handler); err != nil && ctx.Err() == nil {
				b.log.Warn("events.consumer.reclaim_failed", zap.Error(err))
			}
		}

		streams, err := b.read(ctx, ">", b.cfg.Block)
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			b.log.Warn("events.consumer.read_failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(retryBackoff):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				b.handle(ctx, handler, message)
			}
		}
	}
}

func (b *RedisStreamBus) read(ctx context.Context, cursor string, block time.Duration) ([]redis.XStream, error) {
	args := &redis.XReadGroupArgs{
		Group:    b.cfg.Group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{b.cfg.Stream, cursor},
		Count:    b.cfg.BatchSize,
	}
	if block > 0 {
		args.Block = block
	} else {
		// Reading history must not block; -1 leaves BLOCK out.
		args.Block = -1
	}
	return b.client.XReadGroup(ctx, args).Result()
}

// replayPending walks this consumer's pending list in batches until it is
// exhausted. Entries that fail again stay pending for reclaimIdle.
func (b *RedisStreamBus) replayPending(ctx context.Context, handler Handler) error {
	cursor := "0"
	replayed := 0
	for ctx.Err() == nil {
		streams, err := b.read(ctx, cursor, 0)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return err
		}

		messages := 0
		for _, stream := range streams {
			for _, message := range stream.Messages {
				b.handle(ctx, handler, message)
				cursor = message.ID
				messages++
			}
		}
		replayed += messages
		if messages == 0 {
			break
		}
	}
	if replayed > 0 {
		b.log.Info("events.consumer.replayed", zap.Int("entries", replayed))
	}
	return nil
}

// reclaimIdle takes over entries that stayed unacknowledged for ClaimIdle
// and handles them again.
func (b *RedisStreamBus) reclaimIdle(ctx context.Context, handler Handler) error {
	start := "0-0"
	for ctx.Err() == nil {
		messages, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.cfg.Stream,
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.ClaimIdle,
			Start:    start,
			Count:    b.cfg.BatchSize,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return err
		}
		for _, message := range messages {
			b.log.Debug("events.consumer.reclaimed", zap.String("stream_id", message.ID))
			b.handle(ctx, handler, message)
		}
		if next == "" || next == "0-0" {
			return nil
		}
		start = next
	}
	return nil
}

func (b *RedisStreamBus) handle(ctx context.Context, handler Handler, message redis.XMessage) {
	event, err := decode(message)
	if err != nil {
		b.log.Error("events.consumer.invalid_entry", zap.String("stream_id", message.ID), zap.Error(err))
		b.ack(ctx, message.ID)
		return
	}

	if err := handler(ctx, event); err != nil {
		b.log.Warn("events.dispatch.failed",
			zap.String("event_id", event.ID),
			zap.String("stream_id", message.ID),
			zap.Error(err),
		)
		return
	}
	b.ack(ctx, message.ID)
}

func (b *RedisStreamBus) ack(ctx context.Context, streamID string) {
	if err := b.client.XAck(context.WithoutCancel(ctx), b.cfg.Stream, b.cfg.Group, streamID).Err(); err != nil {
		b.log.Warn("events.consumer.ack_failed", zap.String("stream_id", streamID), zap.Error(err))
	}
}

func decode(message redis.XMessage) (ResourceBackendStateChanged, error) {
	raw, ok := message.Values[payloadField].(string)
	if !ok {
		return ResourceBackendStateChanged{}, ErrInvalidEvent
	}
	var event ResourceBackendStateChanged
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return ResourceBackendStateChanged{}, fmt.Errorf("%w: %s", ErrInvalidEvent, err.Error())
	}
	if err := validate(event); err != nil {
		return ResourceBackendStateChanged{}, err
	}
	return event, nil
}
