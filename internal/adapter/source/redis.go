package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/solenlabs/chatvault/internal/domain"
	"github.com/solenlabs/chatvault/internal/pkg/config"
)

const (
	redisReadCount = 100
	redisBlockTime = 2 * time.Second
)

// RedisStream consumes raw events from a Redis Stream through a consumer
// group. Messages are acknowledged only after the ingest pipeline has
// durably accepted them, so unacked deliveries return after a restart.
type RedisStream struct {
	name     string
	client   *redis.Client
	stream   string
	group    string
	consumer string
	logger   *slog.Logger
}

// NewRedisStream builds the adapter from its spec. The client connects
// lazily on first use.
func NewRedisStream(spec config.SourceSpec, consumer string, logger *slog.Logger) *RedisStream {
	return &RedisStream{
		name:     spec.Name,
		client:   redis.NewClient(&redis.Options{Addr: spec.Addr}),
		stream:   spec.Stream,
		group:    spec.Group,
		consumer: consumer,
		logger:   logger.With("component", "redis_source", "source", spec.Name),
	}
}

func (r *RedisStream) Name() string { return "redis:" + r.name }

// Run consumes the stream until ctx is done. Any transport error is
// returned to the supervisor for a backoff restart.
func (r *RedisStream) Run(ctx context.Context, emit func(ctx context.Context, raw domain.RawEvent) error) error {
	if err := r.setupConsumerGroup(ctx); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		args := &redis.XReadGroupArgs{
			Group:    r.group,
			Consumer: r.consumer,
			Streams:  []string{r.stream, ">"},
			Count:    redisReadCount,
			Block:    redisBlockTime,
		}
		streams, err := r.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to XREADGROUP from redis stream %s: %w", r.stream, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				payload, ok := msg.Values["payload"].(string)
				if !ok {
					// A message without a payload field can never become
					// ingestible; drop it so it does not redeliver forever.
					r.logger.Warn("invalid message format in stream, dropping", "message_id", msg.ID)
					r.ack(ctx, msg.ID)
					continue
				}

				raw := domain.RawEvent{Body: []byte(payload), Origin: r.Name()}
				if err := emit(ctx, raw); err != nil {
					// Not durably accepted; leave it pending for redelivery.
					return fmt.Errorf("ingest rejected message %s: %w", msg.ID, err)
				}
				r.ack(ctx, msg.ID)
			}
		}
	}
}

func (r *RedisStream) setupConsumerGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !isBusyGroupError(err) {
		return fmt.Errorf("failed to create consumer group on %s: %w", r.stream, err)
	}
	return nil
}

func (r *RedisStream) ack(ctx context.Context, messageID string) {
	if err := r.client.XAck(ctx, r.stream, r.group, messageID).Err(); err != nil {
		// The worst outcome of a lost ack is a redelivery, which dedup
		// absorbs.
		r.logger.Warn("failed to XACK message", "message_id", messageID, "error", err)
	}
}

func isBusyGroupError(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}
