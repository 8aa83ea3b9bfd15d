package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/solenlabs/chatvault/internal/domain"
	"github.com/solenlabs/chatvault/internal/pkg/config"
)

// Kafka consumes raw events from a topic through a consumer group.
// Offsets are committed only after the ingest pipeline has durably
// accepted the message, so uncommitted messages replay after a restart.
type Kafka struct {
	name    string
	brokers []string
	topic   string
	group   string
	logger  *slog.Logger
}

// NewKafka builds the adapter from its spec.
func NewKafka(spec config.SourceSpec, logger *slog.Logger) *Kafka {
	return &Kafka{
		name:    spec.Name,
		brokers: spec.Brokers,
		topic:   spec.Topic,
		group:   spec.Group,
		logger:  logger.With("component", "kafka_source", "source", spec.Name),
	}
}

func (k *Kafka) Name() string { return "kafka:" + k.name }

// Run consumes the topic until ctx is done. The reader lives for one run;
// a restart after a failure builds a fresh one.
func (k *Kafka) Run(ctx context.Context, emit func(ctx context.Context, raw domain.RawEvent) error) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.brokers,
		GroupID:  k.group,
		Topic:    k.topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to fetch from kafka topic %s: %w", k.topic, err)
		}

		raw := domain.RawEvent{Body: msg.Value, Origin: k.Name()}
		if err := emit(ctx, raw); err != nil {
			// Not durably accepted; leave the offset uncommitted.
			return fmt.Errorf("ingest rejected message at offset %d: %w", msg.Offset, err)
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A lost commit means a redelivery, which dedup absorbs.
			k.logger.Warn("failed to commit kafka offset", "offset", msg.Offset, "error", err)
		}
	}
}
