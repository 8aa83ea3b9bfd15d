package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/solenlabs/chatvault/internal/adapter/buffer"
	"github.com/solenlabs/chatvault/internal/adapter/metrics"
	"github.com/solenlabs/chatvault/internal/adapter/normalize"
	"github.com/solenlabs/chatvault/internal/adapter/scrub"
	"github.com/solenlabs/chatvault/internal/domain"
)

// IngestEventUseCase handles the business logic for ingesting one raw chat
// event: normalize, scrub, deduplicate, and make it durable.
type IngestEventUseCase struct {
	normalizer *normalize.Normalizer
	scrubber   *scrub.Scrubber
	buffer     *buffer.Buffer
	log        domain.EventLog
	metrics    *metrics.VaultMetrics
	logger     *slog.Logger

	// gate serializes event-log checkpoints against in-flight ingests.
	// Ingest holds it shared around append+insert so a checkpoint never
	// sees a record durable in the log but absent from the buffer.
	gate *sync.RWMutex
}

// NewIngestEventUseCase creates a new IngestEventUseCase. The gate must be
// shared with the flush pipeline that checkpoints the event log.
func NewIngestEventUseCase(
	normalizer *normalize.Normalizer,
	scrubber *scrub.Scrubber,
	buf *buffer.Buffer,
	log domain.EventLog,
	gate *sync.RWMutex,
	m *metrics.VaultMetrics,
	logger *slog.Logger,
) *IngestEventUseCase {
	return &IngestEventUseCase{
		normalizer: normalizer,
		scrubber:   scrubber,
		buffer:     buf,
		log:        log,
		gate:       gate,
		metrics:    m,
		logger:     logger,
	}
}

// Ingest normalizes, scrubs, and stores a raw event, reporting what the
// buffer did with it. A malformed payload returns an error matching
// domain.ErrMalformedEvent after being counted and logged; sources may
// acknowledge those upstream. Any other error means the event is not
// durable and must not be acknowledged.
func (uc *IngestEventUseCase) Ingest(ctx context.Context, raw domain.RawEvent) (domain.InsertOutcome, error) {
	ctx, span := otel.Tracer("ingest-service").Start(ctx, "IngestEvent")
	defer span.End()

	record, err := uc.normalizer.Normalize(raw)
	if err != nil {
		uc.metrics.EventsTotal.WithLabelValues("malformed").Inc()
		uc.logger.Warn("dropping malformed event", "error", err, "origin", raw.Origin)
		return 0, err
	}
	uc.metrics.BytesTotal.Add(float64(len(raw.Body)))

	uc.scrubber.Scrub(&record)

	// Cheap pre-check so redeliveries skip the durable append. Insert
	// below remains the authoritative decision.
	if uc.buffer.Contains(record.ID) {
		uc.metrics.EventsTotal.WithLabelValues("duplicate").Inc()
		return domain.Duplicate, nil
	}

	uc.gate.RLock()
	defer uc.gate.RUnlock()

	if err := uc.log.Append(ctx, record); err != nil {
		uc.metrics.EventsTotal.WithLabelValues("error_log").Inc()
		uc.logger.Error("failed to append event to log", "error", err, "event_id", record.ID)
		return 0, fmt.Errorf("append to event log: %w", err)
	}

	outcome := uc.buffer.Insert(record)
	uc.metrics.EventsTotal.WithLabelValues(outcome.String()).Inc()
	uc.metrics.BufferRecords.Set(float64(uc.buffer.Len()))
	return outcome, nil
}

// Emit adapts Ingest to the contract event sources expect: malformed
// events are swallowed so the source acknowledges and drops them, while
// durability failures propagate so the source holds the delivery.
func (uc *IngestEventUseCase) Emit(ctx context.Context, raw domain.RawEvent) error {
	_, err := uc.Ingest(ctx, raw)
	if err != nil && !errors.Is(err, domain.ErrMalformedEvent) {
		return err
	}
	return nil
}
