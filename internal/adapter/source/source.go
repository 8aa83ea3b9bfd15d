// Package source hosts the upstream feed adapters and the supervisor that
// keeps them running.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/solenlabs/chatvault/internal/adapter/metrics"
	"github.com/solenlabs/chatvault/internal/domain"
	"github.com/solenlabs/chatvault/internal/pkg/config"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	// A run surviving this long counts as healthy and resets backoff.
	healthyRunDuration = time.Minute
)

// Emit hands one raw event to the ingest pipeline. A non-nil error means
// the event was not durably accepted; the source must not acknowledge it
// upstream.
type Emit func(ctx context.Context, raw domain.RawEvent) error

// Supervisor runs every configured source in its own goroutine and
// restarts crashed ones with capped exponential backoff.
type Supervisor struct {
	sources []domain.EventSource
	emit    Emit
	logger  *slog.Logger
	metrics *metrics.VaultMetrics
	wg      sync.WaitGroup
}

// NewSupervisor wires sources to the ingest pipeline. metrics may be nil.
func NewSupervisor(sources []domain.EventSource, emit Emit, m *metrics.VaultMetrics, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		sources: sources,
		emit:    emit,
		logger:  logger.With("component", "source_supervisor"),
		metrics: m,
	}
}

// Start launches all sources. They stop when ctx is canceled.
func (s *Supervisor) Start(ctx context.Context) {
	for _, src := range s.sources {
		s.wg.Add(1)
		go s.supervise(ctx, src)
	}
	s.logger.Info("sources started", "count", len(s.sources))
}

// Wait blocks until every source goroutine has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, src domain.EventSource) {
	defer s.wg.Done()

	logger := s.logger.With("source", src.Name())
	backoff := initialBackoff

	for {
		started := time.Now()
		err := src.Run(ctx, s.emit)
		if ctx.Err() != nil {
			logger.Info("source stopped")
			return
		}
		if err == nil {
			// A feed returning cleanly outside shutdown is a broken feed
			// too; restart it.
			err = fmt.Errorf("feed ended unexpectedly")
		}

		if time.Since(started) >= healthyRunDuration {
			backoff = initialBackoff
		}
		if s.metrics != nil {
			s.metrics.SourceRestartsTotal.WithLabelValues(src.Name()).Inc()
		}
		logger.Error("source failed, restarting", "error", err, "backoff", backoff.String())

		select {
		case <-ctx.Done():
			logger.Info("source stopped")
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// FromSpecs builds source adapters from the parsed sources file.
func FromSpecs(specs []config.SourceSpec, logger *slog.Logger) ([]domain.EventSource, error) {
	consumer := consumerName()
	var sources []domain.EventSource
	for _, spec := range specs {
		switch spec.Kind {
		case "redis":
			sources = append(sources, NewRedisStream(spec, consumer, logger))
		case "kafka":
			sources = append(sources, NewKafka(spec, logger))
		case "postgres":
			sources = append(sources, NewPostgresListener(spec, logger))
		default:
			return nil, fmt.Errorf("source %q: unknown kind %q", spec.Name, spec.Kind)
		}
	}
	return sources, nil
}

func consumerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "chatvault"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
