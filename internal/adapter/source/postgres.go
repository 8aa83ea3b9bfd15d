package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/solenlabs/chatvault/internal/domain"
	"github.com/solenlabs/chatvault/internal/pkg/config"
)

const (
	pgMinReconnect = time.Second
	pgMaxReconnect = time.Minute
	pgPingEvery    = 90 * time.Second
)

// PostgresListener consumes raw events published with NOTIFY on a channel.
// LISTEN/NOTIFY carries no acknowledgement, so this feed is at-most-once:
// a notification the pipeline cannot accept is lost, not redelivered.
// Suitable for feeds whose upstream also writes to a table of record.
type PostgresListener struct {
	name    string
	dsn     string
	channel string
	logger  *slog.Logger
}

// NewPostgresListener builds the adapter from its spec.
func NewPostgresListener(spec config.SourceSpec, logger *slog.Logger) *PostgresListener {
	return &PostgresListener{
		name:    spec.Name,
		dsn:     spec.DSN,
		channel: spec.Channel,
		logger:  logger.With("component", "postgres_source", "source", spec.Name),
	}
}

func (p *PostgresListener) Name() string { return "postgres:" + p.name }

// Run listens on the channel until ctx is done.
func (p *PostgresListener) Run(ctx context.Context, emit func(ctx context.Context, raw domain.RawEvent) error) error {
	listener := pq.NewListener(p.dsn, pgMinReconnect, pgMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			p.logger.Warn("postgres listener connection event", "event", int(ev), "error", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(p.channel); err != nil {
		return fmt.Errorf("failed to LISTEN on channel %s: %w", p.channel, err)
	}
	p.logger.Info("listening for notifications", "channel", p.channel)

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// The driver signals a re-established connection with a
				// nil notification; notifications sent meanwhile are gone.
				p.logger.Warn("postgres connection was re-established, notifications may have been missed")
				continue
			}
			raw := domain.RawEvent{Body: []byte(n.Extra), Origin: p.Name()}
			if err := emit(ctx, raw); err != nil {
				return fmt.Errorf("ingest rejected notification on %s: %w", p.channel, err)
			}
		case <-time.After(pgPingEvery):
			go func() {
				if err := listener.Ping(); err != nil {
					p.logger.Warn("postgres listener ping failed", "error", err)
				}
			}()
		}
	}
}
