package domain

import "context"

// EventSource defines the interface for a pluggable upstream feed.
// This abstracts away the specific implementations (e.g., Redis Streams, Kafka).
type EventSource interface {
	// Name identifies the source in logs and status output.
	Name() string

	// Run consumes the feed until ctx is done or the feed fails, delivering
	// each raw event to emit. emit returning an error means the event was NOT
	// durably accepted and must not be acknowledged upstream.
	Run(ctx context.Context, emit func(ctx context.Context, raw RawEvent) error) error
}

// EventLog defines the interface for the append-only ingestion log backing
// the dedup buffer. Every accepted record is appended before the buffer
// acknowledges it, so the buffer can be rebuilt after a crash.
type EventLog interface {
	// Append durably adds a single record to the log.
	Append(ctx context.Context, record EventRecord) error

	// Replay reads logged records, oldest first, and sends them to a handler
	// function. The handler is responsible for re-inserting the record into
	// the in-memory buffer.
	Replay(ctx context.Context, handler func(record EventRecord) error) error

	// Checkpoint rewrites the log to contain exactly the given surviving
	// records and drops every older segment. Callers invoke this after a
	// pruning export commits, so the log never outgrows one export cycle.
	// A crash mid-checkpoint may leave records present twice; replay
	// dedup absorbs that.
	Checkpoint(ctx context.Context, survivors []EventRecord) error

	// Close releases the active segment file.
	Close() error
}

// ArtifactMirror defines the interface for shipping a copy of each committed
// artifact to secondary storage. Mirroring is best-effort; failures are
// logged, never unwound.
type ArtifactMirror interface {
	// Mirror uploads the committed artifact bytes under its final name.
	Mirror(ctx context.Context, kind ArtifactKind, name string, data []byte) error
}
