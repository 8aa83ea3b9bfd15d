package domain

import (
	"encoding/json"
	"time"
)

// RawEvent is an upstream delivery before normalization. Body is opaque
// until the normalizer has parsed it; Origin is a hint from the source
// adapter (stream name, topic, channel) used when the payload itself
// carries no source tag.
type RawEvent struct {
	Body   []byte
	Origin string
}

// EventRecord is the canonical, deduplicated unit of ingested chat data.
type EventRecord struct {
	ID         string          `json:"event_id"`
	EventTime  time.Time       `json:"event_time"`
	ReceivedAt time.Time       `json:"received_at"`
	SourceTag  string          `json:"source_tag"`
	Author     string          `json:"author,omitempty"`
	Payload    json.RawMessage `json:"payload"`

	// Seq is the arrival order assigned by the buffer. It breaks ties
	// between records sharing an EventTime and is rebuilt from log
	// order on replay, so it is never serialized.
	Seq uint64 `json:"-"`
}

// InsertOutcome reports what the dedup buffer did with a record.
type InsertOutcome int

const (
	// Inserted means the record was new and is now retained.
	Inserted InsertOutcome = iota
	// Duplicate means a record with the same id was already retained;
	// the first write wins and the new record was discarded.
	Duplicate
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}
