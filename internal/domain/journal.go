package domain

import "time"

// JournalStatus is the lifecycle state of a durable write.
type JournalStatus string

const (
	// StatusPending is recorded after the temp file is written and
	// fsynced, before the rename to the final name.
	StatusPending JournalStatus = "pending"
	// StatusCommitted is recorded after the rename succeeded.
	StatusCommitted JournalStatus = "committed"
)

// JournalEntry is one line of the per-directory flush journal. PeriodEnd
// carries the digest period end, or the snapshot time for exports, so
// high-water marks survive a restart without reading any artifact back.
type JournalEntry struct {
	Kind       ArtifactKind  `json:"kind"`
	Sequence   uint64        `json:"sequence"`
	TempPath   string        `json:"temp_path"`
	FinalPath  string        `json:"final_path"`
	Status     JournalStatus `json:"status"`
	PeriodEnd  time.Time     `json:"period_end"`
	RecordedAt time.Time     `json:"recorded_at"`
}
