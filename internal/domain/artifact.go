package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ArtifactKind distinguishes the two flush outputs.
type ArtifactKind string

const (
	KindDigest ArtifactKind = "digest"
	KindExport ArtifactKind = "export"
)

// Valid reports whether k is one of the two known kinds.
func (k ArtifactKind) Valid() bool {
	return k == KindDigest || k == KindExport
}

// DigestSample is a representative record carried inside a digest group.
// Excerpt holds up to the first 140 runes of the record's content field.
type DigestSample struct {
	ID        string    `json:"event_id"`
	EventTime time.Time `json:"event_time"`
	Author    string    `json:"author,omitempty"`
	Excerpt   string    `json:"excerpt,omitempty"`
}

// DigestGroup is one aggregation bucket inside a digest.
type DigestGroup struct {
	Key       string         `json:"key"`
	Count     int            `json:"count"`
	FirstTime time.Time      `json:"first_time"`
	LastTime  time.Time      `json:"last_time"`
	Samples   []DigestSample `json:"samples,omitempty"`
}

// DigestArtifact is a summarized rollup of the records whose event time
// falls in (PeriodStart, PeriodEnd]. Immutable once written.
type DigestArtifact struct {
	Kind        ArtifactKind  `json:"kind"`
	Sequence    uint64        `json:"sequence"`
	PeriodStart time.Time     `json:"period_start"`
	PeriodEnd   time.Time     `json:"period_end"`
	GeneratedAt time.Time     `json:"generated_at"`
	LocalTime   string        `json:"local_time,omitempty"`
	GroupBy     string        `json:"group_by"`
	RecordCount int           `json:"record_count"`
	Groups      []DigestGroup `json:"groups"`
}

// ExportArtifact is a complete snapshot of every retained record at
// SnapshotTime, or of the records inside a bounded trailing window when
// WindowHours is non-zero. Immutable once written.
type ExportArtifact struct {
	Kind         ArtifactKind   `json:"kind"`
	Sequence     uint64         `json:"sequence"`
	SnapshotTime time.Time      `json:"snapshot_time"`
	LocalTime    string         `json:"local_time,omitempty"`
	WindowHours  int            `json:"window_hours,omitempty"`
	RecordCount  int            `json:"record_count"`
	SourceCounts map[string]int `json:"source_counts"`
	Records      []EventRecord  `json:"records"`
}

// artifactTimeLayout is a compact ISO-8601 form safe for filenames.
const artifactTimeLayout = "20060102T150405Z"

// ArtifactFileName builds the final on-disk name for a committed
// artifact: <kind>_<zero-padded sequence>_<UTC timestamp>.<ext>.
func ArtifactFileName(kind ArtifactKind, seq uint64, ts time.Time, ext string) string {
	return fmt.Sprintf("%s_%06d_%s.%s", kind, seq, ts.UTC().Format(artifactTimeLayout), ext)
}

// ParseArtifactFileName inverts ArtifactFileName. The boolean is false for
// any name that is not a committed artifact of a known kind.
func ParseArtifactFileName(name string) (ArtifactKind, uint64, time.Time, bool) {
	base := ""
	for _, ext := range []string{".json.zst", ".json.gz", ".json"} {
		if strings.HasSuffix(name, ext) {
			base = strings.TrimSuffix(name, ext)
			break
		}
	}
	if base == "" {
		return "", 0, time.Time{}, false
	}

	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 {
		return "", 0, time.Time{}, false
	}
	kind := ArtifactKind(parts[0])
	if !kind.Valid() {
		return "", 0, time.Time{}, false
	}
	seq, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", 0, time.Time{}, false
	}
	ts, err := time.Parse(artifactTimeLayout, parts[2])
	if err != nil {
		return "", 0, time.Time{}, false
	}
	return kind, seq, ts.UTC(), true
}
