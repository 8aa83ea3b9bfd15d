// Package export builds full-snapshot and windowed artifacts carrying
// complete records.
package export

import (
	"sort"
	"time"

	"github.com/solenlabs/chatvault/internal/domain"
)

const localLayout = "2006-01-02 15:04:05 MST"

// Builder assembles export artifacts. Like the digest builder it is pure.
type Builder struct {
	loc *time.Location
}

// NewBuilder configures export construction.
func NewBuilder(loc *time.Location) *Builder {
	return &Builder{loc: loc}
}

// Build assembles an export over the given records. windowHours is zero
// for a full snapshot and positive for an on-demand trailing window. The
// records are reordered by event time; the caller's slice is not touched.
// Sequence is left zero for the writer to assign at commit time.
func (b *Builder) Build(records []domain.EventRecord, snapshotTime time.Time, windowHours int) *domain.ExportArtifact {
	sorted := make([]domain.EventRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].EventTime.Equal(sorted[j].EventTime) {
			return sorted[i].EventTime.Before(sorted[j].EventTime)
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	sourceCounts := make(map[string]int)
	for _, rec := range sorted {
		sourceCounts[rec.SourceTag]++
	}

	return &domain.ExportArtifact{
		Kind:         domain.KindExport,
		SnapshotTime: snapshotTime.UTC(),
		LocalTime:    snapshotTime.In(b.loc).Format(localLayout),
		WindowHours:  windowHours,
		RecordCount:  len(sorted),
		SourceCounts: sourceCounts,
		Records:      sorted,
	}
}
