// Package buffer holds the in-memory deduplicated working set of event
// records between flushes.
package buffer

import (
	"sync"
	"time"

	"github.com/solenlabs/chatvault/internal/domain"
)

// Buffer is an insertion-ordered, id-keyed record store. The first record
// seen for an id wins; later arrivals with the same id are discarded
// regardless of content. All methods are safe for concurrent use, and the
// read paths copy under a read lock so ingestion never stalls behind a
// flush building its snapshot.
//
// The buffer also owns the flush high-water marks: the end of the last
// committed digest period and the time of the last committed full export.
type Buffer struct {
	mu         sync.RWMutex
	byID       map[string]int
	order      []domain.EventRecord
	nextSeq    uint64
	digestMark time.Time
	exportTime time.Time
}

// New creates an empty Buffer.
func New() *Buffer {
	return &Buffer{byID: make(map[string]int), nextSeq: 1}
}

// Insert adds rec unless its id is already retained. The buffer assigns
// the record's arrival sequence; any Seq on the way in is overwritten.
func (b *Buffer) Insert(rec domain.EventRecord) domain.InsertOutcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byID[rec.ID]; ok {
		return domain.Duplicate
	}

	rec.Seq = b.nextSeq
	b.nextSeq++
	b.byID[rec.ID] = len(b.order)
	b.order = append(b.order, rec)
	return domain.Inserted
}

// Contains reports whether an id is already retained. Used as a cheap
// pre-check before paying for a durable append; Insert remains the
// authoritative decision.
func (b *Buffer) Contains(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byID[id]
	return ok
}

// Len returns the number of retained records.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

// Snapshot returns a copy of every retained record in arrival order.
func (b *Buffer) Snapshot() []domain.EventRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.EventRecord, len(b.order))
	copy(out, b.order)
	return out
}

// Between returns records whose event time falls in (start, end], in
// arrival order. A zero start means everything up to end.
func (b *Buffer) Between(start, end time.Time) []domain.EventRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.EventRecord
	for _, rec := range b.order {
		if !start.IsZero() && !rec.EventTime.After(start) {
			continue
		}
		if rec.EventTime.After(end) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Window returns records whose event time is at or after cutoff, in
// arrival order.
func (b *Buffer) Window(cutoff time.Time) []domain.EventRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []domain.EventRecord
	for _, rec := range b.order {
		if rec.EventTime.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Prune removes records whose event time is strictly before horizon and
// returns how many were removed. Callers must only invoke this after a
// committed export has covered the removed records.
func (b *Buffer) Prune(horizon time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.order[:0]
	removed := 0
	for _, rec := range b.order {
		if rec.EventTime.Before(horizon) {
			delete(b.byID, rec.ID)
			removed++
			continue
		}
		kept = append(kept, rec)
	}
	b.order = kept
	for i, rec := range b.order {
		b.byID[rec.ID] = i
	}
	return removed
}

// DigestMark returns the end of the last committed digest period.
func (b *Buffer) DigestMark() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.digestMark
}

// SetDigestMark records the end of a committed digest period. Earlier
// values are ignored so recovery and flushes can race safely.
func (b *Buffer) SetDigestMark(mark time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if mark.After(b.digestMark) {
		b.digestMark = mark
	}
}

// ExportTime returns the snapshot time of the last committed full export.
func (b *Buffer) ExportTime() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.exportTime
}

// SetExportTime records the snapshot time of a committed full export.
// Earlier values are ignored.
func (b *Buffer) SetExportTime(at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if at.After(b.exportTime) {
		b.exportTime = at
	}
}
