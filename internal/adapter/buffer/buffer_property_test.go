package buffer

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/solenlabs/chatvault/internal/domain"
)

// arrival turns a generated id sequence into records whose payloads encode
// their arrival position, so first-write-wins is checkable afterwards.
func arrival(ids []int) []domain.EventRecord {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	records := make([]domain.EventRecord, len(ids))
	for i, id := range ids {
		records[i] = rec(fmt.Sprintf("id-%d", id), base.Add(time.Duration(i)*time.Second), fmt.Sprintf(`{"n":%d}`, i))
	}
	return records
}

func TestBufferProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	idSeq := gen.SliceOf(gen.IntRange(0, 9))

	properties.Property("retained count equals distinct ids", prop.ForAll(
		func(ids []int) bool {
			b := New()
			distinct := make(map[int]struct{})
			for _, id := range ids {
				distinct[id] = struct{}{}
			}
			for _, r := range arrival(ids) {
				b.Insert(r)
			}
			return b.Len() == len(distinct)
		},
		idSeq,
	))

	properties.Property("redelivering the whole sequence changes nothing", prop.ForAll(
		func(ids []int) bool {
			b := New()
			records := arrival(ids)
			for _, r := range records {
				b.Insert(r)
			}
			before := b.Snapshot()
			for _, r := range records {
				if b.Insert(r) != domain.Duplicate && len(ids) > 0 {
					return false
				}
			}
			after := b.Snapshot()
			if len(before) != len(after) {
				return false
			}
			for i := range before {
				if before[i].ID != after[i].ID || string(before[i].Payload) != string(after[i].Payload) {
					return false
				}
			}
			return true
		},
		idSeq,
	))

	properties.Property("earliest arrival wins for every id", prop.ForAll(
		func(ids []int) bool {
			b := New()
			firstSeen := make(map[string]string)
			for i, r := range arrival(ids) {
				if _, ok := firstSeen[r.ID]; !ok {
					firstSeen[r.ID] = fmt.Sprintf(`{"n":%d}`, i)
				}
				b.Insert(r)
			}
			for _, r := range b.Snapshot() {
				if string(r.Payload) != firstSeen[r.ID] {
					return false
				}
			}
			return true
		},
		idSeq,
	))

	properties.Property("snapshot order follows first arrival", prop.ForAll(
		func(ids []int) bool {
			b := New()
			var wantOrder []string
			seen := make(map[string]struct{})
			for _, r := range arrival(ids) {
				if _, ok := seen[r.ID]; !ok {
					seen[r.ID] = struct{}{}
					wantOrder = append(wantOrder, r.ID)
				}
				b.Insert(r)
			}
			snap := b.Snapshot()
			if len(snap) != len(wantOrder) {
				return false
			}
			for i, id := range wantOrder {
				if snap[i].ID != id {
					return false
				}
			}
			return true
		},
		idSeq,
	))

	properties.Property("pruning removes exactly the records before the horizon", prop.ForAll(
		func(ids []int, horizonSec int) bool {
			b := New()
			records := arrival(ids)
			for _, r := range records {
				b.Insert(r)
			}
			horizon := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC).Add(time.Duration(horizonSec) * time.Second)

			wantSurvivors := 0
			for _, r := range b.Snapshot() {
				if !r.EventTime.Before(horizon) {
					wantSurvivors++
				}
			}

			before := b.Len()
			removed := b.Prune(horizon)
			if b.Len() != before-removed || b.Len() != wantSurvivors {
				return false
			}
			for _, r := range b.Snapshot() {
				if r.EventTime.Before(horizon) {
					return false
				}
			}
			return true
		},
		idSeq,
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}
