// Package digest builds periodic rollup artifacts from buffered records.
package digest

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/solenlabs/chatvault/internal/domain"
)

const (
	excerptRunes = 140
	unknownKey   = "(unknown)"
	localLayout  = "2006-01-02 15:04:05 MST"
)

// Builder aggregates records into digest groups. It is pure: the same
// records and period always produce the same artifact, sequence aside.
type Builder struct {
	groupBy    string
	maxSamples int
	loc        *time.Location
}

// NewBuilder configures digest construction. groupBy is "source" or
// "author"; maxSamples caps the representative records kept per group.
func NewBuilder(groupBy string, maxSamples int, loc *time.Location) *Builder {
	return &Builder{groupBy: groupBy, maxSamples: maxSamples, loc: loc}
}

// Build assembles the digest for records whose event time lies in
// (periodStart, periodEnd]. The caller filters; Build only aggregates.
// Sequence is left zero for the writer to assign at commit time.
func (b *Builder) Build(records []domain.EventRecord, periodStart, periodEnd, generatedAt time.Time) *domain.DigestArtifact {
	buckets := make(map[string][]domain.EventRecord)
	for _, rec := range records {
		key := b.groupKey(rec)
		buckets[key] = append(buckets[key], rec)
	}

	groups := make([]domain.DigestGroup, 0, len(buckets))
	for key, members := range buckets {
		sort.Slice(members, func(i, j int) bool {
			if !members[i].EventTime.Equal(members[j].EventTime) {
				return members[i].EventTime.Before(members[j].EventTime)
			}
			return members[i].Seq < members[j].Seq
		})

		group := domain.DigestGroup{
			Key:       key,
			Count:     len(members),
			FirstTime: members[0].EventTime,
			LastTime:  members[len(members)-1].EventTime,
		}
		for i := 0; i < len(members) && i < b.maxSamples; i++ {
			group.Samples = append(group.Samples, domain.DigestSample{
				ID:        members[i].ID,
				EventTime: members[i].EventTime,
				Author:    members[i].Author,
				Excerpt:   excerpt(members[i].Payload),
			})
		}
		groups = append(groups, group)
	}

	// Busiest groups first; the key breaks ties so output is stable.
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Key < groups[j].Key
	})

	return &domain.DigestArtifact{
		Kind:        domain.KindDigest,
		PeriodStart: periodStart.UTC(),
		PeriodEnd:   periodEnd.UTC(),
		GeneratedAt: generatedAt.UTC(),
		LocalTime:   periodEnd.In(b.loc).Format(localLayout),
		GroupBy:     b.groupBy,
		RecordCount: len(records),
		Groups:      groups,
	}
}

func (b *Builder) groupKey(rec domain.EventRecord) string {
	var key string
	switch b.groupBy {
	case "author":
		key = rec.Author
	default:
		key = rec.SourceTag
	}
	if key == "" {
		return unknownKey
	}
	return key
}

// excerpt pulls a short preview from the record payload, preferring the
// scrubbed text over the raw one.
func excerpt(payload json.RawMessage) string {
	var fields struct {
		ContentClean string `json:"content_clean"`
		Content      string `json:"content"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	text := fields.ContentClean
	if text == "" {
		text = fields.Content
	}
	runes := []rune(text)
	if len(runes) > excerptRunes {
		return string(runes[:excerptRunes])
	}
	return text
}
