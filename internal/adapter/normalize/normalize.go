// Package normalize turns raw upstream payloads into canonical event
// records. Feeds disagree on field names and timestamp formats, so this is
// the single place where those dialects are reconciled.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/solenlabs/chatvault/internal/domain"
)

var (
	idKeys     = []string{"event_id", "message_id", "id"}
	timeKeys   = []string{"timestamp", "event_time", "created_at"}
	sourceKeys = []string{"source", "channel", "channel_name"}
)

// Normalizer parses and validates raw events against the canonical record
// shape. It is safe for concurrent use.
type Normalizer struct {
	maxSize    int64
	defaultTag string
	now        func() time.Time
}

// New builds a Normalizer. maxSize of zero disables the size check.
func New(maxSize int64, defaultTag string) *Normalizer {
	return &Normalizer{maxSize: maxSize, defaultTag: defaultTag, now: time.Now}
}

// Normalize converts raw into an EventRecord. Failures are reported as
// MalformedEventError so callers can drop the event without stopping the
// feed.
func (n *Normalizer) Normalize(raw domain.RawEvent) (domain.EventRecord, error) {
	var rec domain.EventRecord

	if len(raw.Body) == 0 {
		return rec, &domain.MalformedEventError{Reason: "empty body"}
	}
	if n.maxSize > 0 && int64(len(raw.Body)) > n.maxSize {
		return rec, &domain.MalformedEventError{
			Reason: fmt.Sprintf("body of %d bytes exceeds limit of %d", len(raw.Body), n.maxSize),
		}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw.Body, &fields); err != nil {
		return rec, &domain.MalformedEventError{Reason: "body is not a JSON object", Cause: err}
	}

	rec.ReceivedAt = n.now().UTC()
	rec.Payload = json.RawMessage(raw.Body)

	id, err := n.extractID(raw.Body, fields)
	if err != nil {
		return rec, err
	}
	rec.ID = id

	eventTime, err := extractTime(fields)
	if err != nil {
		return rec, err
	}
	if eventTime.IsZero() {
		eventTime = rec.ReceivedAt
	}
	rec.EventTime = eventTime.UTC()

	rec.SourceTag = extractSource(fields, raw.Origin, n.defaultTag)
	rec.Author = extractAuthor(fields)

	return rec, nil
}

// extractID prefers an identifier carried by the event itself. Without one
// the id is derived from the canonical form of the whole payload, so the
// same content always maps to the same id regardless of key ordering.
func (n *Normalizer) extractID(body []byte, fields map[string]json.RawMessage) (string, error) {
	for _, key := range idKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if s, ok := asString(raw); ok {
			if strings.TrimSpace(s) == "" {
				return "", &domain.MalformedEventError{Reason: fmt.Sprintf("field %q is blank", key)}
			}
			return s, nil
		}
		if i, ok := asInteger(raw); ok {
			return strconv.FormatInt(i, 10), nil
		}
		return "", &domain.MalformedEventError{Reason: fmt.Sprintf("field %q is neither string nor integer", key)}
	}

	canonical, err := jcs.Transform(body)
	if err != nil {
		return "", &domain.MalformedEventError{Reason: "payload cannot be canonicalized", Cause: err}
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

func extractTime(fields map[string]json.RawMessage) (time.Time, error) {
	for _, key := range timeKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if s, ok := asString(raw); ok {
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
				if ts, err := time.Parse(layout, s); err == nil {
					return ts, nil
				}
			}
			return time.Time{}, &domain.MalformedEventError{Reason: fmt.Sprintf("field %q has unrecognized time format %q", key, s)}
		}
		if f, ok := asNumber(raw); ok {
			return fromUnix(f), nil
		}
		return time.Time{}, &domain.MalformedEventError{Reason: fmt.Sprintf("field %q is neither string nor number", key)}
	}
	return time.Time{}, nil
}

// fromUnix treats values past the year 33658 as milliseconds. Chat
// platforms ship both, and seconds never reach 13 digits in this era.
func fromUnix(v float64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(int64(v))
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

func extractSource(fields map[string]json.RawMessage, origin, defaultTag string) string {
	for _, key := range sourceKeys {
		if raw, ok := fields[key]; ok {
			if s, ok := asString(raw); ok && s != "" {
				return s
			}
		}
	}
	if origin != "" {
		return origin
	}
	return defaultTag
}

func extractAuthor(fields map[string]json.RawMessage) string {
	raw, ok := fields["author"]
	if !ok {
		return ""
	}
	if s, ok := asString(raw); ok {
		return s
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	for _, key := range []string{"name", "display_name", "username"} {
		if inner, ok := obj[key]; ok {
			if s, ok := asString(inner); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func asString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func asInteger(raw json.RawMessage) (int64, bool) {
	var n json.Number
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	i, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return i, true
}

func asNumber(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}
