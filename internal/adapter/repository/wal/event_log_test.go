package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/solenlabs/chatvault/internal/domain"
)

func setupTestLog(t *testing.T, maxSegmentSize int64) *EventLog {
	t.Helper()
	dir := t.TempDir()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	log, err := NewEventLog(dir, maxSegmentSize, logger)
	if err != nil {
		t.Fatalf("failed to create EventLog: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	return log
}

func testRecord(content string) domain.EventRecord {
	return domain.EventRecord{
		ID:        uuid.NewString(),
		EventTime: time.Now().UTC().Truncate(time.Millisecond),
		SourceTag: "test",
		Payload:   json.RawMessage(fmt.Sprintf(`{"content":%q}`, content)),
	}
}

func replayAll(t *testing.T, log *EventLog) []domain.EventRecord {
	t.Helper()
	var out []domain.EventRecord
	err := log.Replay(context.Background(), func(record domain.EventRecord) error {
		out = append(out, record)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to replay records: %v", err)
	}
	return out
}

func TestEventLog_AppendAndReplay(t *testing.T) {
	log := setupTestLog(t, 1024)

	records := []domain.EventRecord{
		testRecord("event 1"),
		testRecord("event 2"),
		testRecord("event 3"),
	}

	for _, record := range records {
		if err := log.Append(context.Background(), record); err != nil {
			t.Fatalf("failed to append record: %v", err)
		}
	}
	log.Close() // Close to simulate a restart

	reopened, err := NewEventLog(log.dir, 1024, log.logger)
	if err != nil {
		t.Fatalf("failed to re-open event log: %v", err)
	}
	defer reopened.Close()

	replayed := replayAll(t, reopened)
	if len(replayed) != len(records) {
		t.Fatalf("expected %d replayed records, got %d", len(records), len(replayed))
	}

	for i, record := range records {
		if replayed[i].ID != record.ID {
			t.Errorf("replayed record mismatch at index %d: got %s, want %s", i, replayed[i].ID, record.ID)
		}
		if !replayed[i].EventTime.Equal(record.EventTime) {
			t.Errorf("replayed event time mismatch at index %d: got %v, want %v", i, replayed[i].EventTime, record.EventTime)
		}
	}
}

func TestEventLog_SegmentRotation(t *testing.T) {
	// Set a very small segment size to force rotation
	log := setupTestLog(t, 100)

	record := testRecord("a message long enough to cause rotation")
	recordBytes, _ := json.Marshal(record)
	recordSize := len(recordBytes)

	// Append enough records to create at least 2 segments
	numWrites := (100 / recordSize) + 2
	for i := 0; i < numWrites; i++ {
		if err := log.Append(context.Background(), testRecord("a message long enough to cause rotation")); err != nil {
			t.Fatalf("failed to append record: %v", err)
		}
	}

	segments, err := log.getSortedSegments()
	if err != nil {
		t.Fatalf("failed to get segments: %v", err)
	}

	if len(segments) < 2 {
		t.Errorf("expected at least 2 segments, got %d", len(segments))
	}
}

func TestEventLog_Checkpoint(t *testing.T) {
	log := setupTestLog(t, 64) // tiny segments so the checkpoint spans several

	var records []domain.EventRecord
	for i := 0; i < 6; i++ {
		record := testRecord(fmt.Sprintf("event %d", i))
		records = append(records, record)
		if err := log.Append(context.Background(), record); err != nil {
			t.Fatalf("failed to append record: %v", err)
		}
	}

	survivors := records[4:]
	if err := log.Checkpoint(context.Background(), survivors); err != nil {
		t.Fatalf("failed to checkpoint: %v", err)
	}

	segments, err := log.getSortedSegments()
	if err != nil {
		t.Fatalf("failed to get segments: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment after checkpoint, got %d", len(segments))
	}

	replayed := replayAll(t, log)
	if len(replayed) != len(survivors) {
		t.Fatalf("expected %d survivors after checkpoint, got %d", len(survivors), len(replayed))
	}
	for i, record := range survivors {
		if replayed[i].ID != record.ID {
			t.Errorf("survivor mismatch at index %d: got %s, want %s", i, replayed[i].ID, record.ID)
		}
	}

	// The log must keep accepting appends after a checkpoint.
	extra := testRecord("post checkpoint")
	if err := log.Append(context.Background(), extra); err != nil {
		t.Fatalf("failed to append after checkpoint: %v", err)
	}
	replayed = replayAll(t, log)
	if len(replayed) != len(survivors)+1 {
		t.Fatalf("expected %d records after post-checkpoint append, got %d", len(survivors)+1, len(replayed))
	}
}

func TestEventLog_CheckpointEmpty(t *testing.T) {
	log := setupTestLog(t, 1024)

	if err := log.Append(context.Background(), testRecord("doomed")); err != nil {
		t.Fatalf("failed to append record: %v", err)
	}
	if err := log.Checkpoint(context.Background(), nil); err != nil {
		t.Fatalf("failed to checkpoint empty: %v", err)
	}

	if replayed := replayAll(t, log); len(replayed) != 0 {
		t.Fatalf("expected empty log after empty checkpoint, got %d records", len(replayed))
	}
}

func TestEventLog_TornFinalLineIsSkipped(t *testing.T) {
	log := setupTestLog(t, 4096)

	records := []domain.EventRecord{testRecord("whole 1"), testRecord("whole 2")}
	for _, record := range records {
		if err := log.Append(context.Background(), record); err != nil {
			t.Fatalf("failed to append record: %v", err)
		}
	}
	log.Close()

	// Simulate a crash tearing the final line.
	segments, err := log.getSortedSegments()
	if err != nil {
		t.Fatalf("failed to get segments: %v", err)
	}
	f, err := os.OpenFile(segments[len(segments)-1], os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("failed to open segment for corruption: %v", err)
	}
	if _, err := f.WriteString(`{"event_id":"torn","event_`); err != nil {
		t.Fatalf("failed to write torn line: %v", err)
	}
	f.Close()

	reopened, err := NewEventLog(log.dir, 4096, log.logger)
	if err != nil {
		t.Fatalf("failed to re-open event log: %v", err)
	}
	defer reopened.Close()

	replayed := replayAll(t, reopened)
	if len(replayed) != len(records) {
		t.Fatalf("expected torn line to be skipped, got %d records", len(replayed))
	}
	for i, record := range records {
		if replayed[i].ID != record.ID {
			t.Errorf("record mismatch at index %d: got %s, want %s", i, replayed[i].ID, record.ID)
		}
	}
}

func TestEventLog_AppendAfterReplay(t *testing.T) {
	log := setupTestLog(t, 1024)

	if err := log.Append(context.Background(), testRecord("before")); err != nil {
		t.Fatalf("failed to append record: %v", err)
	}
	if got := replayAll(t, log); len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}

	// Replay closes the active segment; appends must recover.
	if err := log.Append(context.Background(), testRecord("after")); err != nil {
		t.Fatalf("failed to append after replay: %v", err)
	}
	if got := replayAll(t, log); len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}
