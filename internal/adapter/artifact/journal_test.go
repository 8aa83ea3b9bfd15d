package artifact

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/solenlabs/chatvault/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeJournalLines(t *testing.T, dir string, lines ...string) {
	t.Helper()
	var data []byte
	for _, line := range lines {
		data = append(data, line...)
		data = append(data, '\n')
	}
	if err := os.WriteFile(filepath.Join(dir, journalName), data, 0644); err != nil {
		t.Fatalf("failed to seed journal: %v", err)
	}
}

func entryLine(t *testing.T, entry domain.JournalEntry) string {
	t.Helper()
	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("failed to marshal entry: %v", err)
	}
	return string(data)
}

func runRecovery(t *testing.T, dir string) *RecoveryState {
	t.Helper()
	j, err := OpenJournal(dir, testLogger())
	if err != nil {
		t.Fatalf("OpenJournal() returned error: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	state, err := j.Recover()
	if err != nil {
		t.Fatalf("Recover() returned error: %v", err)
	}
	return state
}

func stamp(min int) time.Time {
	return time.Date(2025, 3, 10, 12, min, 0, 0, time.UTC)
}

func TestRecoverEmptyDirectory(t *testing.T) {
	state := runRecovery(t, t.TempDir())

	if state.NextSeq[domain.KindDigest] != 1 || state.NextSeq[domain.KindExport] != 1 {
		t.Errorf("expected both counters at 1, got %v", state.NextSeq)
	}
	if len(state.Marks) != 0 {
		t.Errorf("expected no marks, got %v", state.Marks)
	}
}

func TestRecoverCommittedHistory(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, domain.ArtifactFileName(domain.KindDigest, 3, stamp(30), "json"))
	if err := os.WriteFile(final, []byte(`{}`), 0644); err != nil {
		t.Fatalf("failed to seed artifact: %v", err)
	}

	pending := domain.JournalEntry{
		Kind: domain.KindDigest, Sequence: 3,
		TempPath:  filepath.Join(dir, tempPrefix+filepath.Base(final)),
		FinalPath: final,
		Status:    domain.StatusPending, PeriodEnd: stamp(30),
	}
	committed := pending
	committed.Status = domain.StatusCommitted
	writeJournalLines(t, dir, entryLine(t, pending), entryLine(t, committed))

	state := runRecovery(t, dir)

	if state.NextSeq[domain.KindDigest] != 4 {
		t.Errorf("expected next digest seq 4, got %d", state.NextSeq[domain.KindDigest])
	}
	if !state.Marks[domain.KindDigest].Equal(stamp(30)) {
		t.Errorf("expected digest mark %v, got %v", stamp(30), state.Marks[domain.KindDigest])
	}
	if state.CompletedRenames != 0 || len(state.FailedWrites) != 0 {
		t.Errorf("expected clean recovery, got %+v", state)
	}

	// The journal must be compacted once everything is resolved.
	data, err := os.ReadFile(filepath.Join(dir, journalName))
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("expected empty journal after compaction, got %d bytes", len(data))
	}
}

func TestRecoverCompletesPendingWithTemp(t *testing.T) {
	dir := t.TempDir()
	finalName := domain.ArtifactFileName(domain.KindExport, 2, stamp(45), "json")
	tempPath := filepath.Join(dir, tempPrefix+finalName)
	finalPath := filepath.Join(dir, finalName)

	if err := os.WriteFile(tempPath, []byte(`{"records":[]}`), 0644); err != nil {
		t.Fatalf("failed to seed temp file: %v", err)
	}
	entry := domain.JournalEntry{
		Kind: domain.KindExport, Sequence: 2,
		TempPath: tempPath, FinalPath: finalPath,
		Status: domain.StatusPending, PeriodEnd: stamp(45),
	}
	writeJournalLines(t, dir, entryLine(t, entry))

	state := runRecovery(t, dir)

	if state.CompletedRenames != 1 {
		t.Errorf("expected 1 completed rename, got %d", state.CompletedRenames)
	}
	if _, err := os.Stat(finalPath); err != nil {
		t.Errorf("expected final artifact to exist: %v", err)
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Error("expected temp file to be gone")
	}
	if !state.Marks[domain.KindExport].Equal(stamp(45)) {
		t.Errorf("expected export mark %v, got %v", stamp(45), state.Marks[domain.KindExport])
	}
	if state.NextSeq[domain.KindExport] != 3 {
		t.Errorf("expected next export seq 3, got %d", state.NextSeq[domain.KindExport])
	}
}

func TestRecoverAcknowledgesPendingWithFinal(t *testing.T) {
	dir := t.TempDir()
	finalName := domain.ArtifactFileName(domain.KindDigest, 1, stamp(10), "json")
	finalPath := filepath.Join(dir, finalName)
	if err := os.WriteFile(finalPath, []byte(`{}`), 0644); err != nil {
		t.Fatalf("failed to seed final artifact: %v", err)
	}

	entry := domain.JournalEntry{
		Kind: domain.KindDigest, Sequence: 1,
		TempPath:  filepath.Join(dir, tempPrefix+finalName),
		FinalPath: finalPath,
		Status:    domain.StatusPending, PeriodEnd: stamp(10),
	}
	writeJournalLines(t, dir, entryLine(t, entry))

	state := runRecovery(t, dir)

	if state.CompletedRenames != 0 {
		t.Errorf("expected no renames, got %d", state.CompletedRenames)
	}
	if len(state.FailedWrites) != 0 {
		t.Errorf("expected no failed writes, got %d", len(state.FailedWrites))
	}
	if !state.Marks[domain.KindDigest].Equal(stamp(10)) {
		t.Errorf("expected digest mark %v, got %v", stamp(10), state.Marks[domain.KindDigest])
	}
}

func TestRecoverRecordsGapForLostPending(t *testing.T) {
	dir := t.TempDir()
	finalName := domain.ArtifactFileName(domain.KindDigest, 5, stamp(20), "json")
	entry := domain.JournalEntry{
		Kind: domain.KindDigest, Sequence: 5,
		TempPath:  filepath.Join(dir, tempPrefix+finalName),
		FinalPath: filepath.Join(dir, finalName),
		Status:    domain.StatusPending, PeriodEnd: stamp(20),
	}
	writeJournalLines(t, dir, entryLine(t, entry))

	state := runRecovery(t, dir)

	if len(state.FailedWrites) != 1 || state.FailedWrites[0].Sequence != 5 {
		t.Fatalf("expected sequence 5 recorded as failed, got %+v", state.FailedWrites)
	}
	// The burned sequence must never be reissued.
	if state.NextSeq[domain.KindDigest] != 6 {
		t.Errorf("expected next digest seq 6, got %d", state.NextSeq[domain.KindDigest])
	}
	// A failed write advances no mark.
	if _, ok := state.Marks[domain.KindDigest]; ok {
		t.Errorf("expected no digest mark, got %v", state.Marks[domain.KindDigest])
	}
}

func TestRecoverRemovesOrphanTemps(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, tempPrefix+"export_000009_20250310T120000Z.json")
	if err := os.WriteFile(orphan, []byte("partial"), 0644); err != nil {
		t.Fatalf("failed to seed orphan temp: %v", err)
	}

	state := runRecovery(t, dir)

	if state.RemovedTemps != 1 {
		t.Errorf("expected 1 removed temp, got %d", state.RemovedTemps)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("expected orphan temp to be removed")
	}
	// An orphan temp never had a pending mark; it consumes no sequence.
	if state.NextSeq[domain.KindExport] != 1 {
		t.Errorf("expected next export seq 1, got %d", state.NextSeq[domain.KindExport])
	}
}

func TestRecoverToleratesTornFinalLine(t *testing.T) {
	dir := t.TempDir()
	committed := domain.JournalEntry{
		Kind: domain.KindDigest, Sequence: 1,
		FinalPath: filepath.Join(dir, domain.ArtifactFileName(domain.KindDigest, 1, stamp(5), "json")),
		Status:    domain.StatusCommitted, PeriodEnd: stamp(5),
	}
	writeJournalLines(t, dir, entryLine(t, committed), `{"kind":"exp`)

	state := runRecovery(t, dir)

	if state.NextSeq[domain.KindDigest] != 2 {
		t.Errorf("expected next digest seq 2, got %d", state.NextSeq[domain.KindDigest])
	}
}

func TestRecoverFatalOnInteriorCorruption(t *testing.T) {
	dir := t.TempDir()
	committed := domain.JournalEntry{
		Kind: domain.KindDigest, Sequence: 1,
		Status: domain.StatusCommitted, PeriodEnd: stamp(5),
	}
	writeJournalLines(t, dir, `this is not json`, entryLine(t, committed))

	j, err := OpenJournal(dir, testLogger())
	if err != nil {
		t.Fatalf("OpenJournal() returned error: %v", err)
	}
	defer j.Close()

	if _, err := j.Recover(); !errors.Is(err, domain.ErrJournalCorrupt) {
		t.Fatalf("expected ErrJournalCorrupt, got %v", err)
	}
}

func TestRecoverFatalOnUnknownStatus(t *testing.T) {
	dir := t.TempDir()
	odd := domain.JournalEntry{
		Kind: domain.KindDigest, Sequence: 1,
		Status: domain.JournalStatus("half-done"), PeriodEnd: stamp(5),
	}
	good := domain.JournalEntry{
		Kind: domain.KindDigest, Sequence: 2,
		Status: domain.StatusCommitted, PeriodEnd: stamp(6),
	}
	writeJournalLines(t, dir, entryLine(t, odd), entryLine(t, good))

	j, err := OpenJournal(dir, testLogger())
	if err != nil {
		t.Fatalf("OpenJournal() returned error: %v", err)
	}
	defer j.Close()

	if _, err := j.Recover(); !errors.Is(err, domain.ErrJournalCorrupt) {
		t.Fatalf("expected ErrJournalCorrupt, got %v", err)
	}
}

func TestRecoverSequencesFromDirectoryScan(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		domain.ArtifactFileName(domain.KindDigest, 7, stamp(15), "json"),
		domain.ArtifactFileName(domain.KindDigest, 8, stamp(25), "json.gz"),
		domain.ArtifactFileName(domain.KindExport, 2, stamp(40), "json.zst"),
		"unrelated.txt",
	}
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("failed to seed file: %v", err)
		}
	}

	// No journal at all; everything is reconstructed from names.
	state := runRecovery(t, dir)

	if state.NextSeq[domain.KindDigest] != 9 {
		t.Errorf("expected next digest seq 9, got %d", state.NextSeq[domain.KindDigest])
	}
	if state.NextSeq[domain.KindExport] != 3 {
		t.Errorf("expected next export seq 3, got %d", state.NextSeq[domain.KindExport])
	}
	if !state.Marks[domain.KindDigest].Equal(stamp(25)) {
		t.Errorf("expected digest mark %v, got %v", stamp(25), state.Marks[domain.KindDigest])
	}
	if !state.Marks[domain.KindExport].Equal(stamp(40)) {
		t.Errorf("expected export mark %v, got %v", stamp(40), state.Marks[domain.KindExport])
	}
}
