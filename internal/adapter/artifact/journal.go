// Package artifact persists flush outputs durably. Every artifact reaches
// its final name through a temp file, an fsync, a journaled pending mark, a
// rename, and a journaled commit, so a crash at any instant leaves either a
// complete artifact or none, never a partial one under a final name.
package artifact

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/solenlabs/chatvault/internal/domain"
)

const (
	journalName = ".flush-journal"
	tempPrefix  = ".tmp-"
	filePerm    = 0644
)

// Journal is the per-directory record of in-flight and committed writes.
// Appends are synced before the caller proceeds, which is what makes the
// pending/committed protocol trustworthy after a crash.
type Journal struct {
	dir    string
	path   string
	logger *slog.Logger

	mu sync.Mutex
	f  *os.File
}

// RecoveryState summarizes what startup recovery found and restored.
type RecoveryState struct {
	// NextSeq is the first unused sequence number per kind.
	NextSeq map[domain.ArtifactKind]uint64
	// Marks is the latest committed period end (or snapshot time) per kind.
	Marks map[domain.ArtifactKind]time.Time
	// CompletedRenames counts pending writes finished during recovery.
	CompletedRenames int
	// FailedWrites lists pending entries whose bytes are gone. Their
	// sequence numbers are permanent, logged gaps.
	FailedWrites []domain.JournalEntry
	// RemovedTemps counts orphan temp files deleted during recovery.
	RemovedTemps int
}

// OpenJournal opens (creating if needed) the journal for dir.
func OpenJournal(dir string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, journalName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to open flush journal %s: %w", path, err)
	}
	return &Journal{
		dir:    dir,
		path:   path,
		logger: logger.With("component", "flush_journal"),
		f:      f,
	}, nil
}

// Record appends one entry and syncs the journal.
func (j *Journal) Record(entry domain.JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync flush journal: %w", err)
	}
	return nil
}

// Close releases the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.f == nil {
		return nil
	}
	err := j.f.Close()
	j.f = nil
	return err
}

// Recover replays the journal against the directory and makes the two
// agree. Pending writes whose temp file survived are completed; pending
// writes whose final file already exists are acknowledged; pending writes
// with neither are recorded as permanent failures. Orphan temp files are
// removed, and the journal is then compacted to empty.
//
// A structurally broken line anywhere but the end is fatal: the journal is
// the source of truth for what was durably promised, and guessing past a
// hole could surface a partial artifact as complete.
func (j *Journal) Recover() (*RecoveryState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.readEntries()
	if err != nil {
		return nil, err
	}

	state := &RecoveryState{
		NextSeq: make(map[domain.ArtifactKind]uint64),
		Marks:   make(map[domain.ArtifactKind]time.Time),
	}

	type key struct {
		kind domain.ArtifactKind
		seq  uint64
	}
	latest := make(map[key]domain.JournalEntry)
	var order []key
	for _, entry := range entries {
		k := key{entry.Kind, entry.Sequence}
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = entry
	}

	for _, k := range order {
		entry := latest[k]
		switch entry.Status {
		case domain.StatusCommitted:
			j.noteCommitted(state, entry)
		case domain.StatusPending:
			if err := j.resolvePending(state, entry); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unknown status %q for %s sequence %d",
				domain.ErrJournalCorrupt, entry.Status, entry.Kind, entry.Sequence)
		}
	}

	if err := j.sweepDirectory(state); err != nil {
		return nil, err
	}

	for kind, seq := range state.NextSeq {
		state.NextSeq[kind] = seq + 1
	}
	for _, kind := range []domain.ArtifactKind{domain.KindDigest, domain.KindExport} {
		if _, ok := state.NextSeq[kind]; !ok {
			state.NextSeq[kind] = 1
		}
	}

	if err := j.compact(); err != nil {
		return nil, err
	}

	j.logger.Info("flush journal recovery complete",
		"next_digest_seq", state.NextSeq[domain.KindDigest],
		"next_export_seq", state.NextSeq[domain.KindExport],
		"completed_renames", state.CompletedRenames,
		"failed_writes", len(state.FailedWrites),
		"removed_temps", state.RemovedTemps)
	return state, nil
}

// readEntries parses the journal, tolerating only a torn final line.
func (j *Journal) readEntries() ([]domain.JournalEntry, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open flush journal for recovery: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read flush journal: %w", err)
	}

	var entries []domain.JournalEntry
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry domain.JournalEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			if i == len(lines)-1 {
				j.logger.Warn("dropping torn final journal line", "error", err)
				continue
			}
			return nil, fmt.Errorf("%w: line %d: %v", domain.ErrJournalCorrupt, i+1, err)
		}
		if !entry.Kind.Valid() {
			if i == len(lines)-1 {
				j.logger.Warn("dropping torn final journal line", "kind", string(entry.Kind))
				continue
			}
			return nil, fmt.Errorf("%w: line %d: unknown kind %q", domain.ErrJournalCorrupt, i+1, entry.Kind)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (j *Journal) noteCommitted(state *RecoveryState, entry domain.JournalEntry) {
	if entry.Sequence > state.NextSeq[entry.Kind] {
		state.NextSeq[entry.Kind] = entry.Sequence
	}
	if entry.PeriodEnd.After(state.Marks[entry.Kind]) {
		state.Marks[entry.Kind] = entry.PeriodEnd
	}
}

// resolvePending finishes or writes off one interrupted write.
func (j *Journal) resolvePending(state *RecoveryState, entry domain.JournalEntry) error {
	// The sequence was consumed the moment the pending mark was synced,
	// whatever happens next.
	if entry.Sequence > state.NextSeq[entry.Kind] {
		state.NextSeq[entry.Kind] = entry.Sequence
	}

	if _, err := os.Stat(entry.FinalPath); err == nil {
		// Crashed after the rename, before the commit mark.
		if entry.PeriodEnd.After(state.Marks[entry.Kind]) {
			state.Marks[entry.Kind] = entry.PeriodEnd
		}
		j.logger.Info("acknowledged committed artifact from interrupted flush", "path", entry.FinalPath)
		return nil
	}

	if _, err := os.Stat(entry.TempPath); err == nil {
		// Crashed after the temp file was durable; finish the publish.
		if err := os.Rename(entry.TempPath, entry.FinalPath); err != nil {
			return fmt.Errorf("failed to complete interrupted artifact %s: %w", entry.FinalPath, err)
		}
		if err := syncDir(j.dir); err != nil {
			return fmt.Errorf("failed to sync artifact directory: %w", err)
		}
		if entry.PeriodEnd.After(state.Marks[entry.Kind]) {
			state.Marks[entry.Kind] = entry.PeriodEnd
		}
		state.CompletedRenames++
		j.logger.Info("completed interrupted artifact write", "path", entry.FinalPath)
		return nil
	}

	state.FailedWrites = append(state.FailedWrites, entry)
	j.logger.Warn("artifact write permanently failed, sequence number is a gap",
		"kind", entry.Kind, "sequence", entry.Sequence, "final_path", entry.FinalPath)
	return nil
}

// sweepDirectory removes leftover temp files, every pending entry having
// been resolved by now, and folds committed artifact names into the
// sequence counters and marks, so history survives journal compaction.
func (j *Journal) sweepDirectory(state *RecoveryState) error {
	dirEntries, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("failed to read artifact directory: %w", err)
	}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, tempPrefix) {
			if err := os.Remove(filepath.Join(j.dir, name)); err != nil {
				j.logger.Warn("failed to remove orphan temp file", "name", name, "error", err)
				continue
			}
			state.RemovedTemps++
			j.logger.Info("removed orphan temp file", "name", name)
			continue
		}
		if kind, seq, ts, ok := domain.ParseArtifactFileName(name); ok {
			if seq > state.NextSeq[kind] {
				state.NextSeq[kind] = seq
			}
			if ts.After(state.Marks[kind]) {
				state.Marks[kind] = ts
			}
		}
	}
	return nil
}

// compact atomically resets the journal to empty. Everything it recorded
// has just been resolved, and committed history remains recoverable from
// the artifact names themselves.
func (j *Journal) compact() error {
	if j.f != nil {
		j.f.Close()
		j.f = nil
	}

	tmp := j.path + ".new"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create compacted journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync compacted journal: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close compacted journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("failed to swap compacted journal: %w", err)
	}
	if err := syncDir(j.dir); err != nil {
		return fmt.Errorf("failed to sync artifact directory: %w", err)
	}

	j.f, err = os.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to reopen flush journal: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
