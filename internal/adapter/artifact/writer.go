package artifact

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/solenlabs/chatvault/internal/domain"
)

// Writer publishes artifacts into a directory under the journal's
// protection. Sequence numbers are allocated here, per kind, and a number
// is consumed only once its pending mark may have reached the journal;
// failures before that point leave no trace and the number is reused.
type Writer struct {
	dir         string
	compression string
	journal     *Journal
	logger      *slog.Logger

	mu      sync.Mutex
	nextSeq map[domain.ArtifactKind]uint64
}

// NewWriter creates a Writer resuming the sequence counters recovered at
// startup.
func NewWriter(dir, compression string, journal *Journal, state *RecoveryState, logger *slog.Logger) *Writer {
	next := make(map[domain.ArtifactKind]uint64)
	for kind, seq := range state.NextSeq {
		next[kind] = seq
	}
	for _, kind := range []domain.ArtifactKind{domain.KindDigest, domain.KindExport} {
		if next[kind] == 0 {
			next[kind] = 1
		}
	}
	return &Writer{
		dir:         dir,
		compression: compression,
		journal:     journal,
		logger:      logger.With("component", "artifact_writer"),
		nextSeq:     next,
	}
}

// NextSequence reports the sequence the next commit of kind would take.
func (w *Writer) NextSequence(kind domain.ArtifactKind) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq[kind]
}

// Commit renders and durably publishes one artifact, returning the final
// file name, the consumed sequence, and the encoded bytes as written.
// render receives the allocated sequence so it can be embedded in the
// payload; a render or encoding failure surfaces as a BuildError and
// burns nothing. stamp is the digest period end or the export snapshot
// time, and lands both in the file name and in the journal.
//
// Once the pending mark is attempted, any failure surfaces as a
// WriteError and the sequence number stays consumed; startup recovery
// either finishes the publish or records the number as a gap.
func (w *Writer) Commit(ctx context.Context, kind domain.ArtifactKind, stamp time.Time, render func(seq uint64) ([]byte, error)) (string, uint64, []byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", 0, nil, err
	}

	seq := w.nextSeq[kind]

	data, err := render(seq)
	if err != nil {
		return "", 0, nil, &domain.BuildError{Kind: kind, Cause: err}
	}
	encoded, ext, err := encode(w.compression, data)
	if err != nil {
		return "", 0, nil, &domain.BuildError{Kind: kind, Cause: err}
	}

	finalName := domain.ArtifactFileName(kind, seq, stamp, ext)
	finalPath := filepath.Join(w.dir, finalName)
	tempPath := filepath.Join(w.dir, tempPrefix+finalName)

	if err := writeFileSynced(tempPath, encoded); err != nil {
		os.Remove(tempPath)
		return "", 0, nil, &domain.WriteError{Kind: kind, Path: tempPath, Cause: err}
	}

	entry := domain.JournalEntry{
		Kind:       kind,
		Sequence:   seq,
		TempPath:   tempPath,
		FinalPath:  finalPath,
		Status:     domain.StatusPending,
		PeriodEnd:  stamp.UTC(),
		RecordedAt: time.Now().UTC(),
	}
	if err := w.journal.Record(entry); err != nil {
		// The pending mark may or may not have reached disk. Burn the
		// sequence either way so it can never name two artifacts, and
		// drop the temp so recovery records a clean gap.
		w.nextSeq[kind] = seq + 1
		os.Remove(tempPath)
		return "", 0, nil, &domain.WriteError{Kind: kind, Path: tempPath, Cause: err}
	}
	w.nextSeq[kind] = seq + 1

	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", 0, nil, &domain.WriteError{Kind: kind, Path: finalPath, Cause: err}
	}
	if err := syncDir(w.dir); err != nil {
		return "", 0, nil, &domain.WriteError{Kind: kind, Path: finalPath, Cause: err}
	}

	entry.Status = domain.StatusCommitted
	entry.RecordedAt = time.Now().UTC()
	if err := w.journal.Record(entry); err != nil {
		// The artifact is already durable under its final name; the next
		// startup reconciles the journal from the directory. The flush
		// itself succeeded.
		w.logger.Error("artifact committed but journal update failed", "path", finalPath, "error", err)
	}

	w.logger.Info("artifact committed", "kind", string(kind), "sequence", seq, "path", finalPath, "bytes", len(encoded))
	return finalName, seq, encoded, nil
}

func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
