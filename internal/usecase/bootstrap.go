package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/solenlabs/chatvault/internal/adapter/artifact"
	"github.com/solenlabs/chatvault/internal/adapter/buffer"
	"github.com/solenlabs/chatvault/internal/adapter/metrics"
	"github.com/solenlabs/chatvault/internal/adapter/repository/wal"
	"github.com/solenlabs/chatvault/internal/domain"
	"github.com/solenlabs/chatvault/internal/pkg/config"
	"github.com/solenlabs/chatvault/internal/pkg/lockfile"
)

// Vault is the recovered long-lived state of the service: the exclusive
// output root lock, the replayed buffer, the open event log, and one
// journaled writer per artifact directory.
type Vault struct {
	Lock          *lockfile.Lock
	Buffer        *buffer.Buffer
	EventLog      *wal.EventLog
	DigestJournal *artifact.Journal
	ExportJournal *artifact.Journal
	DigestWriter  *artifact.Writer
	ExportWriter  *artifact.Writer
	StartedAt     time.Time
}

// Bootstrap claims the output root and rebuilds state from disk. The
// order matters: journals recover first so half-published artifacts are
// resolved before anything new can be written, then the event log
// replays into a fresh buffer, then the flush marks are restored and
// the buffer is pruned back to the recovered horizon so records that an
// earlier run already pruned cannot resurrect from stale segments.
func Bootstrap(ctx context.Context, cfg *config.Config, m *metrics.VaultMetrics, logger *slog.Logger) (*Vault, error) {
	logger = logger.With("component", "bootstrap")

	for _, dir := range []string{cfg.OutputRoot, cfg.WALDir, cfg.DigestDir, cfg.ExportDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	lock, err := lockfile.Acquire(cfg.LockPath())
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Vault, error) {
		lock.Release()
		return nil, err
	}

	digestJournal, err := artifact.OpenJournal(cfg.DigestDir, logger)
	if err != nil {
		return fail(fmt.Errorf("open digest journal: %w", err))
	}
	digestState, err := digestJournal.Recover()
	if err != nil {
		digestJournal.Close()
		return fail(fmt.Errorf("recover digest journal: %w", err))
	}
	exportJournal, err := artifact.OpenJournal(cfg.ExportDir, logger)
	if err != nil {
		digestJournal.Close()
		return fail(fmt.Errorf("open export journal: %w", err))
	}
	exportState, err := exportJournal.Recover()
	if err != nil {
		digestJournal.Close()
		exportJournal.Close()
		return fail(fmt.Errorf("recover export journal: %w", err))
	}
	logger.Info("artifact journals recovered",
		"digest_renames_completed", digestState.CompletedRenames,
		"digest_gaps", len(digestState.FailedWrites),
		"export_renames_completed", exportState.CompletedRenames,
		"export_gaps", len(exportState.FailedWrites),
		"temps_removed", digestState.RemovedTemps+exportState.RemovedTemps)

	eventLog, err := wal.NewEventLog(cfg.WALDir, cfg.WALSegmentSize, logger)
	if err != nil {
		digestJournal.Close()
		exportJournal.Close()
		return fail(fmt.Errorf("open event log: %w", err))
	}
	closeAll := func() {
		eventLog.Close()
		digestJournal.Close()
		exportJournal.Close()
	}

	buf := buffer.New()
	replayed, duplicates := 0, 0
	err = eventLog.Replay(ctx, func(rec domain.EventRecord) error {
		if buf.Insert(rec) == domain.Inserted {
			replayed++
		} else {
			duplicates++
		}
		return nil
	})
	if err != nil {
		closeAll()
		return fail(fmt.Errorf("replay event log: %w", err))
	}

	buf.SetDigestMark(digestState.Marks[domain.KindDigest])
	buf.SetExportTime(exportState.Marks[domain.KindExport])

	// Replay resurrects anything still present in un-checkpointed
	// segments, including records a previous run pruned. Cut the buffer
	// back to the horizon implied by the last committed export.
	if cfg.RetentionHorizon > 0 {
		if exportTime := buf.ExportTime(); !exportTime.IsZero() {
			horizon := exportTime.Add(-cfg.RetentionHorizon)
			if pruned := buf.Prune(horizon); pruned > 0 {
				logger.Info("dropped replayed records past recovered horizon",
					"count", pruned,
					"horizon", horizon.Format(time.RFC3339))
			}
		}
	}
	m.BufferRecords.Set(float64(buf.Len()))

	digestWriter := artifact.NewWriter(cfg.DigestDir, cfg.Compression, digestJournal, digestState, logger)
	exportWriter := artifact.NewWriter(cfg.ExportDir, cfg.Compression, exportJournal, exportState, logger)

	logger.Info("vault recovered",
		"buffer_records", buf.Len(),
		"replayed", replayed,
		"replay_duplicates", duplicates,
		"digest_mark", buf.DigestMark().Format(time.RFC3339),
		"export_time", buf.ExportTime().Format(time.RFC3339),
		"next_digest_seq", digestWriter.NextSequence(domain.KindDigest),
		"next_export_seq", exportWriter.NextSequence(domain.KindExport))

	return &Vault{
		Lock:          lock,
		Buffer:        buf,
		EventLog:      eventLog,
		DigestJournal: digestJournal,
		ExportJournal: exportJournal,
		DigestWriter:  digestWriter,
		ExportWriter:  exportWriter,
		StartedAt:     time.Now().UTC(),
	}, nil
}

// Close releases everything Bootstrap opened, lock last so a crash
// during close still leaves the root claimed until the very end.
func (v *Vault) Close(logger *slog.Logger) {
	if err := v.EventLog.Close(); err != nil {
		logger.Error("closing event log", "error", err)
	}
	if err := v.DigestJournal.Close(); err != nil {
		logger.Error("closing digest journal", "error", err)
	}
	if err := v.ExportJournal.Close(); err != nil {
		logger.Error("closing export journal", "error", err)
	}
	if err := v.Lock.Release(); err != nil {
		logger.Error("releasing output root lock", "error", err)
	}
}
