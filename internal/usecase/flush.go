package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/solenlabs/chatvault/internal/adapter/artifact"
	"github.com/solenlabs/chatvault/internal/adapter/buffer"
	"github.com/solenlabs/chatvault/internal/adapter/digest"
	"github.com/solenlabs/chatvault/internal/adapter/export"
	"github.com/solenlabs/chatvault/internal/adapter/metrics"
	"github.com/solenlabs/chatvault/internal/domain"
)

// FlushUseCase turns buffered records into committed artifacts. It owns
// the flush marks on the buffer, retention pruning, event-log
// checkpointing, and best-effort mirroring of whatever the writer
// commits.
//
// The scheduler serializes calls, so a single flush of each kind runs at
// a time; the internal mutex only guards the failure streaks against the
// manual admin triggers racing a scheduled flush.
type FlushUseCase struct {
	buffer       *buffer.Buffer
	log          domain.EventLog
	digestWriter *artifact.Writer
	exportWriter *artifact.Writer
	digests      *digest.Builder
	exports      *export.Builder
	mirror       domain.ArtifactMirror
	metrics      *metrics.VaultMetrics
	logger       *slog.Logger

	// gate is shared with the ingest path. Taking it exclusively around
	// snapshot+checkpoint guarantees no record is durable in the event
	// log while missing from the survivor set handed to Checkpoint.
	gate *sync.RWMutex

	retentionHorizon time.Duration
	escalateAfter    int

	mu            sync.Mutex
	writeFailures map[domain.ArtifactKind]int

	now func() time.Time
}

// NewFlushUseCase wires a flush use case. mirror may be nil to disable
// secondary uploads. escalateAfter is the consecutive write failure
// count that raises the alert-level log; retentionHorizon of zero
// disables pruning.
func NewFlushUseCase(
	buf *buffer.Buffer,
	log domain.EventLog,
	digestWriter, exportWriter *artifact.Writer,
	digests *digest.Builder,
	exports *export.Builder,
	mirror domain.ArtifactMirror,
	gate *sync.RWMutex,
	retentionHorizon time.Duration,
	escalateAfter int,
	m *metrics.VaultMetrics,
	logger *slog.Logger,
) *FlushUseCase {
	return &FlushUseCase{
		buffer:           buf,
		log:              log,
		digestWriter:     digestWriter,
		exportWriter:     exportWriter,
		digests:          digests,
		exports:          exports,
		mirror:           mirror,
		metrics:          m,
		logger:           logger.With("component", "flush"),
		gate:             gate,
		retentionHorizon: retentionHorizon,
		escalateAfter:    escalateAfter,
		writeFailures:    make(map[domain.ArtifactKind]int),
		now:              time.Now,
	}
}

// FlushDigest summarizes the records that arrived since the last digest
// mark. An empty period advances the mark and skips the write, so a
// quiet deployment does not accumulate empty digest files.
func (uc *FlushUseCase) FlushDigest(ctx context.Context) error {
	ctx, span := otel.Tracer("flush-service").Start(ctx, "FlushDigest")
	defer span.End()

	started := time.Now()
	defer func() {
		uc.metrics.FlushDuration.WithLabelValues(string(domain.KindDigest)).Observe(time.Since(started).Seconds())
	}()

	periodEnd := uc.now().UTC().Truncate(time.Second)
	periodStart := uc.buffer.DigestMark()

	records := uc.buffer.Between(periodStart, periodEnd)
	if len(records) == 0 {
		uc.buffer.SetDigestMark(periodEnd)
		uc.metrics.FlushesTotal.WithLabelValues(string(domain.KindDigest), "skipped").Inc()
		uc.logger.Info("digest period empty, skipping",
			"period_start", periodStart.UTC().Format(time.RFC3339),
			"period_end", periodEnd.Format(time.RFC3339))
		return nil
	}

	art := uc.digests.Build(records, periodStart, periodEnd, uc.now().UTC())
	name, _, data, err := uc.digestWriter.Commit(ctx, domain.KindDigest, periodEnd, func(seq uint64) ([]byte, error) {
		art.Sequence = seq
		return json.MarshalIndent(art, "", "  ")
	})
	if err != nil {
		return uc.recordFailure(domain.KindDigest, err)
	}

	uc.recordCommit(ctx, domain.KindDigest, name, data)
	uc.buffer.SetDigestMark(periodEnd)
	uc.logger.Info("digest flushed",
		"records", len(records),
		"groups", len(art.Groups),
		"period_end", periodEnd.Format(time.RFC3339))
	return nil
}

// FlushExport snapshots the buffer into an export artifact. A zero
// windowHours exports everything retained and afterwards advances the
// export mark, prunes past the retention horizon, and checkpoints the
// event log. A bounded window only writes the artifact; it never moves
// marks or discards state.
//
// Empty exports are still written. A file proving the buffer held
// nothing at the snapshot time is itself a statement consumers rely on.
func (uc *FlushUseCase) FlushExport(ctx context.Context, windowHours int) error {
	ctx, span := otel.Tracer("flush-service").Start(ctx, "FlushExport")
	defer span.End()

	started := time.Now()
	defer func() {
		uc.metrics.FlushDuration.WithLabelValues(string(domain.KindExport)).Observe(time.Since(started).Seconds())
	}()

	snapshotTime := uc.now().UTC().Truncate(time.Second)

	var records []domain.EventRecord
	if windowHours > 0 {
		records = uc.buffer.Window(snapshotTime.Add(-time.Duration(windowHours) * time.Hour))
	} else {
		records = uc.buffer.Snapshot()
	}

	art := uc.exports.Build(records, snapshotTime, windowHours)
	name, _, data, err := uc.exportWriter.Commit(ctx, domain.KindExport, snapshotTime, func(seq uint64) ([]byte, error) {
		art.Sequence = seq
		return json.MarshalIndent(art, "", "  ")
	})
	if err != nil {
		return uc.recordFailure(domain.KindExport, err)
	}

	uc.recordCommit(ctx, domain.KindExport, name, data)
	uc.logger.Info("export flushed",
		"records", len(records),
		"window_hours", windowHours,
		"snapshot_time", snapshotTime.Format(time.RFC3339))

	if windowHours > 0 {
		return nil
	}

	uc.buffer.SetExportTime(snapshotTime)

	if uc.retentionHorizon > 0 {
		horizon := snapshotTime.Add(-uc.retentionHorizon)
		if pruned := uc.buffer.Prune(horizon); pruned > 0 {
			uc.metrics.PrunedRecordsTotal.Add(float64(pruned))
			uc.metrics.BufferRecords.Set(float64(uc.buffer.Len()))
			uc.logger.Info("pruned records past retention horizon",
				"count", pruned,
				"horizon", horizon.Format(time.RFC3339))
		}
	}

	// Rewrite the event log down to the survivors so replay cost stays
	// proportional to the buffer, not to total history. Everything the
	// checkpoint drops is already inside the export committed above.
	uc.gate.Lock()
	survivors := uc.buffer.Snapshot()
	err = uc.log.Checkpoint(ctx, survivors)
	uc.gate.Unlock()
	if err != nil {
		// Old segments stay on disk; replay remains correct, only
		// larger. The next full export retries.
		uc.logger.Error("event log checkpoint failed", "error", err)
	}
	return nil
}

// recordFailure classifies a commit error, updates counters and streaks,
// and returns the error unchanged for the caller to propagate.
func (uc *FlushUseCase) recordFailure(kind domain.ArtifactKind, err error) error {
	var buildErr *domain.BuildError
	if errors.As(err, &buildErr) {
		uc.metrics.FlushesTotal.WithLabelValues(string(kind), "build_error").Inc()
		uc.logger.Error("artifact build failed", "kind", string(kind), "error", err)
		return err
	}

	var writeErr *domain.WriteError
	if errors.As(err, &writeErr) {
		uc.metrics.FlushesTotal.WithLabelValues(string(kind), "write_error").Inc()

		uc.mu.Lock()
		uc.writeFailures[kind]++
		streak := uc.writeFailures[kind]
		uc.mu.Unlock()
		uc.metrics.WriteFailureStreak.WithLabelValues(string(kind)).Set(float64(streak))

		if uc.escalateAfter > 0 && streak >= uc.escalateAfter {
			uc.logger.Error("artifact writes failing repeatedly",
				"alert", true,
				"kind", string(kind),
				"consecutive_failures", streak,
				"error", err)
		} else {
			uc.logger.Error("artifact write failed",
				"kind", string(kind),
				"consecutive_failures", streak,
				"error", err)
		}
		return err
	}

	// Context cancellation before any durable step.
	uc.metrics.FlushesTotal.WithLabelValues(string(kind), "aborted").Inc()
	uc.logger.Warn("flush aborted", "kind", string(kind), "error", err)
	return err
}

// recordCommit updates success counters, clears the failure streak, and
// mirrors the committed bytes when a mirror is configured.
func (uc *FlushUseCase) recordCommit(ctx context.Context, kind domain.ArtifactKind, name string, data []byte) {
	uc.metrics.FlushesTotal.WithLabelValues(string(kind), "committed").Inc()
	uc.metrics.ArtifactsTotal.WithLabelValues(string(kind)).Inc()
	uc.metrics.ArtifactBytesTotal.WithLabelValues(string(kind)).Add(float64(len(data)))

	uc.mu.Lock()
	uc.writeFailures[kind] = 0
	uc.mu.Unlock()
	uc.metrics.WriteFailureStreak.WithLabelValues(string(kind)).Set(0)

	if uc.mirror == nil {
		return
	}
	if err := uc.mirror.Mirror(ctx, kind, name, data); err != nil {
		uc.metrics.MirrorFailuresTotal.Inc()
		uc.logger.Warn("artifact mirror upload failed",
			"kind", string(kind),
			"name", name,
			"error", err)
	}
}
