package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/solenlabs/chatvault/internal/domain"
)

const (
	segmentPrefix = "segment-"
	filePerm      = 0644
)

// EventLog implements a file-based append-only log of accepted records.
// Every append is synced before returning, so an acknowledged record
// survives a crash and is restored into the buffer on replay.
type EventLog struct {
	dir            string
	maxSegmentSize int64
	logger         *slog.Logger

	mu             sync.Mutex
	currentSegment *os.File
	currentSize    int64
}

// NewEventLog creates an EventLog rooted at dir, resuming the latest
// segment if one exists.
func NewEventLog(dir string, maxSegmentSize int64, logger *slog.Logger) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory %s: %w", dir, err)
	}

	w := &EventLog{
		dir:            dir,
		maxSegmentSize: maxSegmentSize,
		logger:         logger.With("component", "event_log"),
	}

	if err := w.openLatestSegment(); err != nil {
		return nil, err
	}

	return w, nil
}

// Append writes one record to the current segment and syncs it.
func (w *EventLog) Append(ctx context.Context, record domain.EventRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record for event log: %w", err)
	}
	data = append(data, '\n')

	if w.currentSegment == nil {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	n, err := w.currentSegment.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write to event log segment: %w", err)
	}
	if err := w.currentSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log segment: %w", err)
	}
	w.currentSize += int64(n)

	if w.currentSize >= w.maxSegmentSize {
		if err := w.rotate(); err != nil {
			w.logger.Error("Failed to rotate event log segment", "error", err)
		}
	}

	return nil
}

// Replay reads all segments oldest-first and calls the handler for each
// record. An unparseable line is skipped with a warning; a sudden crash
// can only tear the last line of the last segment, and a torn record was
// never acknowledged.
func (w *EventLog) Replay(ctx context.Context, handler func(record domain.EventRecord) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment != nil {
		w.currentSegment.Close()
		w.currentSegment = nil
	}

	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}

	if len(segments) == 0 {
		w.logger.Info("event log is empty, nothing to replay")
		return nil
	}
	w.logger.Info("starting event log replay", "segment_count", len(segments))

	for _, segmentPath := range segments {
		file, err := os.Open(segmentPath)
		if err != nil {
			return fmt.Errorf("failed to open segment %s for replay: %w", segmentPath, err)
		}

		scanner := bufio.NewScanner(file)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			if ctx.Err() != nil {
				file.Close()
				return ctx.Err()
			}
			var record domain.EventRecord
			if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
				w.logger.Warn("skipping unparseable event log line", "error", err, "segment", segmentPath)
				continue
			}
			if err := handler(record); err != nil {
				file.Close()
				w.logger.Error("event log replay handler failed, stopping replay", "error", err)
				return fmt.Errorf("replay handler failed: %w", err)
			}
		}
		if err := scanner.Err(); err != nil {
			file.Close()
			return fmt.Errorf("error scanning segment %s: %w", segmentPath, err)
		}
		file.Close()
	}

	w.logger.Info("event log replay completed")
	return nil
}

// Checkpoint rewrites the log to hold exactly the surviving records. The
// survivors land in a fresh synced segment before any old segment is
// removed, so a crash at any point leaves at worst duplicate records,
// which replay dedup absorbs.
func (w *EventLog) Checkpoint(ctx context.Context, survivors []domain.EventRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	old, err := w.getSortedSegments()
	if err != nil {
		return err
	}

	if w.currentSegment != nil {
		w.currentSegment.Close()
		w.currentSegment = nil
	}

	if err := w.rotate(); err != nil {
		return err
	}
	for _, record := range survivors {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal survivor for checkpoint: %w", err)
		}
		data = append(data, '\n')
		n, err := w.currentSegment.Write(data)
		if err != nil {
			return fmt.Errorf("failed to write checkpoint segment: %w", err)
		}
		w.currentSize += int64(n)
	}
	if err := w.currentSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint segment: %w", err)
	}

	for _, segmentPath := range old {
		if err := os.Remove(segmentPath); err != nil {
			w.logger.Error("Failed to remove event log segment", "path", segmentPath, "error", err)
		}
	}

	w.logger.Info("event log checkpoint complete", "survivors", len(survivors), "removed_segments", len(old))
	return nil
}

func (w *EventLog) rotate() error {
	if w.currentSegment != nil {
		if err := w.currentSegment.Sync(); err != nil {
			w.logger.Error("Failed to sync event log segment before rotating", "error", err)
		}
		if err := w.currentSegment.Close(); err != nil {
			w.logger.Error("Failed to close event log segment before rotating", "error", err)
		}
		w.currentSegment = nil
	}

	segmentName := fmt.Sprintf("%s%d.log", segmentPrefix, time.Now().UnixNano())
	path := filepath.Join(w.dir, segmentName)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to create new event log segment %s: %w", path, err)
	}
	if err := syncDir(w.dir); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync event log directory: %w", err)
	}

	w.currentSegment = f
	w.currentSize = 0
	w.logger.Info("rotated to new event log segment", "path", path)
	return nil
}

func (w *EventLog) openLatestSegment() error {
	segments, err := w.getSortedSegments()
	if err != nil {
		return err
	}

	if len(segments) == 0 {
		return w.rotate()
	}

	latestSegmentPath := segments[len(segments)-1]
	stat, err := os.Stat(latestSegmentPath)
	if err != nil {
		return fmt.Errorf("failed to stat latest segment %s: %w", latestSegmentPath, err)
	}

	f, err := os.OpenFile(latestSegmentPath, os.O_APPEND|os.O_WRONLY, filePerm)
	if err != nil {
		return fmt.Errorf("failed to open latest segment %s: %w", latestSegmentPath, err)
	}

	w.currentSegment = f
	w.currentSize = stat.Size()
	w.logger.Info("opened existing event log segment", "path", latestSegmentPath, "size", w.currentSize)

	if w.currentSize >= w.maxSegmentSize {
		return w.rotate()
	}

	return nil
}

func (w *EventLog) getSortedSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read event log directory: %w", err)
	}

	var segments []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), segmentPrefix) {
			segments = append(segments, filepath.Join(w.dir, entry.Name()))
		}
	}
	sort.Strings(segments)
	return segments, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Close ensures the current segment is closed gracefully.
func (w *EventLog) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentSegment != nil {
		err := w.currentSegment.Close()
		w.currentSegment = nil
		return err
	}
	return nil
}
