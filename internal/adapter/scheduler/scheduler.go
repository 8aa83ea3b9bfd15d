// Package scheduler drives periodic and on-demand flushes. Each artifact
// kind gets one worker goroutine, which is what serializes flushes of the
// same kind without any locking in the flush path itself.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solenlabs/chatvault/internal/domain"
)

// Flusher runs one flush attempt per call. Implementations own all flush
// state; the scheduler only decides when attempts happen.
type Flusher interface {
	FlushDigest(ctx context.Context) error
	FlushExport(ctx context.Context, windowHours int) error
}

// Outcome reports how an on-demand trigger was handled.
type Outcome string

const (
	// Triggered means the request was queued for the kind's worker.
	Triggered Outcome = "triggered"
	// Coalesced means a flush of the kind was already queued or running
	// with a request waiting; the pending one covers this request too.
	Coalesced Outcome = "coalesced"
)

// Scheduler owns the two flush workers. Start launches them; Stop lets an
// in-flight attempt finish and then returns.
type Scheduler struct {
	flusher          Flusher
	logger           *slog.Logger
	digestEvery      time.Duration
	exportEvery      time.Duration
	maxFlushDuration time.Duration

	// One-slot trigger queues; a full slot is how coalescing happens.
	digestTrigger chan int
	exportTrigger chan int

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Scheduler. Nothing runs until Start.
func New(flusher Flusher, digestEvery, exportEvery, maxFlushDuration time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		flusher:          flusher,
		logger:           logger.With("component", "scheduler"),
		digestEvery:      digestEvery,
		exportEvery:      exportEvery,
		maxFlushDuration: maxFlushDuration,
		digestTrigger:    make(chan int, 1),
		exportTrigger:    make(chan int, 1),
		done:             make(chan struct{}),
	}
}

// Start launches the per-kind workers.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.worker(domain.KindDigest, s.digestEvery, s.digestTrigger)
	go s.worker(domain.KindExport, s.exportEvery, s.exportTrigger)
	s.logger.Info("flush workers started",
		"digest_interval", s.digestEvery.String(),
		"export_interval", s.exportEvery.String())
}

// TriggerDigest requests an immediate digest flush.
func (s *Scheduler) TriggerDigest() (Outcome, error) {
	return s.trigger(s.digestTrigger, 0)
}

// TriggerExport requests an immediate export flush. windowHours of zero
// asks for a full snapshot; a positive value bounds the export to a
// trailing window and never prunes.
func (s *Scheduler) TriggerExport(windowHours int) (Outcome, error) {
	return s.trigger(s.exportTrigger, windowHours)
}

func (s *Scheduler) trigger(ch chan int, window int) (Outcome, error) {
	select {
	case <-s.done:
		return "", domain.ErrShuttingDown
	default:
	}

	select {
	case ch <- window:
		return Triggered, nil
	default:
		return Coalesced, nil
	}
}

// Stop retires the workers. An attempt already underway runs to
// completion; on-demand triggers and timer fires after this point are
// refused or ignored. Manual triggers already queued are abandoned.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	s.logger.Info("flush workers stopped")
}

func (s *Scheduler) worker(kind domain.ArtifactKind, every time.Duration, trigger chan int) {
	defer s.wg.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.attempt(kind, 0)
		case window := <-trigger:
			s.attempt(kind, window)
		}
	}
}

// attempt runs one flush under its own deadline. The deadline is detached
// from shutdown on purpose: a termination signal must not abandon a flush
// midway through its write protocol.
func (s *Scheduler) attempt(kind domain.ArtifactKind, window int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.maxFlushDuration)
	defer cancel()

	var err error
	switch kind {
	case domain.KindDigest:
		err = s.flusher.FlushDigest(ctx)
	case domain.KindExport:
		err = s.flusher.FlushExport(ctx, window)
	}
	if err != nil {
		s.logger.Error("flush attempt failed", "kind", string(kind), "error", err)
	}
}
