package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent matches any *MalformedEventError via errors.Is.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrJournalCorrupt reports a structurally invalid flush journal at
	// startup recovery. It is the one fatal condition: continuing could
	// surface partial or duplicate artifacts.
	ErrJournalCorrupt = errors.New("flush journal corrupt")
	// ErrShuttingDown is returned by triggers raced against shutdown.
	ErrShuttingDown = errors.New("shutting down")
)

// MalformedEventError reports a raw event that could not be normalized.
// Per-event and non-fatal: the caller logs it and moves on.
type MalformedEventError struct {
	Reason string
	Cause  error
}

func (e *MalformedEventError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Cause)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Is(target error) bool { return target == ErrMalformedEvent }

func (e *MalformedEventError) Unwrap() error { return e.Cause }

// BuildError reports that digest or export construction failed on a
// valid snapshot. The flush attempt is abandoned; buffer state is
// untouched and the next trigger retries from scratch.
type BuildError struct {
	Kind  ArtifactKind
	Cause error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("building %s artifact: %v", e.Kind, e.Cause)
}

func (e *BuildError) Unwrap() error { return e.Cause }

// WriteError reports an I/O failure while durably writing an artifact.
// Non-fatal to the process; recurring occurrences are escalated by the
// flush pipeline once they pass the configured threshold.
type WriteError struct {
	Kind  ArtifactKind
	Path  string
	Cause error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing %s artifact %s: %v", e.Kind, e.Path, e.Cause)
}

func (e *WriteError) Unwrap() error { return e.Cause }
