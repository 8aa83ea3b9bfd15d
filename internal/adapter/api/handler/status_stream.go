package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// StatusStream pushes vault status snapshots to connected clients as
// server-sent events, so an operator can watch the buffer drain without
// polling the status endpoint.
type StatusStream struct {
	status   func() VaultStatus
	interval time.Duration
	logger   *slog.Logger
}

// NewStatusStream creates a stream handler that emits a snapshot every
// interval. A non-positive interval falls back to five seconds.
func NewStatusStream(status func() VaultStatus, interval time.Duration, logger *slog.Logger) *StatusStream {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatusStream{status: status, interval: interval, logger: logger}
}

// ServeHTTP handles one client connection for the SSE stream.
func (s *StatusStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	s.logger.Info("status stream client connected", "remote_addr", r.RemoteAddr)
	defer s.logger.Info("status stream client disconnected", "remote_addr", r.RemoteAddr)

	// First snapshot goes out immediately so clients never stare at an
	// empty stream for a full tick.
	if err := writeStatusEvent(w, s.status()); err != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeStatusEvent(w, s.status()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeStatusEvent(w io.Writer, st VaultStatus) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
