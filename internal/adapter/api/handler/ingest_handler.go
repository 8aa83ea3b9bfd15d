package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/solenlabs/chatvault/internal/domain"
)

// EventIngestor accepts one raw upstream delivery and reports what the
// buffer did with it. A malformed payload surfaces as an error matching
// domain.ErrMalformedEvent; any other error means the event was not
// durably accepted and the sender should retry.
type EventIngestor interface {
	Ingest(ctx context.Context, raw domain.RawEvent) (domain.InsertOutcome, error)
}

// IngestHandler handles HTTP push ingestion. A single JSON body carries one
// event; an NDJSON body carries a batch, one event per line.
type IngestHandler struct {
	ingestor     EventIngestor
	logger       *slog.Logger
	maxEventSize int64
}

// NewIngestHandler creates a new IngestHandler.
func NewIngestHandler(ingestor EventIngestor, logger *slog.Logger, maxEventSize int64) *IngestHandler {
	return &IngestHandler{
		ingestor:     ingestor,
		logger:       logger,
		maxEventSize: maxEventSize,
	}
}

// ServeHTTP processes incoming ingestion requests.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	switch r.Header.Get("Content-Type") {
	case "application/json":
		h.handleSingle(w, r)
	case "application/x-ndjson":
		h.handleBatch(w, r)
	default:
		http.Error(w, "Unsupported Content-Type", http.StatusUnsupportedMediaType)
	}
}

func (h *IngestHandler) handleSingle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxEventSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	outcome, err := h.ingestor.Ingest(r.Context(), domain.RawEvent{Body: body, Origin: "http"})
	if err != nil {
		if errors.Is(err, domain.ErrMalformedEvent) {
			respondJSON(w, h.logger, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("failed to ingest event", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	respondJSON(w, h.logger, http.StatusAccepted, map[string]string{"outcome": outcome.String()})
}

// handleBatch ingests NDJSON line by line. Malformed lines are counted and
// skipped; a durability failure aborts the batch with a 500 so the sender
// retries the whole thing, which deduplication makes safe.
func (h *IngestHandler) handleBatch(w http.ResponseWriter, r *http.Request) {
	scanner := bufio.NewScanner(r.Body)
	initial := 64 * 1024
	if int(h.maxEventSize) < initial {
		initial = int(h.maxEventSize)
	}
	scanner.Buffer(make([]byte, initial), int(h.maxEventSize))

	var inserted, duplicates, malformed int
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		body := make([]byte, len(line))
		copy(body, line)

		outcome, err := h.ingestor.Ingest(r.Context(), domain.RawEvent{Body: body, Origin: "http"})
		switch {
		case errors.Is(err, domain.ErrMalformedEvent):
			malformed++
		case err != nil:
			h.logger.Error("batch ingest aborted", "error", err,
				"inserted", inserted, "duplicates", duplicates, "malformed", malformed)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		case outcome == domain.Duplicate:
			duplicates++
		default:
			inserted++
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			http.Error(w, "Line exceeds event size limit", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	respondJSON(w, h.logger, http.StatusAccepted, map[string]int{
		"inserted":   inserted,
		"duplicates": duplicates,
		"malformed":  malformed,
	})
}

func respondJSON(w http.ResponseWriter, logger *slog.Logger, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
