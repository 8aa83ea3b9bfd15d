package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/solenlabs/chatvault/internal/adapter/scheduler"
	"github.com/solenlabs/chatvault/internal/domain"
)

// maxWindowHours bounds on-demand windowed exports to 30 days.
const maxWindowHours = 720

// FlushTrigger requests an out-of-schedule flush. Triggers coalesce with
// in-flight work, so they are safe to invoke at any time.
type FlushTrigger interface {
	TriggerDigest() (scheduler.Outcome, error)
	TriggerExport(windowHours int) (scheduler.Outcome, error)
}

// VaultStatus is the operator-facing snapshot served by GET /status.
type VaultStatus struct {
	BufferRecords int       `json:"buffer_records"`
	DigestMark    time.Time `json:"last_digest_mark"`
	ExportTime    time.Time `json:"last_export_time"`
	NextDigestSeq uint64    `json:"next_digest_sequence"`
	NextExportSeq uint64    `json:"next_export_sequence"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

// AdminHandler handles HTTP requests for service administration.
type AdminHandler struct {
	flush  FlushTrigger
	status func() VaultStatus
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(flush FlushTrigger, status func() VaultStatus, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{flush: flush, status: status, logger: logger}
}

// HealthCheck is a simple health check endpoint.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// GetStatus reports buffer and flush state.
// GET /status
func (h *AdminHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.logger, http.StatusOK, h.status())
}

// TriggerDigest requests an immediate digest flush.
// POST /admin/flush/digest
func (h *AdminHandler) TriggerDigest(w http.ResponseWriter, r *http.Request) {
	outcome, err := h.flush.TriggerDigest()
	h.respondTrigger(w, outcome, err)
}

// TriggerExport requests an immediate export flush, optionally bounded to
// the last window_hours hours.
// POST /admin/flush/export?window_hours=N
func (h *AdminHandler) TriggerExport(w http.ResponseWriter, r *http.Request) {
	windowHours := 0
	if raw := r.URL.Query().Get("window_hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxWindowHours {
			respondJSON(w, h.logger, http.StatusBadRequest, map[string]string{
				"error": "window_hours must be an integer between 1 and 720",
			})
			return
		}
		windowHours = parsed
	}

	outcome, err := h.flush.TriggerExport(windowHours)
	h.respondTrigger(w, outcome, err)
}

func (h *AdminHandler) respondTrigger(w http.ResponseWriter, outcome scheduler.Outcome, err error) {
	if err != nil {
		if errors.Is(err, domain.ErrShuttingDown) {
			http.Error(w, "Service shutting down", http.StatusServiceUnavailable)
			return
		}
		h.logger.Error("failed to trigger flush", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	respondJSON(w, h.logger, http.StatusAccepted, map[string]string{"outcome": string(outcome)})
}
