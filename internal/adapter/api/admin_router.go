package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solenlabs/chatvault/internal/adapter/api/handler"
)

// NewAdminRouter creates and configures the HTTP router for the admin
// surface: health, status, metrics, a live status stream, and on-demand
// flush triggers.
func NewAdminRouter(flush handler.FlushTrigger, status func() handler.VaultStatus, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	adminHandler := handler.NewAdminHandler(flush, status, logger)

	mux.HandleFunc("GET /health", adminHandler.HealthCheck)
	mux.HandleFunc("GET /status", adminHandler.GetStatus)

	mux.HandleFunc("POST /admin/flush/digest", adminHandler.TriggerDigest)
	mux.HandleFunc("POST /admin/flush/export", adminHandler.TriggerExport)

	mux.Handle("GET /admin/stream", handler.NewStatusStream(status, 5*time.Second, logger))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}
