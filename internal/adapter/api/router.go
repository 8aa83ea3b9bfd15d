// Package api assembles the HTTP surfaces: the ingest listener and the
// admin listener.
package api

import (
	"log/slog"
	"net/http"

	"github.com/solenlabs/chatvault/internal/adapter/api/handler"
	"github.com/solenlabs/chatvault/internal/adapter/api/middleware"
	"github.com/solenlabs/chatvault/internal/pkg/config"
)

// NewRouter creates and configures the HTTP router for the ingest surface.
func NewRouter(cfg *config.Config, logger *slog.Logger, ingestor handler.EventIngestor) http.Handler {
	mux := http.NewServeMux()

	ingestHandler := handler.NewIngestHandler(ingestor, logger, cfg.MaxEventSize)

	authMiddleware := middleware.Auth(cfg.APIKeyList(), logger)
	rateLimitMiddleware := middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	loggingMiddleware := middleware.Logging(logger)

	mux.Handle("POST /ingest", loggingMiddleware(rateLimitMiddleware(authMiddleware(ingestHandler))))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return mux
}
