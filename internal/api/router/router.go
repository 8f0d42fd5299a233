// Package router provides HTTP routing configuration using Chi.
package router

import (
	_ "embed"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/remiblancher/certbroker/internal/api/handler"
	"github.com/remiblancher/certbroker/internal/api/middleware"
)

//go:embed openapi.yaml
var openapiSpec []byte

// DefaultMaxRequestBytes bounds request bodies when Config leaves it unset.
const DefaultMaxRequestBytes = 64 << 10

// Config holds router configuration.
type Config struct {
	Version         string
	Issuer          handler.Issuer
	Logger          zerolog.Logger
	CORSOrigins     []string
	MaxRequestBytes int64
}

// New creates a new Chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints
	healthHandler := handler.NewHealthHandler(cfg.Version, cfg.Issuer)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// OpenAPI spec
	r.Get("/api/openapi.yaml", serveOpenAPISpec)

	maxBytes := cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRequestBytes
	}
	signHandler := handler.NewSignHandler(cfg.Issuer, maxBytes)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Source)
		r.Post("/sign/{authority}", signHandler.Sign)
	})

	return r
}

// serveOpenAPISpec serves the OpenAPI specification file.
func serveOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapiSpec)
}
