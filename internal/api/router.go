package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kilnci/kiln/internal/auth"
	"github.com/kilnci/kiln/internal/metrics"
	"github.com/kilnci/kiln/internal/store"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main after all components are initialized and passed
// to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Authenticator *auth.Authenticator
	Jobs          store.JobStore
	Driver        LogStreamer
	Logger        *zap.Logger

	// ArchiveDir is where submitted archives are staged. Empty means the
	// OS temp directory.
	ArchiveDir string
}

// NewRouter builds and returns the fully configured chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	jobHandler := NewJobHandler(cfg.Jobs, cfg.Driver, cfg.ArchiveDir, cfg.Logger)

	// Public routes.
	r.Get("/health", Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Everything else requires a bearer API key.
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.Authenticator))

		r.Post("/submit", jobHandler.Submit)
		r.Post("/submit-stream", jobHandler.SubmitStream)
		r.Post("/submit-async", jobHandler.SubmitAsync)

		r.Get("/jobs", jobHandler.List)
		r.Get("/jobs/{id}", jobHandler.GetByID)
		r.Get("/jobs/{id}/stream", jobHandler.Stream)
	})

	return r
}
