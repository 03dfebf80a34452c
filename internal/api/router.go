package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rflorenc/ragdeploy/internal/config"
	"github.com/rflorenc/ragdeploy/internal/metrics"
	"github.com/rflorenc/ragdeploy/internal/models"
	"github.com/rflorenc/ragdeploy/internal/provision"
)

// Server holds shared state for all API handlers.
type Server struct {
	Config      *config.Config
	Deployments *models.DeploymentStore
	Deployer    *provision.Deployer

	// ctx is the parent of every deployment run; cancelling it stops them all.
	ctx context.Context
}

// NewServer creates a Server whose deployments run under ctx.
func NewServer(ctx context.Context, cfg *config.Config, deployer *provision.Deployer) *Server {
	return &Server{
		Config:      cfg,
		Deployments: models.NewDeploymentStore(),
		Deployer:    deployer,
		ctx:         ctx,
	}
}

// NewRouter builds the chi router with all API routes.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Group(func(r chi.Router) {
		r.Use(requestMetrics)

		r.Get("/healthz", s.Health)

		r.Route("/api", func(r chi.Router) {
			// Runs (async)
			r.Post("/deployments", s.StartDeploy)
			r.Post("/updates", s.StartUpdate)
			r.Post("/rollbacks", s.StartRollback)

			r.Get("/deployments", s.ListDeployments)
			r.Get("/deployments/{id}", s.GetDeployment)
			r.Post("/deployments/{id}/cancel", s.CancelDeployment)

			// Read-only views
			r.Get("/plan", s.GetPlan)
			r.Get("/releases", s.ListReleases)
			r.Get("/config", s.GetConfig)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	// WebSocket (outside /api to avoid JSON content-type assumptions)
	r.Get("/ws/deployments/{id}/logs", s.StreamDeploymentLogs)

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestMetrics counts requests by route pattern, so IDs don't explode label cardinality.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &metrics.StatusRecorder{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metrics.CaptureRequest(route, rec.Status)
	})
}
