// Package app wires the worker together: the poller, sweepers, health and
// metrics listeners, and the supervisor that owns startup and shutdown.
package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leonclem/one-minute-menu-sub000/internal/adapter/observability"
)

// healthRateLimit caps requests per IP per minute on the health listener.
// The surface is read-only; this only guards against probe misconfiguration.
const healthRateLimit = 120

const serviceName = "menu-export-worker"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// BuildRouter constructs the health listener's handler: root info, health
// checks and a JSON 404 for everything else. The surface is GET only.
func BuildRouter(health http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(httprate.LimitByIP(healthRateLimit, time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"service":   serviceName,
			"status":    "running",
			"timestamp": time.Now().UTC(),
		})
	})
	r.Get("/health", health)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": "Not Found",
			"path":  req.URL.Path,
		})
	})

	return SecurityHeaders(r)
}

// BuildMetricsRouter serves the Prometheus exposition on its own listener.
func BuildMetricsRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		promhttp.Handler().ServeHTTP(w, req)
	})
	return r
}
