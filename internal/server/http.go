package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"identity-core/internal/metrics"
)

// NewHTTPHandler returns the side-port router: /metrics (Prometheus) and /healthz.
// A nil healthz answers 200; a nil m omits /metrics.
func NewHTTPHandler(m *metrics.Metrics, healthz http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}
	if healthz == nil {
		healthz = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	r.Method(http.MethodGet, "/healthz", healthz)
	return r
}

// NewHTTPServer wraps NewHTTPHandler in an http.Server listening on addr.
func NewHTTPServer(addr string, m *metrics.Metrics, healthz http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHTTPHandler(m, healthz),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
