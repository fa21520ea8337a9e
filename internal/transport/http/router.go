// Package httptransport assembles the HTTP surface: middleware chain, the
// per-module handlers, and operational endpoints.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ModuleHandler is implemented by each module's HTTP handler.
type ModuleHandler interface {
	Register(r chi.Router)
}

// NewRouter wires the middleware chain and mounts every module handler.
func NewRouter(logger *slog.Logger, middlewares []func(http.Handler) http.Handler, handlers ...ModuleHandler) http.Handler {
	r := chi.NewRouter()
	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	for _, h := range handlers {
		h.Register(r)
	}
	return r
}

// DefaultTimeout bounds request handling across all endpoints.
const DefaultTimeout = 30 * time.Second
