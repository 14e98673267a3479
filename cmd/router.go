package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/angeloszaimis/tile-proxy/internal/metrics"
	"github.com/angeloszaimis/tile-proxy/internal/storage"
)

// storageStatus is the part of the storage client the admin routes report on.
type storageStatus interface {
	IsHealthy() bool
	Stats() storage.Stats
}

// setupRouter mounts the admin routes under /_/ and sends every other path,
// whatever the method, to the tile handler. collector and exporter may be nil.
func setupRouter(tiles http.Handler, store storageStatus, collector *metrics.Collector, exporter *metrics.Exporter, domain string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/_", func(r chi.Router) {
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})

		r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
			if !store.IsHealthy() {
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
		})

		r.Get("/storage", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(store.Stats()); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})

		if exporter != nil {
			r.Method(http.MethodGet, "/metrics", exporter.Handler())
		}
		if collector != nil {
			r.Get("/stats", collector.Handler(domain))
		}
	})

	r.Handle("/*", tiles)

	return r
}
