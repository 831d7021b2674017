// Package admin exposes the management surface under /api: cache stats and
// dumps, invalidation, and live router replacement. It carries no
// authentication; operators are expected to restrict access at the fronting
// proxy.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"mnemosyne/internal/cache"
	"mnemosyne/internal/obs"
	"mnemosyne/internal/proxy"
	"mnemosyne/internal/router"
)

const PathPrefix = "/api"

type HandlerConfig struct {
	Cache   *cache.Store
	Router  *router.Store
	Metrics *obs.Metrics
	Logger  zerolog.Logger
}

type handler struct {
	cache   *cache.Store
	router  *router.Store
	metrics *obs.Metrics
	log     zerolog.Logger
	mux     *chi.Mux
}

func NewHandler(cfg HandlerConfig) http.Handler {
	h := &handler{
		cache:   cfg.Cache,
		router:  cfg.Router,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With().Str("component", "admin").Logger(),
	}

	mux := chi.NewRouter()
	mux.Route(PathPrefix, func(r chi.Router) {
		r.Get("/cache/stats", h.handleStats)
		r.Get("/cache/entries", h.handleEntries)
		r.Get("/cache/entry", h.handleGetEntry)
		r.Delete("/cache/entry", h.handleInvalidateEntry)
		r.Delete("/cache/resource", h.handleInvalidateResource)
		r.Delete("/cache/host/{host}", h.handleInvalidateHost)
		r.Delete("/cache", h.handleInvalidateAll)
		r.Get("/router", h.handleGetRouter)
		r.Put("/router", h.handleReplaceRouter)
		r.Put("/router/fallback", h.handleReplaceFallback)
		r.Get("/openapi.json", h.handleOpenAPI)
	})
	h.mux = mux
	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(proxy.RequestIDHeader)
	if requestID == "" {
		requestID = proxy.NewRequestID()
	}
	w.Header().Set(proxy.RequestIDHeader, requestID)
	h.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": status, "error": message})
}
