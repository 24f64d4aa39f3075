// Package handlers wires the HTTP surface: the resolution endpoint, the
// stream relay and the operational endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"anistream-proxy/work/config"
	"anistream-proxy/work/logger"
	"anistream-proxy/work/metrics"
	"anistream-proxy/work/middleware"
	"anistream-proxy/work/proxy"
	"anistream-proxy/work/resolver"
	"anistream-proxy/work/types"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers holds the request-handling dependencies shared by all routes.
type Handlers struct {
	cfg      *config.Config
	resolver *resolver.Resolver
	proxy    *proxy.Proxy
}

// New creates the handler set.
func New(cfg *config.Config, res *resolver.Resolver, prx *proxy.Proxy) *Handlers {
	return &Handlers{
		cfg:      cfg,
		resolver: res,
		proxy:    prx,
	}
}

// SetupRoutes registers all routes on the router. The stream relay is never
// gzip-wrapped: segments are already compressed and the relay loop needs the
// raw Flusher.
func (h *Handlers) SetupRoutes(r *mux.Router) {
	r.HandleFunc("/resolve", middleware.CORS(middleware.Gzip(h.HandleResolve))).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/stream", middleware.CORS(h.proxy.HandleStream)).Methods(http.MethodGet, http.MethodOptions)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.HandleHealth).Methods(http.MethodGet)
}

// envelope is the wire shape of every /resolve response.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Warn("{handlers - writeJSON} encoding response: %v", err)
	}
}

func writeData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// errBadRequest marks missing or malformed request parameters. Handlers wrap
// it so the dispatcher counts the request under result="error" instead of
// result="ok" while writeError still renders a 400.
var errBadRequest = errors.New("bad request")

// writeError maps the failure taxonomy onto HTTP statuses; the envelope
// carries the sentinel's message so clients can branch without parsing
// statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, types.ErrInvalidProxyRequest):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrNoCatalogMatch),
		errors.Is(err, types.ErrNoEpisodes),
		errors.Is(err, types.ErrNoSources):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, envelope{Success: false, Error: err.Error()})
}

// HandleResolve dispatches GET /resolve by its action parameter.
func (h *Handlers) HandleResolve(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")

	var err error
	switch action {
	case "search":
		err = h.handleSearch(w, r)
	case "episodes":
		err = h.handleEpisodes(w, r)
	case "servers":
		err = h.handleServers(w, r)
	case "sources":
		err = h.handleSources(w, r)
	case "resolve":
		err = h.handleResolveEpisode(w, r)
	default:
		// a fixed label keeps unknown client input out of the metric space
		action = "unknown"
		err = fmt.Errorf("%w: unknown action", errBadRequest)
	}

	if err != nil {
		metrics.ResolveRequests.WithLabelValues(action, "error").Inc()
		logger.Warn("{handlers - HandleResolve} action=%s failed: %v", action, err)
		writeError(w, err)
		return
	}
	metrics.ResolveRequests.WithLabelValues(action, "ok").Inc()
}

func (h *Handlers) handleSearch(w http.ResponseWriter, r *http.Request) error {
	query := r.URL.Query().Get("q")
	if query == "" {
		return fmt.Errorf("%w: missing q parameter", errBadRequest)
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))

	hits, err := h.resolver.Search(r.Context(), query, page)
	if err != nil {
		return err
	}
	writeData(w, hits)
	return nil
}

func (h *Handlers) handleEpisodes(w http.ResponseWriter, r *http.Request) error {
	id := r.URL.Query().Get("id")
	if id == "" {
		return fmt.Errorf("%w: missing id parameter", errBadRequest)
	}

	episodes, err := h.resolver.Episodes(r.Context(), id)
	if err != nil {
		return err
	}
	writeData(w, episodes)
	return nil
}

func (h *Handlers) handleServers(w http.ResponseWriter, r *http.Request) error {
	episodeID := r.URL.Query().Get("episodeId")
	if episodeID == "" {
		return fmt.Errorf("%w: missing episodeId parameter", errBadRequest)
	}

	servers, err := h.resolver.Servers(r.Context(), episodeID)
	if err != nil {
		return err
	}
	writeData(w, servers)
	return nil
}

func (h *Handlers) handleSources(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	episodeID := q.Get("episodeId")
	if episodeID == "" {
		return fmt.Errorf("%w: missing episodeId parameter", errBadRequest)
	}

	bundle, err := h.resolver.Sources(r.Context(), episodeID, q.Get("server"), types.Category(q.Get("category")))
	if err != nil {
		return err
	}
	writeData(w, bundle)
	return nil
}

func (h *Handlers) handleResolveEpisode(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	title := q.Get("title")
	if title == "" {
		return fmt.Errorf("%w: missing title parameter", errBadRequest)
	}
	episode, err := strconv.Atoi(q.Get("episode"))
	if err != nil || episode < 1 {
		return fmt.Errorf("%w: missing or invalid episode parameter", errBadRequest)
	}

	bundle, err := h.resolver.ResolveForEpisode(r.Context(), title, episode, types.Category(q.Get("category")))
	if err != nil {
		return err
	}
	writeData(w, bundle)
	return nil
}

// HandleHealth is the liveness endpoint.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}
