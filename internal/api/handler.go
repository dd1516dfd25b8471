package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/sentinel/internal/bundle"
	"github.com/opensource-finance/sentinel/internal/domain"
	"github.com/opensource-finance/sentinel/internal/reporting"
)

// Reloader loads a bundle version (the active one when empty) into the
// served holder.
type Reloader interface {
	Reload(ctx context.Context, version string) (*bundle.Bundle, error)
}

// Handler holds dependencies for API handlers.
type Handler struct {
	service  *reporting.Service
	reloader Reloader
	repo     domain.ArtifactRepository
	store    domain.GraphStore
	cache    domain.Cache
	version  string
}

// NewHandler creates a new API handler. Only service is required.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		service:  deps.Service,
		reloader: deps.Reloader,
		repo:     deps.Repository,
		store:    deps.Store,
		cache:    deps.Cache,
		version:  deps.Version,
	}
}

// SuspiciousNetworksResponse is the response for GET /suspicious-networks.
type SuspiciousNetworksResponse struct {
	Networks     []domain.ScoreRecord `json:"networks"`
	Count        int                  `json:"count"`
	ModelVersion string               `json:"model_version"`
}

// NetworkResponse is the response for GET /network/{id}.
type NetworkResponse struct {
	Graph *domain.Subgraph `json:"graph"`
}

// IllicitTransactionsResponse is the response for GET /network/{id}/illicit-transactions.
type IllicitTransactionsResponse struct {
	AccountID    string                         `json:"account_id"`
	Transactions []reporting.IllicitTransaction `json:"transactions"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	ctx := r.Context()

	// Check artifact store health
	if h.repo != nil {
		if err := h.repo.Ping(ctx); err != nil {
			status = "degraded"
		}
	}

	// Check graph datastore health
	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready reports whether a model bundle is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Bundle()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"ready": "false",
			"error": "no model bundle loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready":         "true",
		"model_version": b.Version(),
	})
}

// SuspiciousNetworks handles GET /suspicious-networks?limit=N.
func (h *Handler) SuspiciousNetworks(w http.ResponseWriter, r *http.Request) {
	limit := h.service.DefaultTopN()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be an integer",
			})
			return
		}
		limit = n
	}

	records, version, err := h.service.TopSuspicious(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SuspiciousNetworksResponse{
		Networks:     records,
		Count:        len(records),
		ModelVersion: version,
	})
}

// Explanation handles GET /account/{id}/explanation.
func (h *Handler) Explanation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := h.service.Explain(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// PatternStatistics handles GET /statistics/patterns.
func (h *Handler) PatternStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.PatternStatistics(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Heatmap handles GET /statistics/heatmap.
func (h *Handler) Heatmap(w http.ResponseWriter, r *http.Request) {
	heat, err := h.service.Heatmap(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, heat)
}

// Network handles GET /network/{id}?hops=N.
func (h *Handler) Network(w http.ResponseWriter, r *http.Request) {
	hops := 1
	if raw := r.URL.Query().Get("hops"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "hops must be an integer",
			})
			return
		}
		hops = n
	}

	g, err := h.service.Network(r.Context(), chi.URLParam(r, "id"), hops)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, NetworkResponse{Graph: g})
}

// IllicitTransactions handles GET /network/{id}/illicit-transactions.
func (h *Handler) IllicitTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	txs, err := h.service.IllicitTransactions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IllicitTransactionsResponse{AccountID: id, Transactions: txs})
}

// Model handles GET /model.
func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.ModelInfo()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ListBundles handles GET /model/bundles.
func (h *Handler) ListBundles(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "artifact repository not available",
		})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	bundles, err := h.repo.ListBundles(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bundles": bundles,
		"count":   len(bundles),
	})
}

// ReloadModel handles POST /model/reload, loading the active bundle from the
// artifact store. The served bundle is kept when loading fails.
func (h *Handler) ReloadModel(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "reloader not available",
		})
		return
	}

	b, err := h.reloader.Reload(r.Context(), r.URL.Query().Get("version"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("model reloaded via API", "version", b.Version())
	writeJSON(w, http.StatusOK, map[string]any{
		"message":       "model reloaded successfully",
		"model_version": b.Version(),
		"accounts":      b.Len(),
	})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrArtifactMissing), errors.Is(err, domain.ErrInconsistentIndexing):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			"path", r.URL.Path,
			"status", status,
			"request_id", RequestID(r.Context()),
			"trace_id", TraceID(r.Context()),
			"error", err,
		)
		if status == http.StatusInternalServerError {
			msg = "internal server error"
		}
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
