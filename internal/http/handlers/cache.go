package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

// InvalidateCache drops the cached result for exactly one config.
func (api *API) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var config domain.ReportConfig
	if err := api.decodeJSON(w, r, &config); err != nil {
		api.writeFailure(w, r, err)
		return
	}
	if err := config.Validate(); err != nil {
		api.writeFailure(w, r, err)
		return
	}
	if err := api.cache.Invalidate(r.Context(), config); err != nil {
		api.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) InvalidateDomain(w http.ResponseWriter, r *http.Request) {
	removed, err := api.cache.InvalidateDomain(r.Context(), chi.URLParam(r, "domain"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (api *API) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := api.cache.Stats(r.Context())
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
