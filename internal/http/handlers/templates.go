package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/http/middleware"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/template"
)

func (api *API) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var draft template.Draft
	if err := api.decodeJSON(w, r, &draft); err != nil {
		api.writeFailure(w, r, err)
		return
	}
	created, err := api.templates.Create(r.Context(), middleware.UserID(r.Context()), draft)
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/templates/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (api *API) ListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := api.templates.List(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (api *API) GetTemplate(w http.ResponseWriter, r *http.Request) {
	found, err := api.templates.Get(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "templateID"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (api *API) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	var draft template.Draft
	if err := api.decodeJSON(w, r, &draft); err != nil {
		api.writeFailure(w, r, err)
		return
	}
	updated, err := api.templates.Update(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "templateID"), draft)
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (api *API) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := api.templates.Delete(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "templateID")); err != nil {
		api.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunTemplate submits the stored config of a template as a new report job.
func (api *API) RunTemplate(w http.ResponseWriter, r *http.Request) {
	found, err := api.templates.Get(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "templateID"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	api.submit(w, r, found.Config)
}
