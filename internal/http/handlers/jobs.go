package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/export"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/http/middleware"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/report"
)

type jobSummary struct {
	ID          string           `json:"id"`
	Status      domain.JobStatus `json:"status"`
	Progress    int              `json:"progress"`
	Domains     []string         `json:"domains"`
	Error       string           `json:"error,omitempty"`
	StatusURL   string           `json:"status_url"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ListJobs returns the caller's jobs without their result payloads.
func (api *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := api.generator.List(r.Context(), middleware.UserID(r.Context()))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}

	summaries := make([]jobSummary, 0, len(jobs))
	for _, job := range jobs {
		summary := jobSummary{
			ID:          job.ID,
			Status:      job.Status,
			Progress:    job.Progress,
			Domains:     job.Config.Domains,
			Error:       job.Error,
			StatusURL:   "/v1/reports/jobs/" + job.ID,
			StartedAt:   job.StartedAt,
			CompletedAt: job.CompletedAt,
		}
		summaries = append(summaries, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": summaries})
}

func (api *API) JobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := api.generator.Status(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "jobID"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	if !job.IsTerminal() {
		w.Header().Set("Retry-After", statusPollSeconds)
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (api *API) CancelJob(w http.ResponseWriter, r *http.Request) {
	cancelled, err := api.generator.Cancel(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "jobID"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

// ExportJob streams a completed job as CSV (default) or XLSX.
func (api *API) ExportJob(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}
	jobID := chi.URLParam(r, "jobID")
	job, err := api.generator.Open(r.Context(), middleware.UserID(r.Context()), jobID, report.AccessExport)
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}

	var body bytes.Buffer
	if err := export.Job(&body, format, job); err != nil {
		api.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "report-"+jobID+"."+string(format)))
	w.Header().Set("Content-Length", strconv.Itoa(body.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = body.WriteTo(w)
}
