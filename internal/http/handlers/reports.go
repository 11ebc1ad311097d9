package handlers

import (
	"net/http"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/http/middleware"
)

const statusPollSeconds = "2"

type jobResponse struct {
	*domain.ReportJob
	StatusURL string `json:"status_url"`
}

func newJobResponse(job *domain.ReportJob) jobResponse {
	return jobResponse{ReportJob: job, StatusURL: "/v1/reports/jobs/" + job.ID}
}

// SubmitReport answers 202 for a queued job and 200 when the job was
// resolved at submission (cache hit or denied fields).
func (api *API) SubmitReport(w http.ResponseWriter, r *http.Request) {
	var config domain.ReportConfig
	if err := api.decodeJSON(w, r, &config); err != nil {
		api.writeFailure(w, r, err)
		return
	}
	api.submit(w, r, config)
}

func (api *API) submit(w http.ResponseWriter, r *http.Request, config domain.ReportConfig) {
	job, err := api.generator.Submit(r.Context(), middleware.UserID(r.Context()), config)
	if err != nil {
		api.writeFailure(w, r, err)
		return
	}

	response := newJobResponse(job)
	if job.IsTerminal() {
		writeJSON(w, http.StatusOK, response)
		return
	}
	w.Header().Set("Location", response.StatusURL)
	w.Header().Set("Retry-After", statusPollSeconds)
	writeJSON(w, http.StatusAccepted, response)
}
