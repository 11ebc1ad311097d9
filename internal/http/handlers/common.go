package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/cache"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/export"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/http/middleware"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/queue"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/report"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/template"
)

const defaultMaxBodyBytes = 1 << 20

var errInvalidPayload = errors.New("invalid payload")

type Dependencies struct {
	Generator    *report.Generator
	Cache        *cache.ReportCache
	Templates    *template.Service
	Logger       *zap.Logger
	MaxBodyBytes int64
}

type API struct {
	generator *report.Generator
	cache     *cache.ReportCache
	templates *template.Service
	logger    *zap.Logger
	maxBody   int64
}

func NewAPI(deps Dependencies) *API {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &API{
		generator: deps.Generator,
		cache:     deps.Cache,
		templates: deps.Templates,
		logger:    deps.Logger.With(zap.String("component", "api")),
		maxBody:   deps.MaxBodyBytes,
	}
}

type errorBody struct {
	Code    string                   `json:"code"`
	Message string                   `json:"message"`
	Details []domain.ValidationError `json:"details,omitempty"`
}

type errorPayload struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorPayload{
		Error:     errorBody{Code: code, Message: message},
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

// writeFailure maps a service error onto the API envelope. Unknown errors
// are logged and reported as 500 without leaking their text.
func (api *API) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var validation domain.ValidationErrors
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, errorPayload{
			Error: errorBody{
				Code:    "invalid_config",
				Message: "report config is invalid",
				Details: validation,
			},
			RequestID: middleware.GetRequestID(r.Context()),
		})
	case errors.Is(err, errInvalidPayload):
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
	case errors.Is(err, template.ErrInvalidTemplate):
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_template", err.Error())
	case errors.Is(err, report.ErrMissingUser):
		writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, template.ErrTemplateNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "template not found")
	case errors.Is(err, export.ErrUnsupportedFormat):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, export.ErrJobNotCompleted):
		writeError(w, r, http.StatusConflict, "job_not_completed", "job has no result to export yet")
	default:
		api.logger.Error("request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// decodeJSON reads exactly one JSON object, rejecting unknown fields and
// bodies above the configured size.
func (api *API) decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, api.maxBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return errInvalidPayload
	}
	return nil
}

func (api *API) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "not_found", "route not found")
}

func (api *API) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
