package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/audit"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/cache"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/datasource"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/http/handlers"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/http/middleware"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/kv"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/metrics"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/queue"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/report"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/security"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/template"
)

type runtime struct {
	handler http.Handler
	worker  *report.Worker
	fetcher *datasource.MemoryFetcher
	audit   *audit.MemorySink
}

func fixtureRows(domainName string, count int) []domain.Row {
	rows := make([]domain.Row, 0, count)
	for i := 0; i < count; i++ {
		rows = append(rows, domain.Row{
			ID: fmt.Sprintf("%s-%d", domainName, i),
			Values: map[string]any{
				"status": "active",
				"amount": float64(1000 + i),
				"salary": float64(5000 + i),
				"name":   fmt.Sprintf("client %d", i),
			},
		})
	}
	return rows
}

func startRuntime(t *testing.T) runtime {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := kv.NewMemoryStore()
	sink := audit.NewMemorySink()
	auditLogger := audit.NewLogger(sink, audit.Config{})
	collector := metrics.NewCollector()
	fetcher := datasource.NewMemoryFetcher(map[string][]domain.Row{
		"payrolls": fixtureRows("payrolls", 80),
		"clients":  fixtureRows("clients", 5),
	})
	permissions := security.NewStaticSource(security.PermissionFile{
		Domains: map[string]security.DomainRules{
			"payrolls": {Fields: map[string]security.FieldRule{
				"status": {},
				"amount": {Permissions: []string{"payroll.read"}},
				"salary": {Permissions: []string{"payroll.salary.read"}},
			}},
			"clients": {Fields: map[string]security.FieldRule{
				"name": {},
			}},
		},
		Users: map[string]security.UserGrant{
			"full":    {Permissions: []string{"payroll.read", "payroll.salary.read"}},
			"limited": {Permissions: []string{"payroll.read"}},
		},
	})

	results := cache.NewReportCache(store, cache.Config{})
	generator := report.NewGenerator(report.Dependencies{
		Queue:   queue.NewJobQueue(store, queue.Config{}),
		Cache:   results,
		Access:  security.NewValidator(permissions),
		Fetcher: fetcher,
		Audit:   auditLogger,
		Metrics: collector,
	})
	api := handlers.NewAPI(handlers.Dependencies{
		Generator: generator,
		Cache:     results,
		Templates: template.NewService(store, auditLogger, template.Config{}),
	})
	handler := NewRouter(ctx, RouterDependencies{
		API:            api,
		Metrics:        collector,
		CORSOrigins:    []string{"*"},
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})

	return runtime{
		handler: handler,
		worker:  report.NewWorker(generator, report.WorkerConfig{Concurrency: 1}),
		fetcher: fetcher,
		audit:   sink,
	}
}

func (rt runtime) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, nil)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		request.Header.Set(middleware.UserIDHeader, userID)
	}
	recorder := httptest.NewRecorder()
	rt.handler.ServeHTTP(recorder, request)
	return recorder
}

func (rt runtime) processOne(t *testing.T) {
	t.Helper()
	processed, err := rt.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
}

func decodeJob(t *testing.T, recorder *httptest.ResponseRecorder) domain.ReportJob {
	t.Helper()
	var job domain.ReportJob
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &job))
	return job
}

const payrollConfig = `{"domains":["payrolls"],"fields":{"payrolls":["status","amount"]},"limit":50}`

func TestSubmitProcessAndPoll(t *testing.T) {
	rt := startRuntime(t)

	submitted := rt.do(t, http.MethodPost, "/v1/reports", "full", payrollConfig)
	require.Equal(t, http.StatusAccepted, submitted.Code, submitted.Body.String())
	job := decodeJob(t, submitted)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, "/v1/reports/jobs/"+job.ID, submitted.Header().Get("Location"))
	assert.NotEmpty(t, submitted.Header().Get("Retry-After"))

	rt.processOne(t)

	status := rt.do(t, http.MethodGet, "/v1/reports/jobs/"+job.ID, "full", "")
	require.Equal(t, http.StatusOK, status.Code)
	done := decodeJob(t, status)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	assert.LessOrEqual(t, len(done.Result.Domains["payrolls"].Rows), 50)
	assert.Len(t, done.Result.Domains["payrolls"].Rows, 50)

	other := rt.do(t, http.MethodGet, "/v1/reports/jobs/"+job.ID, "limited", "")
	assert.Equal(t, http.StatusNotFound, other.Code)
}

func TestRepeatedSubmitResolvesFromCache(t *testing.T) {
	rt := startRuntime(t)

	first := rt.do(t, http.MethodPost, "/v1/reports", "full", payrollConfig)
	require.Equal(t, http.StatusAccepted, first.Code)
	rt.processOne(t)
	require.EqualValues(t, 1, rt.fetcher.Calls())

	second := rt.do(t, http.MethodPost, "/v1/reports", "full",
		`{"domains":["payrolls"],"fields":{"payrolls":["amount","status"]},"limit":50}`)
	require.Equal(t, http.StatusOK, second.Code)
	job := decodeJob(t, second)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Empty(t, second.Header().Get("Location"))

	processed, err := rt.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.EqualValues(t, 1, rt.fetcher.Calls())
}

func TestDeniedFieldFailsJob(t *testing.T) {
	rt := startRuntime(t)

	submitted := rt.do(t, http.MethodPost, "/v1/reports", "limited",
		`{"domains":["payrolls"],"fields":{"payrolls":["salary"]}}`)
	require.Equal(t, http.StatusOK, submitted.Code)
	job := decodeJob(t, submitted)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "salary")
	assert.Contains(t, job.Error, "denied")
	assert.Zero(t, rt.fetcher.Calls())
}

func TestCancelQueuedJob(t *testing.T) {
	rt := startRuntime(t)

	job := decodeJob(t, rt.do(t, http.MethodPost, "/v1/reports", "full", payrollConfig))

	cancelled := rt.do(t, http.MethodPost, "/v1/reports/jobs/"+job.ID+"/cancel", "full", "")
	require.Equal(t, http.StatusOK, cancelled.Code)
	assert.JSONEq(t, `{"cancelled":true}`, cancelled.Body.String())

	processed, err := rt.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)

	stored := decodeJob(t, rt.do(t, http.MethodGet, "/v1/reports/jobs/"+job.ID, "full", ""))
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, "cancelled by user", stored.Error)

	again := rt.do(t, http.MethodPost, "/v1/reports/jobs/"+job.ID+"/cancel", "full", "")
	assert.JSONEq(t, `{"cancelled":false}`, again.Body.String())
}

func TestInvalidateDomainKeepsOtherDomains(t *testing.T) {
	rt := startRuntime(t)

	for _, body := range []string{payrollConfig, `{"domains":["clients"],"fields":{"clients":["name"]}}`} {
		require.Equal(t, http.StatusAccepted, rt.do(t, http.MethodPost, "/v1/reports", "full", body).Code)
		rt.processOne(t)
	}

	var stats cache.Stats
	require.NoError(t, json.Unmarshal(rt.do(t, http.MethodGet, "/v1/cache/stats", "full", "").Body.Bytes(), &stats))
	require.Equal(t, 2, stats.TotalCached)

	removed := rt.do(t, http.MethodDelete, "/v1/cache/domains/payrolls", "full", "")
	require.Equal(t, http.StatusOK, removed.Code)
	assert.JSONEq(t, `{"removed":1}`, removed.Body.String())

	require.NoError(t, json.Unmarshal(rt.do(t, http.MethodGet, "/v1/cache/stats", "full", "").Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalCached)

	clients := rt.do(t, http.MethodPost, "/v1/reports", "full", `{"domains":["clients"],"fields":{"clients":["name"]}}`)
	assert.Equal(t, http.StatusOK, clients.Code)
	payrolls := rt.do(t, http.MethodPost, "/v1/reports", "full", payrollConfig)
	assert.Equal(t, http.StatusAccepted, payrolls.Code)
}

func TestInvalidateSingleConfig(t *testing.T) {
	rt := startRuntime(t)

	rt.do(t, http.MethodPost, "/v1/reports", "full", payrollConfig)
	rt.processOne(t)

	invalidated := rt.do(t, http.MethodPost, "/v1/cache/invalidate", "full", payrollConfig)
	require.Equal(t, http.StatusNoContent, invalidated.Code)

	again := rt.do(t, http.MethodPost, "/v1/reports", "full", payrollConfig)
	assert.Equal(t, http.StatusAccepted, again.Code)
}

func TestExportCompletedJob(t *testing.T) {
	rt := startRuntime(t)

	job := decodeJob(t, rt.do(t, http.MethodPost, "/v1/reports", "full",
		`{"domains":["payrolls"],"fields":{"payrolls":["status","amount"]},"limit":2}`))

	pending := rt.do(t, http.MethodGet, "/v1/reports/jobs/"+job.ID+"/export", "full", "")
	assert.Equal(t, http.StatusConflict, pending.Code)

	rt.processOne(t)

	exported := rt.do(t, http.MethodGet, "/v1/reports/jobs/"+job.ID+"/export?format=csv", "full", "")
	require.Equal(t, http.StatusOK, exported.Code)
	assert.Equal(t, "status,amount\nactive,1000\nactive,1001\n", exported.Body.String())
	assert.Contains(t, exported.Header().Get("Content-Disposition"), job.ID+".csv")

	unsupported := rt.do(t, http.MethodGet, "/v1/reports/jobs/"+job.ID+"/export?format=pdf", "full", "")
	assert.Equal(t, http.StatusBadRequest, unsupported.Code)

	var accessed []string
	for _, entry := range rt.audit.Entries() {
		if entry.Type == audit.EventReportAccess {
			accessed = append(accessed, fmt.Sprint(entry.Details["access_type"]))
		}
	}
	assert.Contains(t, accessed, report.AccessExport)
}

func TestListJobsOmitsResults(t *testing.T) {
	rt := startRuntime(t)

	rt.do(t, http.MethodPost, "/v1/reports", "full", payrollConfig)
	rt.processOne(t)
	rt.do(t, http.MethodPost, "/v1/reports", "limited", payrollConfig)

	listed := rt.do(t, http.MethodGet, "/v1/reports/jobs", "full", "")
	require.Equal(t, http.StatusOK, listed.Code)
	var payload struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(listed.Body.Bytes(), &payload))
	require.Len(t, payload.Jobs, 1)
	assert.Equal(t, "completed", payload.Jobs[0]["status"])
	assert.NotContains(t, payload.Jobs[0], "result")
}

func TestTemplateLifecycleAndRun(t *testing.T) {
	rt := startRuntime(t)

	created := rt.do(t, http.MethodPost, "/v1/templates", "full",
		`{"name":"Monthly payroll","config":`+payrollConfig+`}`)
	require.Equal(t, http.StatusCreated, created.Code, created.Body.String())
	var tmpl domain.Template
	require.NoError(t, json.Unmarshal(created.Body.Bytes(), &tmpl))
	assert.Equal(t, "/v1/templates/"+tmpl.ID, created.Header().Get("Location"))

	assert.Equal(t, http.StatusNotFound, rt.do(t, http.MethodGet, "/v1/templates/"+tmpl.ID, "limited", "").Code)

	run := rt.do(t, http.MethodPost, "/v1/templates/"+tmpl.ID+"/run", "full", "")
	require.Equal(t, http.StatusAccepted, run.Code)
	assert.Equal(t, domain.JobStatusQueued, decodeJob(t, run).Status)

	updated := rt.do(t, http.MethodPut, "/v1/templates/"+tmpl.ID, "full",
		`{"name":"Payroll status","config":{"domains":["payrolls"],"fields":{"payrolls":["status"]}}}`)
	require.Equal(t, http.StatusOK, updated.Code)
	assert.Contains(t, updated.Body.String(), "Payroll status")

	assert.Equal(t, http.StatusNoContent, rt.do(t, http.MethodDelete, "/v1/templates/"+tmpl.ID, "full", "").Code)
	assert.Equal(t, http.StatusNotFound, rt.do(t, http.MethodGet, "/v1/templates/"+tmpl.ID, "full", "").Code)
}

func TestErrorEnvelopes(t *testing.T) {
	rt := startRuntime(t)

	cases := []struct {
		name   string
		method string
		path   string
		userID string
		body   string
		status int
		code   string
	}{
		{"missing identity", http.MethodPost, "/v1/reports", "", payrollConfig, http.StatusUnauthorized, "unauthorized"},
		{"malformed json", http.MethodPost, "/v1/reports", "full", `{"domains":`, http.StatusBadRequest, "invalid_request"},
		{"unknown field", http.MethodPost, "/v1/reports", "full", `{"domains":["payrolls"],"bogus":1}`, http.StatusBadRequest, "invalid_request"},
		{"invalid config", http.MethodPost, "/v1/reports", "full", `{"domains":[],"fields":{}}`, http.StatusUnprocessableEntity, "invalid_config"},
		{"unknown job", http.MethodGet, "/v1/reports/jobs/nope", "full", "", http.StatusNotFound, "not_found"},
		{"invalid template", http.MethodPost, "/v1/templates", "full", `{"name":" ","config":` + payrollConfig + `}`, http.StatusUnprocessableEntity, "invalid_template"},
		{"unknown route", http.MethodGet, "/v1/nothing", "full", "", http.StatusNotFound, "not_found"},
		{"wrong method", http.MethodDelete, "/v1/reports", "full", "", http.StatusMethodNotAllowed, "method_not_allowed"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := rt.do(t, tc.method, tc.path, tc.userID, tc.body)
			require.Equal(t, tc.status, recorder.Code, recorder.Body.String())

			var payload struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
				RequestID string `json:"request_id"`
			}
			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
			assert.Equal(t, tc.code, payload.Error.Code)
			assert.NotEmpty(t, payload.RequestID)
		})
	}
}

func TestHealthAndMetricsAreOpen(t *testing.T) {
	rt := startRuntime(t)

	health := rt.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, health.Code)
	assert.JSONEq(t, `{"status":"ok"}`, health.Body.String())

	rt.do(t, http.MethodPost, "/v1/reports", "full", payrollConfig)

	scraped := rt.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, scraped.Code)
	assert.Contains(t, scraped.Body.String(), "reports_http_requests_total")
}
