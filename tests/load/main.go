// Command load drives the report API in-process and prints latency
// percentiles per scenario as JSON.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/audit"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/cache"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/datasource"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	httpserver "github.com/tigearis/Payroll-ByteMy-sub012/internal/http"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/http/handlers"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/http/middleware"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/kv"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/metrics"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/queue"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/report"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/security"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/template"
)

const loadUser = "load-user"

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server *httptest.Server
	cancel context.CancelFunc
}

func main() {
	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	submitTotal := flag.Int("submit-total", 200, "total unique report submissions")
	submitConcurrency := flag.Int("submit-concurrency", 24, "concurrency for unique submissions")
	cachedTotal := flag.Int("cached-total", 300, "total submissions of an already cached config")
	cachedConcurrency := flag.Int("cached-concurrency", 32, "concurrency for cached submissions")
	listTotal := flag.Int("list-total", 120, "total job list requests")
	listConcurrency := flag.Int("list-concurrency", 16, "concurrency for job list requests")
	rows := flag.Int("rows", 5000, "fixture rows per domain")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	env := startBenchmarkEnvironment(*rows)
	defer env.cancel()
	defer env.server.Close()

	client := &http.Client{Timeout: 10 * time.Second}

	submitScenario := runScenario("submit_unique", *submitTotal, *submitConcurrency, func(index int) error {
		config := payrollConfig(10 + index)
		return postJSON(client, env.server.URL+"/v1/reports", config, http.StatusAccepted, http.StatusOK)
	})

	warm := payrollConfig(7)
	if err := postJSON(client, env.server.URL+"/v1/reports", warm, http.StatusAccepted, http.StatusOK); err != nil {
		logger.Fatal("warm-up submission failed", zap.Error(err))
	}
	if !waitForCache(client, env.server.URL, warm, 10*time.Second) {
		logger.Fatal("warm-up job did not complete")
	}
	cachedScenario := runScenario("submit_cached", *cachedTotal, *cachedConcurrency, func(int) error {
		return postJSON(client, env.server.URL+"/v1/reports", warm, http.StatusOK)
	})

	listScenario := runScenario("list_jobs", *listTotal, *listConcurrency, func(int) error {
		return getJSON(client, env.server.URL+"/v1/reports/jobs", http.StatusOK)
	})

	results := []scenarioResult{submitScenario, cachedScenario, listScenario}
	slo := map[string]bool{
		"submit_p95_le_250ms":       submitScenario.P95MS <= 250,
		"cached_submit_p95_le_50ms": cachedScenario.P95MS <= 50,
	}

	summary := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		Results:        results,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		logger.Fatal("marshal benchmark report", zap.Error(err))
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			logger.Fatal("write output file", zap.Error(err))
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func payrollConfig(limit int) domain.ReportConfig {
	return domain.ReportConfig{
		Domains: []string{"payrolls"},
		Fields:  map[string][]string{"payrolls": {"status", "amount"}},
		Sorts:   []domain.Sort{{Field: "amount", Direction: domain.SortDesc}},
		Limit:   limit,
	}
}

func startBenchmarkEnvironment(rowCount int) *benchmarkEnv {
	ctx, cancel := context.WithCancel(context.Background())

	rows := make([]domain.Row, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		status := "active"
		if i%3 == 0 {
			status = "draft"
		}
		rows = append(rows, domain.Row{
			ID:     fmt.Sprintf("p-%d", i),
			Values: map[string]any{"status": status, "amount": float64(i%997) * 13.5},
		})
	}

	store := kv.NewMemoryStore()
	auditLogger := audit.NewLogger(audit.NewMemorySink(), audit.Config{})
	permissions := security.NewStaticSource(security.PermissionFile{
		Domains: map[string]security.DomainRules{
			"payrolls": {Fields: map[string]security.FieldRule{"status": {}, "amount": {}}},
		},
		Users: map[string]security.UserGrant{loadUser: {}},
	})
	results := cache.NewReportCache(store, cache.Config{})
	generator := report.NewGenerator(report.Dependencies{
		Queue:   queue.NewJobQueue(store, queue.Config{}),
		Cache:   results,
		Access:  security.NewValidator(permissions),
		Fetcher: datasource.NewMemoryFetcher(map[string][]domain.Row{"payrolls": rows}),
		Audit:   auditLogger,
		Metrics: metrics.NewCollector(),
	})
	api := handlers.NewAPI(handlers.Dependencies{
		Generator: generator,
		Cache:     results,
		Templates: template.NewService(store, auditLogger, template.Config{}),
	})
	router := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Metrics:        metrics.NewCollector(),
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	worker := report.NewWorker(generator, report.WorkerConfig{Concurrency: 4, PollInterval: 5 * time.Millisecond})
	go func() { _ = worker.Run(ctx) }()

	return &benchmarkEnv{server: httptest.NewServer(router), cancel: cancel}
}

// waitForCache resubmits config until the API answers from cache.
func waitForCache(client *http.Client, baseURL string, config domain.ReportConfig, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if postJSON(client, baseURL+"/v1/reports", config, http.StatusOK) == nil {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	samples := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				samples <- s
			}
		}()
	}
	wg.Wait()
	close(samples)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	for item := range samples {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        total - success,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func postJSON(client *http.Client, url string, payload any, expected ...int) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	return do(client, request, expected...)
}

func getJSON(client *http.Client, url string, expected ...int) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	return do(client, request, expected...)
}

func do(client *http.Client, request *http.Request, expected ...int) error {
	request.Header.Set("Accept", "application/json")
	request.Header.Set(middleware.UserIDHeader, loadUser)

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	for _, status := range expected {
		if response.StatusCode == status {
			_, _ = io.Copy(io.Discard, response.Body)
			return nil
		}
	}
	body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
	return fmt.Errorf("unexpected status %d (expected %v): %s", response.StatusCode, expected, string(body))
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
