package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/audit"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/cache"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/kv"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/metrics"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/queue"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/security"
)

type countingFetcher struct {
	calls   atomic.Int64
	mu      sync.Mutex
	queries []domain.DomainQuery
	fetch   func(ctx context.Context, query domain.DomainQuery) ([]domain.Row, error)
}

func (f *countingFetcher) FetchDomainRows(ctx context.Context, query domain.DomainQuery) ([]domain.Row, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.fetch != nil {
		return f.fetch(ctx, query)
	}
	return generatedRows(query, 120), nil
}

func generatedRows(query domain.DomainQuery, count int) []domain.Row {
	rows := make([]domain.Row, 0, count)
	for i := 0; i < count; i++ {
		values := map[string]any{"unselected_secret": "x"}
		for _, field := range query.Fields {
			values[field] = fmt.Sprintf("%s-%d", field, i)
		}
		rows = append(rows, domain.Row{ID: fmt.Sprintf("%s-%d", query.Domain, i), Values: values})
	}
	return rows
}

type switchableAccess struct {
	mu     sync.Mutex
	denied []string
}

func (a *switchableAccess) DeniedFields(context.Context, string, domain.ReportConfig) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.denied...)
}

func (a *switchableAccess) Deny(fields ...string) {
	a.mu.Lock()
	a.denied = fields
	a.mu.Unlock()
}

type harness struct {
	generator *Generator
	worker    *Worker
	queue     *queue.JobQueue
	cache     *cache.ReportCache
	fetcher   *countingFetcher
	audit     *audit.MemorySink
}

func permissionSource() *security.StaticSource {
	return security.NewStaticSource(security.PermissionFile{
		Domains: map[string]security.DomainRules{
			"payrolls": {Fields: map[string]security.FieldRule{
				"status": {},
				"amount": {Permissions: []string{"payroll.read"}},
				"salary": {Permissions: []string{"payroll.salary.read"}},
			}},
			"clients": {Fields: map[string]security.FieldRule{
				"name": {},
				"id":   {},
			}},
		},
		Users: map[string]security.UserGrant{
			"full":    {Permissions: []string{"payroll.read", "payroll.salary.read"}},
			"limited": {Permissions: []string{"payroll.read"}},
		},
	})
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(at time.Time) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

func newHarness(t *testing.T, access AccessChecker, joiner Joiner) *harness {
	t.Helper()
	return buildHarness(t, access, joiner, nil, 0)
}

// newClockedHarness drives the store, queue, cache and generator from one
// manual clock.
func newClockedHarness(t *testing.T, clock *manualClock, processingTimeout time.Duration) *harness {
	t.Helper()
	return buildHarness(t, nil, nil, clock.Now, processingTimeout)
}

func buildHarness(t *testing.T, access AccessChecker, joiner Joiner, now func() time.Time, processingTimeout time.Duration) *harness {
	t.Helper()
	store := kv.NewMemoryStore()
	if now != nil {
		store = kv.NewMemoryStoreWithClock(now)
	}
	sink := audit.NewMemorySink()
	fetcher := &countingFetcher{}
	if access == nil {
		access = security.NewValidator(permissionSource())
	}

	jobs := queue.NewJobQueue(store, queue.Config{ProcessingTimeout: processingTimeout, Now: now})
	results := cache.NewReportCache(store, cache.Config{Now: now})
	generator := NewGenerator(Dependencies{
		Queue:   jobs,
		Cache:   results,
		Access:  access,
		Fetcher: fetcher,
		Joiner:  joiner,
		Audit:   audit.NewLogger(sink, audit.Config{}),
		Metrics: metrics.NewCollector(),
		Now:     now,
	})
	return &harness{
		generator: generator,
		worker:    NewWorker(generator, WorkerConfig{Concurrency: 2, PollInterval: 5 * time.Millisecond}),
		queue:     jobs,
		cache:     results,
		fetcher:   fetcher,
		audit:     sink,
	}
}

func statusAmountConfig() domain.ReportConfig {
	return domain.ReportConfig{
		Domains: []string{"payrolls"},
		Fields:  map[string][]string{"payrolls": {"status", "amount"}},
		Limit:   50,
	}
}

func TestSubmitAndProcessCompletesJob(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	job, err := h.generator.Submit(ctx, "full", statusAmountConfig())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)

	processed, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	done, err := h.generator.Status(ctx, "full", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Result)
	require.NotNil(t, done.CompletedAt)

	section := done.Result.Domains["payrolls"]
	assert.LessOrEqual(t, len(section.Rows), 50)
	assert.Len(t, section.Rows, 50)
	assert.Equal(t, []string{"status", "amount"}, section.Fields)
	assert.NotContains(t, section.Rows[0].Values, "unselected_secret")
}

func TestSecondSubmitResolvesFromCache(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.generator.Submit(ctx, "full", statusAmountConfig())
	require.NoError(t, err)
	_, err = h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, h.fetcher.calls.Load())

	reordered := domain.ReportConfig{
		Domains: []string{"payrolls"},
		Fields:  map[string][]string{"payrolls": {"amount", "status"}},
		Limit:   50,
	}
	again, err := h.generator.Submit(ctx, "full", reordered)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, again.Status)
	assert.Equal(t, 100, again.Progress)
	require.NotNil(t, again.Result)
	assert.Len(t, again.Result.Domains["payrolls"].Rows, 50)

	assert.EqualValues(t, 1, h.fetcher.calls.Load())
	depth, err := h.queue.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestWorkerCacheHitKeepsOriginalExpiry(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &manualClock{now: start}
	h := newClockedHarness(t, clock, 48*time.Hour)
	ctx := context.Background()

	first, err := h.generator.Submit(ctx, "full", statusAmountConfig())
	require.NoError(t, err)
	clock.Set(start.Add(time.Second))
	second, err := h.generator.Submit(ctx, "full", statusAmountConfig())
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusQueued, second.Status)

	processed, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	clock.Set(start.Add(20 * time.Hour))
	processed, err = h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)
	assert.EqualValues(t, 1, h.fetcher.calls.Load())

	for _, id := range []string{first.ID, second.ID} {
		done, err := h.generator.Status(ctx, "full", id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, done.Status)
	}

	entry, hit, err := h.cache.Lookup(ctx, second.Fingerprint)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, start.Add(time.Second), entry.CachedAt)

	clock.Set(start.Add(30 * time.Hour))
	_, hit, err = h.cache.Get(ctx, statusAmountConfig())
	require.NoError(t, err)
	assert.False(t, hit, "entries older than the TTL are not served")
}

func TestSubmitDeniedFieldFailsJob(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	config := domain.ReportConfig{
		Domains: []string{"payrolls"},
		Fields:  map[string][]string{"payrolls": {"salary"}},
	}

	job, err := h.generator.Submit(ctx, "limited", config)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "salary")
	assert.Contains(t, job.Error, "denied")

	stored, err := h.generator.Status(ctx, "limited", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Zero(t, h.fetcher.calls.Load())

	entries := h.audit.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, "failure", entries[0].Details["status"])
}

func TestSubmitRejectsInvalidShape(t *testing.T) {
	h := newHarness(t, nil, nil)

	_, err := h.generator.Submit(context.Background(), "full", domain.ReportConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = h.generator.Submit(context.Background(), " ", statusAmountConfig())
	assert.ErrorIs(t, err, ErrMissingUser)

	jobs, err := h.generator.List(context.Background(), "full")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCancelledQueuedJobIsSkipped(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	job, err := h.generator.Submit(ctx, "full", statusAmountConfig())
	require.NoError(t, err)

	cancelled, err := h.generator.Cancel(ctx, "full", job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	processed, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Zero(t, h.fetcher.calls.Load())

	stored, err := h.generator.Status(ctx, "full", job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, "cancelled by user", stored.Error)

	again, err := h.generator.Cancel(ctx, "full", job.ID)
	require.NoError(t, err)
	assert.False(t, again)
}

func TestCancellationObservedBetweenDomains(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	config := domain.ReportConfig{
		Domains: []string{"payrolls", "clients"},
		Fields:  map[string][]string{"payrolls": {"status"}, "clients": {"name"}},
	}

	var jobID string
	h.fetcher.fetch = func(ctx context.Context, query domain.DomainQuery) ([]domain.Row, error) {
		if query.Domain == "payrolls" {
			_, err := h.queue.Cancel(ctx, jobID)
			require.NoError(t, err)
		}
		return generatedRows(query, 3), nil
	}

	job, err := h.generator.Submit(ctx, "full", config)
	require.NoError(t, err)
	jobID = job.ID

	_, err = h.worker.ProcessNext(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, h.fetcher.calls.Load())
	stored, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, "cancelled by user", stored.Error)

	_, hit, err := h.cache.Get(ctx, config)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestFetchErrorFailsJobVerbatim(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.fetcher.fetch = func(context.Context, domain.DomainQuery) ([]domain.Row, error) {
		return nil, errors.New("connection reset by peer")
	}

	job, err := h.generator.Submit(ctx, "full", statusAmountConfig())
	require.NoError(t, err)
	_, err = h.worker.ProcessNext(ctx)
	require.NoError(t, err)

	stored, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "connection reset by peer")
	assert.NotNil(t, stored.CompletedAt)

	entries := h.audit.Entries()
	last := entries[len(entries)-1]
	assert.Equal(t, "failure", last.Details["status"])
	assert.Equal(t, "process", last.Metadata["stage"])
}

func TestFetcherPanicFailsJob(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.fetcher.fetch = func(context.Context, domain.DomainQuery) ([]domain.Row, error) {
		panic("nil map")
	}

	job, err := h.generator.Submit(ctx, "full", statusAmountConfig())
	require.NoError(t, err)
	_, err = h.worker.ProcessNext(ctx)
	require.NoError(t, err)

	stored, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "nil map")
}

func TestWorkerRevalidatesAccess(t *testing.T) {
	access := &switchableAccess{}
	h := newHarness(t, access, nil)
	ctx := context.Background()

	job, err := h.generator.Submit(ctx, "full", statusAmountConfig())
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusQueued, job.Status)

	access.Deny("payrolls.amount")
	_, err = h.worker.ProcessNext(ctx)
	require.NoError(t, err)

	stored, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "payrolls.amount")
	assert.Zero(t, h.fetcher.calls.Load())
}

func TestQueriesAreScopedPerDomain(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	config := domain.ReportConfig{
		Domains: []string{"payrolls", "clients"},
		Fields:  map[string][]string{"payrolls": {"status"}, "clients": {"name"}},
		Filters: []domain.Filter{
			domain.Condition("payrolls.status", domain.OperatorEquals, "active"),
			domain.Condition("name", domain.OperatorIsNotNull, nil),
		},
		Sorts: []domain.Sort{{Field: "clients.name", Direction: domain.SortDesc}},
	}

	_, err := h.generator.Submit(ctx, "full", config)
	require.NoError(t, err)
	_, err = h.worker.ProcessNext(ctx)
	require.NoError(t, err)

	require.Len(t, h.fetcher.queries, 2)
	payrolls, clients := h.fetcher.queries[0], h.fetcher.queries[1]
	assert.Equal(t, "payrolls", payrolls.Domain)
	assert.Len(t, payrolls.Filters, 2)
	assert.Equal(t, "status", payrolls.Filters[0].Condition.Field)
	assert.Empty(t, payrolls.Sorts)
	assert.Equal(t, domain.DefaultLimit, payrolls.Limit)

	assert.Equal(t, "clients", clients.Domain)
	assert.Len(t, clients.Filters, 1)
	assert.Equal(t, []domain.Sort{{Field: "name", Direction: domain.SortDesc}}, clients.Sorts)
}

func TestStatusHidesOtherUsersJobs(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	job, err := h.generator.Submit(ctx, "full", statusAmountConfig())
	require.NoError(t, err)

	_, err = h.generator.Status(ctx, "limited", job.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	_, err = h.generator.Cancel(ctx, "limited", job.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

func TestIncludeRelationshipsRunsJoiner(t *testing.T) {
	joiner := NewKeyJoiner(RelationshipMap{Relationships: []Relationship{{
		Name: "payroll_clients",
		From: Endpoint{Domain: "payrolls", Key: "status"},
		To:   Endpoint{Domain: "clients", Key: "name"},
	}}})
	h := newHarness(t, nil, joiner)
	ctx := context.Background()
	h.fetcher.fetch = func(_ context.Context, query domain.DomainQuery) ([]domain.Row, error) {
		if query.Domain == "payrolls" {
			return []domain.Row{{ID: "p1", Values: map[string]any{"status": "acme"}}}, nil
		}
		return []domain.Row{{ID: "c1", Values: map[string]any{"name": "acme"}}}, nil
	}
	config := domain.ReportConfig{
		Domains:              []string{"payrolls", "clients"},
		Fields:               map[string][]string{"payrolls": {"status"}, "clients": {"name"}},
		IncludeRelationships: true,
	}

	job, err := h.generator.Submit(ctx, "full", config)
	require.NoError(t, err)
	_, err = h.worker.ProcessNext(ctx)
	require.NoError(t, err)

	stored, err := h.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, stored.Status)
	require.Len(t, stored.Result.Joined["payroll_clients"], 1)
	assert.Equal(t, "acme", stored.Result.Joined["payroll_clients"][0].Values["clients.name"])
}

func TestWorkerRunDrainsQueueAndStops(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		config := statusAmountConfig()
		config.Limit = i + 1
		job, err := h.generator.Submit(ctx, "full", config)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			job, err := h.queue.Get(context.Background(), id)
			if err != nil || job.Status != domain.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
	assert.EqualValues(t, 5, h.fetcher.calls.Load())
}
