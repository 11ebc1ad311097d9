package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/kv"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/metrics"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/queue"
)

type fakeCleaner struct {
	calls  atomic.Int32
	maxAge atomic.Int64
	count  int
	err    error
}

func (c *fakeCleaner) CleanupOldJobs(_ context.Context, maxAge time.Duration) (int, error) {
	c.calls.Add(1)
	c.maxAge.Store(int64(maxAge))
	return c.count, c.err
}

type fakePurger struct {
	calls atomic.Int32
	err   error
}

func (p *fakePurger) PurgeExpired(context.Context) (int64, error) {
	p.calls.Add(1)
	return 3, p.err
}

func TestNewRetentionRejectsBadSchedule(t *testing.T) {
	_, err := NewRetention(&fakeCleaner{}, RetentionConfig{Schedule: "every now and then"})
	assert.Error(t, err)

	_, err = NewRetention(nil, RetentionConfig{})
	assert.Error(t, err)
}

func TestRunOnceCleansAndPurges(t *testing.T) {
	cleaner := &fakeCleaner{count: 4}
	purger := &fakePurger{}
	collector := metrics.NewCollector()
	retention, err := NewRetention(cleaner, RetentionConfig{
		MaxAge:  7 * 24 * time.Hour,
		Purger:  purger,
		Metrics: collector,
	})
	require.NoError(t, err)

	removed, err := retention.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 4, removed)
	assert.Equal(t, int64(7*24*time.Hour), cleaner.maxAge.Load())
	assert.EqualValues(t, 1, purger.calls.Load())

	recorder := httptest.NewRecorder()
	collector.Handler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, recorder.Body.String(), "reports_jobs_purged_total 4")
}

func TestRunOnceJoinsErrors(t *testing.T) {
	cleanErr := errors.New("scan failed")
	purgeErr := errors.New("db down")
	retention, err := NewRetention(&fakeCleaner{err: cleanErr}, RetentionConfig{
		MaxAge: time.Hour,
		Purger: &fakePurger{err: purgeErr},
	})
	require.NoError(t, err)

	_, err = retention.RunOnce(context.Background())

	assert.ErrorIs(t, err, cleanErr)
	assert.ErrorIs(t, err, purgeErr)
}

func TestZeroMaxAgeDisablesCleanup(t *testing.T) {
	cleaner := &fakeCleaner{}
	retention, err := NewRetention(cleaner, RetentionConfig{})
	require.NoError(t, err)

	assert.False(t, retention.Enabled())
	require.NoError(t, retention.Start(context.Background()))
	retention.Stop()

	_, err = retention.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cleaner.calls.Load())
}

func TestStartRunsOnSchedule(t *testing.T) {
	cleaner := &fakeCleaner{}
	retention, err := NewRetention(cleaner, RetentionConfig{Schedule: "@every 1s", MaxAge: time.Minute})
	require.NoError(t, err)

	require.NoError(t, retention.Start(context.Background()))
	defer retention.Stop()

	require.Eventually(t, func() bool {
		return cleaner.calls.Load() > 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestRunOnceAgainstJobQueue(t *testing.T) {
	now := time.Date(2026, 6, 10, 0, 0, 0, 0, time.UTC)
	store := kv.NewMemoryStore()
	jobs := queue.NewJobQueue(store, queue.Config{Now: func() time.Time { return now }})
	ctx := context.Background()

	config := domain.ReportConfig{
		Domains: []string{"payrolls"},
		Fields:  map[string][]string{"payrolls": {"status"}},
	}
	old := jobs.NewJob(config, "u-1")
	old.ID = "old"
	old.Status = domain.JobStatusCompleted
	finished := now.Add(-8 * 24 * time.Hour)
	old.CompletedAt = &finished
	require.NoError(t, jobs.Record(ctx, &old))

	recent := jobs.NewJob(config, "u-1")
	recent.ID = "recent"
	recent.Status = domain.JobStatusFailed
	yesterday := now.Add(-24 * time.Hour)
	recent.CompletedAt = &yesterday
	require.NoError(t, jobs.Record(ctx, &recent))

	retention, err := NewRetention(jobs, RetentionConfig{MaxAge: 7 * 24 * time.Hour})
	require.NoError(t, err)

	removed, err := retention.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = jobs.Get(ctx, "old")
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
	_, err = jobs.Get(ctx, "recent")
	assert.NoError(t, err)
}
