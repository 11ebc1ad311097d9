// Package report turns report configs into jobs and jobs into results.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/audit"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/cache"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/fingerprint"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/metrics"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/queue"
)

// Access types recorded against jobs.
const (
	AccessView   = "view"
	AccessCancel = "cancel"
	AccessExport = "export"
)

var (
	ErrMissingUser = errors.New("user id is required")

	errCancelled = errors.New(queue.CancelledError)
)

// Fetcher loads rows for one domain. Implementations must honour the query's
// fields, filters, sorts and limit.
type Fetcher interface {
	FetchDomainRows(ctx context.Context, query domain.DomainQuery) ([]domain.Row, error)
}

type FetcherFunc func(ctx context.Context, query domain.DomainQuery) ([]domain.Row, error)

func (f FetcherFunc) FetchDomainRows(ctx context.Context, query domain.DomainQuery) ([]domain.Row, error) {
	return f(ctx, query)
}

// AccessChecker reports the fields of a config a user may not read, as
// "<domain>.<field>".
type AccessChecker interface {
	DeniedFields(ctx context.Context, userID string, config domain.ReportConfig) []string
}

type Dependencies struct {
	Queue   *queue.JobQueue
	Cache   *cache.ReportCache
	Access  AccessChecker
	Fetcher Fetcher
	// Joiner may be nil, in which case relationship requests produce no
	// joined sections.
	Joiner  Joiner
	Audit   *audit.Logger
	Metrics *metrics.Collector
	Logger  *zap.Logger
	Now     func() time.Time
}

type Generator struct {
	queue   *queue.JobQueue
	cache   *cache.ReportCache
	access  AccessChecker
	fetcher Fetcher
	joiner  Joiner
	audit   *audit.Logger
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

func NewGenerator(deps Dependencies) *Generator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Generator{
		queue:   deps.Queue,
		cache:   deps.Cache,
		access:  deps.Access,
		fetcher: deps.Fetcher,
		joiner:  deps.Joiner,
		audit:   deps.Audit,
		metrics: deps.Metrics,
		logger:  deps.Logger.With(zap.String("component", "generator")),
		now:     deps.Now,
	}
}

// Submit validates a config and returns its job. Shape errors return an
// error and create nothing. Denied fields and cache hits are resolved here
// and the returned job is already terminal; otherwise the job is queued.
func (g *Generator) Submit(ctx context.Context, userID string, config domain.ReportConfig) (*domain.ReportJob, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrMissingUser
	}
	if err := config.Validate(); err != nil {
		g.metrics.Submission(metrics.OutcomeRejected)
		g.audit.LogReportGeneration(ctx, userID, config, err, map[string]any{"stage": "submit"})
		return nil, err
	}

	if denied := g.access.DeniedFields(ctx, userID, config); len(denied) > 0 {
		accessErr := accessDeniedError(denied)
		job := g.queue.NewJob(config, userID)
		now := g.now()
		job.Status = domain.JobStatusFailed
		job.Error = accessErr.Error()
		job.CompletedAt = &now
		job.UpdatedAt = now
		if err := g.queue.Record(ctx, &job); err != nil {
			return nil, err
		}
		g.metrics.Submission(metrics.OutcomeDenied)
		g.audit.LogReportGeneration(ctx, userID, config, accessErr, map[string]any{
			"stage":  "submit",
			"job_id": job.ID,
			"denied": denied,
		})
		g.logger.Info("report denied",
			zap.String("job_id", job.ID),
			zap.String("user_id", userID),
			zap.Strings("denied", denied),
		)
		return &job, nil
	}

	entry, hit, err := g.cache.Lookup(ctx, fingerprint.Fingerprint(config))
	if err != nil {
		g.logger.Warn("cache lookup failed, generating instead", zap.String("user_id", userID), zap.Error(err))
	}
	g.metrics.CacheLookup(hit)
	if hit {
		job := g.queue.NewJob(config, userID)
		now := g.now()
		result := entry.Result
		job.Status = domain.JobStatusCompleted
		job.Progress = 100
		job.Result = &result
		job.CompletedAt = &now
		job.UpdatedAt = now
		if err := g.queue.Record(ctx, &job); err != nil {
			return nil, err
		}
		g.metrics.Submission(metrics.OutcomeCached)
		g.audit.LogReportGeneration(ctx, userID, config, nil, map[string]any{
			"stage":     "submit",
			"job_id":    job.ID,
			"cache_hit": true,
			"rows":      result.TotalRows(),
		})
		return &job, nil
	}

	job, err := g.queue.Enqueue(ctx, config, userID)
	if err != nil {
		g.audit.LogReportGeneration(ctx, userID, config, err, map[string]any{"stage": "submit"})
		return nil, fmt.Errorf("enqueue report: %w", err)
	}
	g.metrics.Submission(metrics.OutcomeQueued)
	g.audit.LogReportGeneration(ctx, userID, config, nil, map[string]any{
		"stage":     "submit",
		"job_id":    job.ID,
		"cache_hit": false,
	})
	g.logger.Info("report queued",
		zap.String("job_id", job.ID),
		zap.String("user_id", userID),
		zap.String("fingerprint", job.Fingerprint),
	)
	return job, nil
}

// Status returns a job owned by userID. Other users' jobs are reported as
// not found.
func (g *Generator) Status(ctx context.Context, userID, jobID string) (*domain.ReportJob, error) {
	return g.Open(ctx, userID, jobID, AccessView)
}

// Open loads an owned job and records the access under accessType.
func (g *Generator) Open(ctx context.Context, userID, jobID, accessType string) (*domain.ReportJob, error) {
	job, err := g.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	g.audit.LogReportAccess(ctx, userID, jobID, accessType)
	return job, nil
}

func (g *Generator) Cancel(ctx context.Context, userID, jobID string) (bool, error) {
	if _, err := g.ownedJob(ctx, userID, jobID); err != nil {
		return false, err
	}
	cancelled, err := g.queue.Cancel(ctx, jobID)
	if err != nil {
		return false, err
	}
	if cancelled {
		g.audit.LogReportAccess(ctx, userID, jobID, AccessCancel)
	}
	return cancelled, nil
}

func (g *Generator) List(ctx context.Context, userID string) ([]domain.ReportJob, error) {
	return g.queue.ListJobs(ctx, userID)
}

func (g *Generator) ownedJob(ctx context.Context, userID, jobID string) (*domain.ReportJob, error) {
	job, err := g.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, queue.ErrJobNotFound
	}
	return job, nil
}

// Process runs a claimed job to a terminal status. Failures are recorded on
// the job; the returned error is only for the caller's logging.
func (g *Generator) Process(ctx context.Context, job *domain.ReportJob) (err error) {
	started := g.now()
	logger := g.logger.With(zap.String("job_id", job.ID), zap.String("user_id", job.UserID))

	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("report generation panicked: %v", recovered)
			g.fail(ctx, job, err, started)
		}
	}()

	result, cached, err := g.generate(ctx, job, logger)
	if errors.Is(err, errCancelled) {
		logger.Info("job cancelled during processing")
		g.metrics.JobFinished("cancelled", g.now().Sub(started))
		g.audit.LogReportGeneration(ctx, job.UserID, job.Config, err, map[string]any{"stage": "process", "job_id": job.ID})
		return err
	}
	if err != nil {
		g.fail(ctx, job, err, started)
		return err
	}

	// A cached result keeps its original CachedAt so the TTL still bounds it.
	if !cached {
		if err := g.cache.Put(ctx, job.Config, result, cache.Metadata{
			Domains:     job.Config.Domains,
			GeneratedAt: result.GeneratedAt,
		}); err != nil {
			logger.Warn("cache write failed", zap.Error(err))
		}
	}

	if _, err := g.queue.UpdateJob(context.WithoutCancel(ctx), job.ID, queue.Complete(result)); err != nil {
		if errors.Is(err, queue.ErrJobTerminal) {
			logger.Info("job finished elsewhere before completion was recorded")
			return nil
		}
		logger.Error("record job completion", zap.Error(err))
		return err
	}

	duration := g.now().Sub(started)
	g.metrics.JobFinished(string(domain.JobStatusCompleted), duration)
	g.audit.LogReportGeneration(ctx, job.UserID, job.Config, nil, map[string]any{
		"stage":       "process",
		"job_id":      job.ID,
		"rows":        result.TotalRows(),
		"duration_ms": duration.Milliseconds(),
	})
	logger.Info("report completed",
		zap.Int("rows", result.TotalRows()),
		zap.Int64("duration_ms", duration.Milliseconds()),
	)
	return nil
}

func (g *Generator) generate(ctx context.Context, job *domain.ReportJob, logger *zap.Logger) (domain.ReportResult, bool, error) {
	config := job.Config

	if denied := g.access.DeniedFields(ctx, job.UserID, config); len(denied) > 0 {
		return domain.ReportResult{}, false, accessDeniedError(denied)
	}

	entry, hit, err := g.cache.Lookup(ctx, job.Fingerprint)
	if err != nil {
		logger.Warn("cache lookup failed", zap.Error(err))
	}
	g.metrics.CacheLookup(hit)
	if hit {
		return entry.Result, true, nil
	}

	limit := config.EffectiveLimit()
	sections := make(map[string]domain.DomainResult, len(config.Domains))
	for index, domainName := range config.Domains {
		if err := g.checkCancelled(ctx, job.ID); err != nil {
			return domain.ReportResult{}, false, err
		}

		fields := append([]string(nil), config.Fields[domainName]...)
		rows := make([]domain.Row, 0)
		if len(fields) > 0 {
			fetchStarted := g.now()
			fetched, err := g.fetcher.FetchDomainRows(ctx, domain.DomainQuery{
				Domain:  domainName,
				Fields:  fields,
				Filters: domain.ScopeFilters(domainName, config.Filters),
				Sorts:   domain.ScopeSorts(domainName, config.Sorts),
				Limit:   limit,
				UserID:  job.UserID,
			})
			if err != nil {
				return domain.ReportResult{}, false, fmt.Errorf("fetch %s: %w", domainName, err)
			}
			rows = project(fetched, fields, limit)
			g.metrics.DomainFetched(domainName, len(rows), g.now().Sub(fetchStarted))
		}
		sections[domainName] = domain.DomainResult{Domain: domainName, Fields: fields, Rows: rows}

		progress := (index + 1) * 100 / len(config.Domains)
		if _, err := g.queue.UpdateJob(ctx, job.ID, queue.Progress(progress)); err != nil {
			if errors.Is(err, queue.ErrJobTerminal) {
				return domain.ReportResult{}, false, errCancelled
			}
			return domain.ReportResult{}, false, fmt.Errorf("update progress: %w", err)
		}
	}

	result := domain.ReportResult{Domains: sections, GeneratedAt: g.now()}
	if config.IncludeRelationships && g.joiner != nil {
		joined, err := g.joiner.Join(ctx, config, sections)
		if err != nil {
			return domain.ReportResult{}, false, fmt.Errorf("join relationships: %w", err)
		}
		result.Joined = joined
	}
	return result, false, nil
}

func (g *Generator) checkCancelled(ctx context.Context, jobID string) error {
	current, err := g.queue.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if current.IsTerminal() {
		return errCancelled
	}
	return nil
}

func (g *Generator) fail(ctx context.Context, job *domain.ReportJob, cause error, started time.Time) {
	logger := g.logger.With(zap.String("job_id", job.ID), zap.String("user_id", job.UserID))
	if _, err := g.queue.UpdateJob(context.WithoutCancel(ctx), job.ID, queue.Fail(cause.Error())); err != nil &&
		!errors.Is(err, queue.ErrJobTerminal) {
		logger.Error("record job failure", zap.Error(err))
	}
	g.metrics.JobFinished(string(domain.JobStatusFailed), g.now().Sub(started))
	g.audit.LogReportGeneration(ctx, job.UserID, job.Config, cause, map[string]any{"stage": "process", "job_id": job.ID})
	logger.Warn("report failed", zap.Error(cause))
}

// project drops columns that were not selected and enforces the row cap,
// whatever the fetcher returned.
func project(rows []domain.Row, fields []string, limit int) []domain.Row {
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	projected := make([]domain.Row, 0, len(rows))
	for _, row := range rows {
		values := make(map[string]any, len(fields))
		for _, field := range fields {
			if value, ok := row.Values[field]; ok {
				values[field] = value
			}
		}
		projected = append(projected, domain.Row{ID: row.ID, Values: values})
	}
	return projected
}

func accessDeniedError(denied []string) error {
	return fmt.Errorf("access denied for fields: %s", strings.Join(denied, ", "))
}
