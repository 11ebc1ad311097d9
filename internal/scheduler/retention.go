// Package scheduler runs periodic maintenance for the report pipeline.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/metrics"
)

const (
	DefaultSchedule   = "@every 1h"
	DefaultRunTimeout = 5 * time.Minute
)

// Cleaner deletes terminal jobs older than maxAge.
type Cleaner interface {
	CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error)
}

// Purger drops expired rows from backends without native expiry.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type RetentionConfig struct {
	Schedule string
	// MaxAge of zero disables job cleanup.
	MaxAge     time.Duration
	RunTimeout time.Duration
	Purger     Purger
	Metrics    *metrics.Collector
	Logger     *zap.Logger
}

type Retention struct {
	cleaner Cleaner
	config  RetentionConfig
	cron    *cron.Cron
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
}

func NewRetention(cleaner Cleaner, config RetentionConfig) (*Retention, error) {
	if cleaner == nil {
		return nil, errors.New("retention requires a job cleaner")
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultRunTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	logger := config.Logger.With(zap.String("component", "retention"))

	if _, err := cron.ParseStandard(config.Schedule); err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", config.Schedule, err)
	}

	cronLogger := cronLog{logger: logger.Sugar()}
	r := &Retention{
		cleaner: cleaner,
		config:  config,
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger: logger,
	}
	return r, nil
}

// Enabled reports whether Start will schedule anything.
func (r *Retention) Enabled() bool {
	return r.config.MaxAge > 0 || r.config.Purger != nil
}

// Start registers the sweep and starts the cron runner. Runs stop when ctx
// is cancelled or Stop is called.
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if !r.Enabled() {
		r.logger.Info("retention disabled")
		return nil
	}

	if _, err := r.cron.AddFunc(r.config.Schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.Error("retention sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	r.cron.Start()
	r.started = true
	r.logger.Info("retention scheduled",
		zap.String("schedule", r.config.Schedule),
		zap.Duration("max_age", r.config.MaxAge),
	)
	return nil
}

// Stop waits for a running sweep to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	<-r.cron.Stop().Done()
	r.started = false
}

// RunOnce performs one sweep and returns the number of jobs removed.
func (r *Retention) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.config.RunTimeout)
	defer cancel()

	var errs []error
	removed := 0
	if r.config.MaxAge > 0 {
		count, err := r.cleaner.CleanupOldJobs(ctx, r.config.MaxAge)
		if err != nil {
			errs = append(errs, fmt.Errorf("cleanup jobs: %w", err))
		} else {
			removed = count
			r.config.Metrics.JobsPurged(count)
		}
	}

	var purged int64
	if r.config.Purger != nil {
		count, err := r.config.Purger.PurgeExpired(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge expired keys: %w", err))
		}
		purged = count
	}

	r.logger.Info("retention sweep finished",
		zap.Int("jobs_removed", removed),
		zap.Int64("keys_purged", purged),
	)
	return removed, errors.Join(errs...)
}

// cronLog routes cron's own messages through zap.
type cronLog struct {
	logger *zap.SugaredLogger
}

func (l cronLog) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
