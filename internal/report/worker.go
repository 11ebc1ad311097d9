package report

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/metrics"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/queue"
)

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxBackoff   time.Duration
}

// Worker runs Concurrency independent dequeue loops. Loops share nothing
// but the queue and cache backends.
type Worker struct {
	generator *Generator
	queue     *queue.JobQueue
	metrics   *metrics.Collector
	logger    *zap.Logger
	config    WorkerConfig
}

func NewWorker(generator *Generator, config WorkerConfig) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.MaxBackoff < config.PollInterval {
		config.MaxBackoff = 10 * config.PollInterval
	}
	return &Worker{
		generator: generator,
		queue:     generator.queue,
		metrics:   generator.metrics,
		logger:    generator.logger.With(zap.String("component", "worker")),
		config:    config,
	}
}

// Run blocks until ctx is cancelled and every loop has returned.
func (w *Worker) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for index := 0; index < w.config.Concurrency; index++ {
		loopID := index
		group.Go(func() error {
			w.loop(groupCtx, loopID)
			return nil
		})
	}
	return group.Wait()
}

// ProcessNext claims and processes at most one job. It reports whether a
// job was claimed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, ok, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return false, nil
	}
	if err := w.generator.Process(ctx, job); err != nil {
		w.logger.Debug("job ended with error", zap.String("job_id", job.ID), zap.Error(err))
	}
	return true, nil
}

func (w *Worker) loop(ctx context.Context, loopID int) {
	logger := w.logger.With(zap.Int("loop", loopID))
	logger.Info("worker loop started")
	defer logger.Info("worker loop stopped")

	backoff := w.config.PollInterval
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := w.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn("worker iteration failed", zap.Error(err))
		}
		if processed {
			backoff = w.config.PollInterval
			continue
		}

		if depth, err := w.queue.Depth(ctx); err == nil {
			w.metrics.QueueDepth(depth)
		}
		if !sleep(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > w.config.MaxBackoff {
			backoff = w.config.MaxBackoff
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
