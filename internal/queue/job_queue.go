// Package queue persists report jobs and hands queued ids to workers in
// submission order.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/fingerprint"
	"github.com/tigearis/Payroll-ByteMy-sub012/internal/kv"
)

const (
	JobKeyPrefix = "report_job:"
	QueueKey     = "report_queue"

	DefaultProcessingTimeout = 30 * time.Minute

	maxIDSequence = 64

	CancelledError = "cancelled by user"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrJobTerminal       = errors.New("job already finished")
	ErrInvalidTransition = errors.New("invalid job status transition")

	errSkip = errors.New("skip job")
)

type Config struct {
	ProcessingTimeout time.Duration
	Now               func() time.Time
	Logger            *zap.Logger
}

type JobQueue struct {
	store   kv.Store
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewJobQueue(store kv.Store, config Config) *JobQueue {
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = DefaultProcessingTimeout
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &JobQueue{
		store:   store,
		timeout: config.ProcessingTimeout,
		now:     config.Now,
		logger:  config.Logger.With(zap.String("component", "queue")),
	}
}

// NewJob builds a queued job without persisting it.
func (q *JobQueue) NewJob(config domain.ReportConfig, userID string) domain.ReportJob {
	now := q.now()
	fp := fingerprint.Fingerprint(config)
	return domain.ReportJob{
		ID:          fingerprint.JobID(userID, fp, now, 0),
		UserID:      userID,
		Config:      config,
		Fingerprint: fp,
		Status:      domain.JobStatusQueued,
		StartedAt:   now,
		UpdatedAt:   now,
	}
}

// Enqueue writes the job record and only then pushes its id, so a worker
// never pops an id without a record behind it.
func (q *JobQueue) Enqueue(ctx context.Context, config domain.ReportConfig, userID string) (*domain.ReportJob, error) {
	job := q.NewJob(config, userID)
	if err := q.Record(ctx, &job); err != nil {
		return nil, err
	}

	if err := q.store.Push(ctx, QueueKey, job.ID); err != nil {
		message := fmt.Sprintf("enqueue failed: %v", err)
		if _, updateErr := q.UpdateJob(ctx, job.ID, Fail(message)); updateErr != nil {
			q.logger.Error("mark unqueued job failed",
				zap.String("job_id", job.ID),
				zap.Error(updateErr),
			)
		}
		return nil, fmt.Errorf("push job id: %w", err)
	}
	return &job, nil
}

// Record stores a new job without queueing it. It is used for jobs resolved
// at submission time. An existing record is never overwritten: when the id is
// taken, job.ID moves to the next id derived for the same user, config and
// instant.
func (q *JobQueue) Record(ctx context.Context, job *domain.ReportJob) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	for sequence := 1; ; sequence++ {
		raw, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job: %w", err)
		}
		written, err := q.store.SetNX(ctx, JobKeyPrefix+job.ID, raw, 0)
		if err != nil {
			return fmt.Errorf("write job: %w", err)
		}
		if written {
			return nil
		}
		if sequence > maxIDSequence {
			return fmt.Errorf("write job: no free id after %d attempts", maxIDSequence)
		}
		job.ID = fingerprint.JobID(job.UserID, job.Fingerprint, job.StartedAt, sequence)
	}
}

// Get returns a job. A queued or processing job older than the processing
// timeout is failed first, so a job whose worker died still finishes.
func (q *JobQueue) Get(ctx context.Context, jobID string) (*domain.ReportJob, error) {
	job, err := q.read(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return q.expireStale(ctx, job)
}

func (q *JobQueue) read(ctx context.Context, jobID string) (*domain.ReportJob, error) {
	raw, err := q.store.Get(ctx, JobKeyPrefix+jobID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job: %w", err)
	}
	return decodeJob(raw)
}

func (q *JobQueue) stale(job *domain.ReportJob, now time.Time) bool {
	return !job.IsTerminal() && now.Sub(job.StartedAt) > q.timeout
}

func (q *JobQueue) timeoutMessage() string {
	return fmt.Sprintf("job timed out after %s", q.timeout)
}

func (q *JobQueue) expireStale(ctx context.Context, job *domain.ReportJob) (*domain.ReportJob, error) {
	if !q.stale(job, q.now()) {
		return job, nil
	}
	failed, err := q.UpdateJob(ctx, job.ID, Fail(q.timeoutMessage()))
	switch {
	case errors.Is(err, ErrJobTerminal):
		return q.read(ctx, job.ID)
	case err != nil:
		return nil, fmt.Errorf("expire job %s: %w", job.ID, err)
	}
	q.logger.Warn("job timed out",
		zap.String("job_id", job.ID),
		zap.String("last_status", string(job.Status)),
	)
	return failed, nil
}

// Dequeue claims the oldest queued job for a worker. Ids whose record is
// missing or already terminal are discarded. A job past the processing
// timeout is failed and nothing is returned for that call.
func (q *JobQueue) Dequeue(ctx context.Context) (*domain.ReportJob, bool, error) {
	for {
		jobID, err := q.store.Pop(ctx, QueueKey)
		if errors.Is(err, kv.ErrNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("pop job id: %w", err)
		}

		var (
			claimed  domain.ReportJob
			timedOut bool
		)
		err = q.store.Update(ctx, JobKeyPrefix+jobID, func(raw []byte) ([]byte, error) {
			job, err := decodeJob(raw)
			if err != nil {
				return nil, err
			}
			if job.Status != domain.JobStatusQueued {
				return nil, errSkip
			}

			now := q.now()
			job.UpdatedAt = now
			if q.stale(job, now) {
				timedOut = true
				job.Status = domain.JobStatusFailed
				job.Error = q.timeoutMessage()
				job.CompletedAt = &now
			} else {
				job.Status = domain.JobStatusProcessing
			}
			claimed = *job
			return json.Marshal(job)
		})

		switch {
		case errors.Is(err, kv.ErrNotFound), errors.Is(err, errSkip):
			continue
		case err != nil:
			return nil, false, fmt.Errorf("claim job %s: %w", jobID, err)
		case timedOut:
			q.logger.Warn("job timed out before processing", zap.String("job_id", jobID))
			return nil, false, nil
		default:
			return &claimed, true, nil
		}
	}
}

// UpdateJob merges update into the stored job. Terminal jobs are never
// modified: the call returns ErrJobTerminal.
func (q *JobQueue) UpdateJob(ctx context.Context, jobID string, update Update) (*domain.ReportJob, error) {
	var updated domain.ReportJob
	err := q.store.Update(ctx, JobKeyPrefix+jobID, func(raw []byte) ([]byte, error) {
		job, err := decodeJob(raw)
		if err != nil {
			return nil, err
		}
		if job.IsTerminal() {
			return nil, ErrJobTerminal
		}
		if err := update.apply(job, q.now()); err != nil {
			return nil, err
		}
		updated = *job
		return json.Marshal(job)
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Cancel fails a queued or processing job. It reports false when the job
// had already finished.
func (q *JobQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	_, err := q.UpdateJob(ctx, jobID, Fail(CancelledError))
	if errors.Is(err, ErrJobTerminal) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (q *JobQueue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.store.Len(ctx, QueueKey)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// ListJobs returns a user's jobs, newest first.
func (q *JobQueue) ListJobs(ctx context.Context, userID string) ([]domain.ReportJob, error) {
	jobs := make([]domain.ReportJob, 0)
	err := q.scan(ctx, func(key string, job *domain.ReportJob) error {
		if job.UserID != userID {
			return nil
		}
		current, err := q.expireStale(ctx, job)
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		jobs = append(jobs, *current)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs, nil
}

// CleanupOldJobs fails jobs past the processing timeout and deletes terminal
// jobs that completed more than maxAge ago.
func (q *JobQueue) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := q.now().Add(-maxAge)
	expired := make([]string, 0)
	err := q.scan(ctx, func(key string, job *domain.ReportJob) error {
		current, err := q.expireStale(ctx, job)
		if errors.Is(err, ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if current.IsTerminal() && current.CompletedAt != nil && current.CompletedAt.Before(cutoff) {
			expired = append(expired, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := q.store.Delete(ctx, expired...); err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	return len(expired), nil
}

func (q *JobQueue) scan(ctx context.Context, visit func(key string, job *domain.ReportJob) error) error {
	keys, err := q.store.Keys(ctx, JobKeyPrefix)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	for _, key := range keys {
		raw, err := q.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read job: %w", err)
		}
		job, err := decodeJob(raw)
		if err != nil {
			q.logger.Warn("skipping unreadable job record", zap.String("key", key), zap.Error(err))
			continue
		}
		if err := visit(key, job); err != nil {
			return err
		}
	}
	return nil
}

func decodeJob(raw []byte) (*domain.ReportJob, error) {
	var job domain.ReportJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
