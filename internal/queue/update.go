package queue

import (
	"fmt"
	"time"

	"github.com/tigearis/Payroll-ByteMy-sub012/internal/domain"
)

// Update is a partial job update. Nil fields are left unchanged.
type Update struct {
	Status   *domain.JobStatus
	Progress *int
	Result   *domain.ReportResult
	Error    *string
}

func Progress(value int) Update {
	return Update{Progress: &value}
}

func Complete(result domain.ReportResult) Update {
	status := domain.JobStatusCompleted
	return Update{Status: &status, Result: &result}
}

func Fail(message string) Update {
	status := domain.JobStatusFailed
	return Update{Status: &status, Error: &message}
}

var transitions = map[domain.JobStatus][]domain.JobStatus{
	domain.JobStatusQueued:     {domain.JobStatusProcessing, domain.JobStatusFailed},
	domain.JobStatusProcessing: {domain.JobStatusCompleted, domain.JobStatusFailed},
}

func canTransition(from, to domain.JobStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (u Update) apply(job *domain.ReportJob, now time.Time) error {
	if u.Status != nil && !canTransition(job.Status, *u.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, *u.Status)
	}

	if u.Progress != nil {
		progress := clamp(*u.Progress, 0, 100)
		if progress > job.Progress {
			job.Progress = progress
		}
	}
	if u.Result != nil {
		result := *u.Result
		job.Result = &result
	}
	if u.Error != nil {
		job.Error = *u.Error
	}
	if u.Status != nil {
		job.Status = *u.Status
	}

	switch job.Status {
	case domain.JobStatusCompleted:
		job.Progress = 100
		job.CompletedAt = &now
	case domain.JobStatusFailed:
		if job.Error == "" {
			job.Error = "job failed"
		}
		job.CompletedAt = &now
	}
	job.UpdatedAt = now
	return nil
}

func clamp(value, low, high int) int {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
