package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentkyc/internal/db"
	"agentkyc/internal/domain"
	"agentkyc/internal/logging"
	"agentkyc/internal/repo"
	"agentkyc/internal/telemetry"
)

const (
	DefaultMaxAttempts  = 3
	DefaultLeaseTimeout = 10 * time.Minute
)

// ErrNotLeased means the job exists but is not processing under the given worker.
var ErrNotLeased = errors.New("job is not leased by this worker")

// Queue is the durable work list. Every state change is a conditional update on the job's
// status, so concurrent workers never both win the same job.
type Queue struct {
	Repo        repo.Repo
	Now         func() time.Time
	MaxAttempts int
	Log         *zap.Logger
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue stores a queued job. A nil scheduledFor means eligible immediately.
func (q Queue) Enqueue(ctx context.Context, jobType string, payload map[string]any, scheduledFor *time.Time) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("job type is required")
	}
	now := q.now()
	at := now
	if scheduledFor != nil {
		at = *scheduledFor
	}
	maxAttempts := q.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if payload == nil {
		payload = map[string]any{}
	}
	job := domain.Job{
		ID:           uuid.NewString(),
		CreatedAt:    db.FormatTime(now),
		Type:         jobType,
		Payload:      payload,
		Status:       domain.JobQueued,
		ScheduledFor: db.FormatTime(at),
		MaxAttempts:  maxAttempts,
	}
	if err := q.Repo.InsertJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", jobType, err)
	}
	telemetry.JobsEnqueued.WithLabelValues(jobType).Inc()
	return job.ID, nil
}

// LeaseNext claims the oldest due job for workerID. It returns nil when nothing is due or
// another worker won the race for the candidate.
func (q Queue) LeaseNext(ctx context.Context, workerID string) (*domain.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	now := db.FormatTime(q.now())
	job, err := q.Repo.NextDueJob(ctx, now)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ok, err := q.Repo.LockJob(ctx, job.ID, workerID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		logging.OrNop(q.Log).Debug("job lease lost", zap.String("job_id", job.ID), zap.String("worker_id", workerID))
		return nil, nil
	}
	job.Status = domain.JobProcessing
	job.LockedBy = &workerID
	job.LockedAt = &now
	job.Attempts++
	telemetry.JobsLeased.Inc()
	return &job, nil
}

// Complete finishes a processing job. An empty workerID skips the ownership check.
func (q Queue) Complete(ctx context.Context, jobID, workerID string, succeeded bool, errText string) error {
	status := domain.JobCompleted
	result := "completed"
	if !succeeded {
		status = domain.JobFailed
		result = "failed"
		if errText == "" {
			errText = "unknown error"
		}
	} else {
		errText = ""
	}
	ok, err := q.Repo.FinishJob(ctx, jobID, workerID, status, errText, db.FormatTime(q.now()))
	if err != nil {
		return err
	}
	if !ok {
		if _, err := q.Repo.GetJob(ctx, jobID); err != nil {
			return err
		}
		return ErrNotLeased
	}
	telemetry.JobsFinished.WithLabelValues(result).Inc()
	return nil
}

// RequeueStale releases processing jobs locked for longer than olderThan. Jobs with attempts
// left go back to queued; the rest fail with "lease expired".
func (q Queue) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = DefaultLeaseTimeout
	}
	now := q.now()
	stale, err := q.Repo.ListStaleJobs(ctx, db.FormatTime(now.Add(-olderThan)))
	if err != nil {
		return 0, err
	}
	released := 0
	for _, j := range stale {
		status, lastErr := domain.JobQueued, "lease expired; requeued"
		if j.Attempts >= j.MaxAttempts {
			status, lastErr = domain.JobFailed, "lease expired"
		}
		ok, err := q.Repo.ReleaseStaleJob(ctx, j, status, lastErr, db.FormatTime(now))
		if err != nil {
			return released, err
		}
		if !ok {
			continue
		}
		released++
		if status == domain.JobQueued {
			telemetry.JobsRequeued.Inc()
		} else {
			telemetry.JobsFinished.WithLabelValues("failed").Inc()
		}
		logging.OrNop(q.Log).Warn("stale job released",
			zap.String("job_id", j.ID),
			zap.String("job_type", j.Type),
			zap.String("status", string(status)),
			zap.Int("attempts", j.Attempts),
		)
	}
	return released, nil
}

func (q Queue) Get(ctx context.Context, id string) (domain.Job, error) {
	return q.Repo.GetJob(ctx, id)
}

func (q Queue) List(ctx context.Context, f repo.JobFilters) ([]domain.Job, error) {
	return q.Repo.ListJobs(ctx, f)
}
