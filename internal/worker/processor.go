package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"agentkyc/internal/domain"
	"agentkyc/internal/logging"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultLeaseTimeout = 10 * time.Minute
)

// Source is the job queue as seen by a worker.
type Source interface {
	LeaseNext(ctx context.Context, workerID string) (*domain.Job, error)
	Complete(ctx context.Context, jobID, workerID string, succeeded bool, errText string) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// Handler executes a job for a given type.
type Handler func(ctx context.Context, job domain.Job) error

// Processor drives the worker execution loop.
type Processor struct {
	source       Source
	handlers     map[string]Handler
	workerID     string
	pollInterval time.Duration
	leaseTimeout time.Duration
	log          *zap.Logger
}

type Options struct {
	WorkerID     string
	PollInterval time.Duration
	LeaseTimeout time.Duration
	Log          *zap.Logger
}

func NewProcessor(src Source, opts Options) *Processor {
	if opts.WorkerID == "" {
		opts.WorkerID = DefaultWorkerID()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = DefaultLeaseTimeout
	}
	return &Processor{
		source:       src,
		handlers:     make(map[string]Handler),
		workerID:     opts.WorkerID,
		pollInterval: opts.PollInterval,
		leaseTimeout: opts.LeaseTimeout,
		log:          logging.OrNop(opts.Log).With(zap.String("worker_id", opts.WorkerID)),
	}
}

// DefaultWorkerID is host-pid, unique enough across a fleet.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func (p *Processor) WorkerID() string { return p.workerID }

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run polls until ctx is cancelled. Stale leases are released once per idle poll.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker started", zap.Duration("poll_interval", p.pollInterval))
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		worked, err := p.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Error("worker iteration failed", zap.Error(err))
		}
		if worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			continue
		}
		if n, err := p.source.RequeueStale(ctx, p.leaseTimeout); err != nil {
			p.log.Warn("requeue stale jobs", zap.Error(err))
		} else if n > 0 {
			p.log.Info("released stale jobs", zap.Int("count", n))
		}
		select {
		case <-ctx.Done():
			p.log.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce leases and executes at most one job. worked reports whether a job was leased.
func (p *Processor) RunOnce(ctx context.Context) (worked bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	job, err := p.source.LeaseNext(ctx, p.workerID)
	if err != nil {
		return false, fmt.Errorf("lease: %w", err)
	}
	if job == nil {
		return false, nil
	}
	log := p.log.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type), zap.Int("attempt", job.Attempts))
	start := time.Now()
	runErr := p.runJob(ctx, *job)
	errText := ""
	if runErr != nil {
		errText = runErr.Error()
		log.Warn("job failed", zap.Error(runErr), zap.Duration("took", time.Since(start)))
	} else {
		log.Info("job completed", zap.Duration("took", time.Since(start)))
	}
	// the outcome is recorded even when ctx was cancelled mid-job
	if err := p.source.Complete(context.WithoutCancel(ctx), job.ID, p.workerID, runErr == nil, errText); err != nil {
		return true, fmt.Errorf("complete %s: %w", job.ID, err)
	}
	return true, nil
}

func (p *Processor) runJob(ctx context.Context, job domain.Job) (err error) {
	handler, ok := p.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler registered for type %q", job.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
