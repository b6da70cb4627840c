package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"agentkyc/internal/audit"
	"agentkyc/internal/config"
	"agentkyc/internal/db"
	"agentkyc/internal/domain"
	"agentkyc/internal/handle"
	"agentkyc/internal/jobs"
	"agentkyc/internal/logging"
	"agentkyc/internal/mail"
	"agentkyc/internal/repo"
	"agentkyc/internal/telemetry"
)

// Engine is the verification lifecycle. It holds no locks; every write is a conditional
// update keyed on the status the caller read.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Writer
	Handles handle.Allocator
	Jobs    jobs.Queue
	Mailer  mail.Sender
	Config  *config.Config
	Log     *zap.Logger
	Now     func() time.Time
}

func New(conn *sql.DB, driver string, cfg *config.Config, mailer mail.Sender, log *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if mailer == nil {
		mailer = mail.Disabled{}
	}
	r := repo.Repo{DB: conn, Driver: driver}
	log = logging.OrNop(log)
	return Engine{
		DB:      conn,
		Repo:    r,
		Audit:   audit.Writer{Store: r, Log: log},
		Handles: handle.Allocator{Lookup: r, NotFound: repo.ErrNotFound, MaxCandidates: handle.DefaultCandidates},
		Jobs:    jobs.Queue{Repo: r, MaxAttempts: cfg.Automation.JobMaxAttempts, Log: log},
		Mailer:  mailer,
		Config:  cfg,
		Log:     log,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Log)
}

// audit returns the writer on the engine clock.
func (e Engine) audit() audit.Writer {
	w := e.Audit
	if w.Store == nil {
		w.Store = e.Repo
	}
	if w.Log == nil {
		w.Log = e.Log
	}
	w.Now = e.now
	return w
}

// Queue returns the job queue on the engine clock.
func (e Engine) Queue() jobs.Queue {
	q := e.Jobs
	if q.Repo.DB == nil {
		q.Repo = e.Repo
	}
	if q.Log == nil {
		q.Log = e.Log
	}
	q.Now = e.now
	return q
}

func (e Engine) handles() handle.Allocator {
	a := e.Handles
	if a.Lookup == nil {
		a.Lookup = e.Repo
		a.NotFound = repo.ErrNotFound
	}
	return a
}

// send delivers msg, counting the outcome. A failure is a DependencyError.
func (e Engine) send(ctx context.Context, msg mail.Message) error {
	if !mail.Configured(e.Mailer) {
		telemetry.EmailsSent.WithLabelValues("unconfigured").Inc()
		return DependencyError{Op: "send email", Err: mail.ErrNotConfigured}
	}
	if err := e.Mailer.Send(ctx, msg); err != nil {
		telemetry.EmailsSent.WithLabelValues("failed").Inc()
		e.log().Warn("email send failed", zap.String("subject", msg.Subject), zap.Error(err))
		return DependencyError{Op: "send email", Err: err}
	}
	telemetry.EmailsSent.WithLabelValues("sent").Inc()
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Stats is the per-status application count.
type Stats struct {
	Counts map[string]int `json:"stats"`
	Total  int            `json:"total"`
}

func (e Engine) Stats(ctx context.Context) (Stats, error) {
	counts, err := e.Repo.CountApplicationsByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	total := 0
	for _, s := range domain.Statuses {
		if _, ok := counts[string(s)]; !ok {
			counts[string(s)] = 0
		}
	}
	for _, c := range counts {
		total += c
	}
	return Stats{Counts: counts, Total: total}, nil
}

// Health statuses.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthMetrics are the counts gathered while probing the database.
type HealthMetrics struct {
	VerifiedAgents int            `json:"verified_agents"`
	Jobs           map[string]int `json:"jobs,omitempty"`
}

// HealthServices reports each dependency as up or down.
type HealthServices struct {
	Database string `json:"database" enum:"up,down"`
	API      string `json:"api" enum:"up,down"`
}

// Health is the liveness report served on /health.
type Health struct {
	Status    string         `json:"status" enum:"healthy,degraded,unhealthy"`
	Timestamp string         `json:"timestamp" format:"date-time"`
	LatencyMS int64          `json:"latency_ms"`
	Metrics   HealthMetrics  `json:"metrics"`
	Services  HealthServices `json:"services"`
	Error     string         `json:"error,omitempty"`
}

// Healthy reports whether the database answered.
func (h Health) Healthy() bool { return h.Services.Database == "up" }

// Health counts verified agents and queued work. A failed verified count marks the database
// down; a failed job count only degrades the report.
func (e Engine) Health(ctx context.Context) Health {
	start := time.Now()
	h := Health{
		Status:    HealthHealthy,
		Timestamp: db.FormatTime(e.now()),
		Services:  HealthServices{Database: "up", API: "up"},
	}
	verified, err := e.Repo.CountVerified(ctx)
	if err != nil {
		e.log().Error("health check: count verified", zap.Error(err))
		h.Status, h.Services.Database, h.Error = HealthUnhealthy, "down", "database query failed"
		h.LatencyMS = time.Since(start).Milliseconds()
		return h
	}
	h.Metrics.VerifiedAgents = verified
	jobs, err := e.Repo.CountJobsByStatus(ctx)
	if err != nil {
		e.log().Warn("health check: count jobs", zap.Error(err))
		h.Status = HealthDegraded
	} else {
		for _, s := range []domain.JobStatus{domain.JobQueued, domain.JobProcessing, domain.JobCompleted, domain.JobFailed} {
			if _, ok := jobs[string(s)]; !ok {
				jobs[string(s)] = 0
			}
		}
		h.Metrics.Jobs = jobs
	}
	h.LatencyMS = time.Since(start).Milliseconds()
	return h
}
