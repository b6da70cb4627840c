package repo

import (
	"context"
	"database/sql"

	"agentkyc/internal/domain"
)

const jobColumns = `id,created_at,job_type,payload_json,status,scheduled_for,locked_by,locked_at,attempts,max_attempts,last_error,completed_at`

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		j                                   domain.Job
		payload, status                     string
		lockedBy, lockedAt, lastErr, doneAt sql.NullString
	)
	err := row.Scan(&j.ID, &j.CreatedAt, &j.Type, &payload, &status, &j.ScheduledFor, &lockedBy, &lockedAt,
		&j.Attempts, &j.MaxAttempts, &lastErr, &doneAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Payload = unmarshalObject(payload)
	j.Status = domain.JobStatus(status)
	j.LockedBy = stringPtr(lockedBy)
	j.LockedAt = stringPtr(lockedAt)
	j.LastError = stringPtr(lastErr)
	j.CompletedAt = stringPtr(doneAt)
	return j, nil
}

func (r Repo) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func (r Repo) InsertJob(ctx context.Context, j domain.Job) error {
	payload, err := marshalObject(j.Payload)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO agent_jobs(id,created_at,job_type,payload_json,status,scheduled_for,attempts,max_attempts)
VALUES (?,?,?,?,?,?,?,?)`),
		j.ID, j.CreatedAt, j.Type, payload, string(j.Status), j.ScheduledFor, j.Attempts, j.MaxAttempts)
	return err
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, r.q(`SELECT `+jobColumns+` FROM agent_jobs WHERE id=?`), id))
}

// NextDueJob returns the oldest queued job scheduled at or before now.
func (r Repo) NextDueJob(ctx context.Context, now string) (domain.Job, error) {
	return scanJob(r.DB.QueryRowContext(ctx, r.q(`SELECT `+jobColumns+` FROM agent_jobs
WHERE status=? AND scheduled_for <= ? ORDER BY scheduled_for ASC, created_at ASC, id ASC LIMIT 1`),
		string(domain.JobQueued), now))
}

// LockJob moves a queued job to processing for workerID. False means another worker won.
func (r Repo) LockJob(ctx context.Context, id, workerID, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE agent_jobs SET status=?, locked_by=?, locked_at=?, attempts=attempts+1
WHERE id=? AND status=?`), string(domain.JobProcessing), workerID, now, id, string(domain.JobQueued))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// FinishJob sets a terminal status on a processing job. An empty workerID skips the owner check.
func (r Repo) FinishJob(ctx context.Context, id, workerID string, status domain.JobStatus, lastError, now string) (bool, error) {
	query := `UPDATE agent_jobs SET status=?, locked_by=NULL, completed_at=?, last_error=? WHERE id=? AND status=?`
	args := []any{string(status), now, nullable(lastError), id, string(domain.JobProcessing)}
	if workerID != "" {
		query += ` AND locked_by=?`
		args = append(args, workerID)
	}
	res, err := r.DB.ExecContext(ctx, r.q(query), args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ListStaleJobs returns processing jobs locked before cutoff.
func (r Repo) ListStaleJobs(ctx context.Context, cutoff string) ([]domain.Job, error) {
	return r.queryJobs(ctx, `SELECT `+jobColumns+` FROM agent_jobs WHERE status=? AND locked_at IS NOT NULL AND locked_at < ?
ORDER BY locked_at ASC`, string(domain.JobProcessing), cutoff)
}

// ReleaseStaleJob resets a stale processing job to status, guarded on the lock it was read with.
func (r Repo) ReleaseStaleJob(ctx context.Context, j domain.Job, status domain.JobStatus, lastError, now string) (bool, error) {
	if j.LockedAt == nil {
		return false, nil
	}
	var completedAt any
	if status != domain.JobQueued {
		completedAt = now
	}
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE agent_jobs SET status=?, locked_by=NULL, locked_at=NULL, last_error=?, completed_at=?
WHERE id=? AND status=? AND locked_at=?`),
		string(status), nullable(lastError), completedAt, j.ID, string(domain.JobProcessing), *j.LockedAt)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

type JobFilters struct {
	Status string
	Type   string
	Limit  int
}

// ListJobs returns newest first.
func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM agent_jobs WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += ` AND job_type=?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 50, 500))
	return r.queryJobs(ctx, query, args...)
}

func (r Repo) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM agent_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var c int
		if err := rows.Scan(&status, &c); err != nil {
			return nil, err
		}
		res[status] = c
	}
	return res, rows.Err()
}
