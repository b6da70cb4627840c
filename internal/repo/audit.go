package repo

import (
	"context"
	"database/sql"

	"agentkyc/internal/domain"
)

func (r Repo) InsertAuditEntry(ctx context.Context, e domain.AuditEntry) error {
	meta, err := marshalObject(e.Metadata)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO audit_logs(id,created_at,application_id,actor,action,before_state,after_state,reason,metadata_json)
VALUES (?,?,?,?,?,?,?,?,?)`),
		e.ID, e.CreatedAt, nullableStringPtr(e.ApplicationID), e.Actor, e.Action,
		nullableStringPtr(e.BeforeState), nullableStringPtr(e.AfterState), nullableStringPtr(e.Reason), meta)
	return err
}

type AuditFilters struct {
	ApplicationID string
	Limit         int
}

// ListAuditEntries returns newest first; Limit defaults to 100.
func (r Repo) ListAuditEntries(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	query := `SELECT id,created_at,application_id,actor,action,before_state,after_state,reason,metadata_json FROM audit_logs`
	var args []any
	if f.ApplicationID != "" {
		query += ` WHERE application_id=?`
		args = append(args, f.ApplicationID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(f.Limit, 100, 1000))
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var (
			e                            domain.AuditEntry
			appID, before, after, reason sql.NullString
			meta                         string
		)
		if err := rows.Scan(&e.ID, &e.CreatedAt, &appID, &e.Actor, &e.Action, &before, &after, &reason, &meta); err != nil {
			return nil, err
		}
		e.ApplicationID = stringPtr(appID)
		e.BeforeState = stringPtr(before)
		e.AfterState = stringPtr(after)
		e.Reason = stringPtr(reason)
		e.Metadata = unmarshalObject(meta)
		res = append(res, e)
	}
	return res, rows.Err()
}

// AuditCountFilter selects entries for aggregate checks such as the daily approval cap.
type AuditCountFilter struct {
	Actor      string
	Action     string
	AfterState string
	Since      string
}

func (r Repo) CountAuditEntries(ctx context.Context, f AuditCountFilter) (int, error) {
	query := `SELECT COUNT(*) FROM audit_logs WHERE 1=1`
	var args []any
	if f.Actor != "" {
		query += ` AND actor=?`
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		query += ` AND action=?`
		args = append(args, f.Action)
	}
	if f.AfterState != "" {
		query += ` AND after_state=?`
		args = append(args, f.AfterState)
	}
	if f.Since != "" {
		query += ` AND created_at >= ?`
		args = append(args, f.Since)
	}
	var c int
	err := r.DB.QueryRowContext(ctx, r.q(query), args...).Scan(&c)
	return c, err
}
