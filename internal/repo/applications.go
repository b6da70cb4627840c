package repo

import (
	"context"
	"database/sql"
	"fmt"

	"agentkyc/internal/domain"
)

const applicationColumns = `id,created_at,updated_at,status,owner_email,owner_name,email_verified,email_token,email_token_expires,
identity_link,identity_type,identity_verified,agent_name,agent_description,agent_skills,agent_url,agent_platform,handle,
test_task_sent_at,test_task_completed,test_task_result,test_task_notes,reviewer_notes,approved_at,approved_by,
rejection_reason,badge_token,requires_human_override,auto_review_score,last_action_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (domain.Application, error) {
	var (
		a                                                      domain.Application
		status, skills                                         string
		emailToken, emailTokenExpires, agentURL, handle        sql.NullString
		testSentAt, testResult, testNotes, reviewerNotes       sql.NullString
		approvedAt, approvedBy, rejection, badge, lastActionAt sql.NullString
		score                                                  sql.NullFloat64
	)
	err := row.Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt, &status, &a.OwnerEmail, &a.OwnerName, &a.EmailVerified,
		&emailToken, &emailTokenExpires, &a.IdentityLink, &a.IdentityType, &a.IdentityVerified, &a.AgentName,
		&a.AgentDescription, &skills, &agentURL, &a.AgentPlatform, &handle, &testSentAt, &a.TestTaskCompleted,
		&testResult, &testNotes, &reviewerNotes, &approvedAt, &approvedBy, &rejection, &badge,
		&a.RequiresHumanOverride, &score, &lastActionAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Status = domain.Status(status)
	a.AgentSkills = unmarshalStrings(skills)
	a.EmailToken = stringPtr(emailToken)
	a.EmailTokenExpires = stringPtr(emailTokenExpires)
	a.AgentURL = stringPtr(agentURL)
	a.Handle = stringPtr(handle)
	a.TestTaskSentAt = stringPtr(testSentAt)
	a.TestTaskResult = stringPtr(testResult)
	a.TestTaskNotes = stringPtr(testNotes)
	a.ReviewerNotes = stringPtr(reviewerNotes)
	a.ApprovedAt = stringPtr(approvedAt)
	a.ApprovedBy = stringPtr(approvedBy)
	a.RejectionReason = stringPtr(rejection)
	a.BadgeToken = stringPtr(badge)
	a.LastActionAt = stringPtr(lastActionAt)
	if score.Valid {
		v := score.Float64
		a.AutoReviewScore = &v
	}
	return a, nil
}

func (r Repo) queryApplications(ctx context.Context, query string, args ...any) ([]domain.Application, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertApplication(ctx context.Context, a domain.Application) error {
	skills, err := marshalStrings(a.AgentSkills)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, r.q(`INSERT INTO applications(id,created_at,updated_at,status,owner_email,owner_name,email_verified,
email_token,email_token_expires,identity_link,identity_type,identity_verified,agent_name,agent_description,agent_skills,
agent_url,agent_platform,requires_human_override) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		a.ID, a.CreatedAt, a.UpdatedAt, string(a.Status), a.OwnerEmail, a.OwnerName, a.EmailVerified,
		nullableStringPtr(a.EmailToken), nullableStringPtr(a.EmailTokenExpires), a.IdentityLink, a.IdentityType,
		a.IdentityVerified, a.AgentName, a.AgentDescription, skills, nullableStringPtr(a.AgentURL), a.AgentPlatform,
		a.RequiresHumanOverride)
	if isUniqueViolation(err) {
		return fmt.Errorf("insert application: %w", ErrDuplicateKey)
	}
	return err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, r.q(`SELECT `+applicationColumns+` FROM applications WHERE id=?`), id))
}

func (r Repo) GetApplicationByToken(ctx context.Context, token string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, r.q(`SELECT `+applicationColumns+` FROM applications WHERE email_token=?`), token))
}

func (r Repo) GetApplicationByOwnerAndAgent(ctx context.Context, email, agentName string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, r.q(`SELECT `+applicationColumns+` FROM applications WHERE owner_email=? AND agent_name=?`), email, agentName))
}

// ApplicationIDByHandle returns the id owning handle, or ErrNotFound when the handle is free.
func (r Repo) ApplicationIDByHandle(ctx context.Context, handle string) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id FROM applications WHERE handle=? LIMIT 1`), handle).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}

type ApplicationFilters struct {
	Status string
	Limit  int
}

// ListApplications returns newest first.
func (r Repo) ListApplications(ctx context.Context, f ApplicationFilters) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications`
	var args []any
	if f.Status != "" {
		query += ` WHERE status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.queryApplications(ctx, query, args...)
}

func (r Repo) ListApplicationsByEmail(ctx context.Context, email string) ([]domain.Application, error) {
	return r.queryApplications(ctx, `SELECT `+applicationColumns+` FROM applications WHERE owner_email=? ORDER BY created_at ASC`, email)
}

// ListReviewQueue returns unflagged reviewing applications, oldest first.
func (r Repo) ListReviewQueue(ctx context.Context, limit int) ([]domain.Application, error) {
	return r.queryApplications(ctx, `SELECT `+applicationColumns+` FROM applications
WHERE status=? AND requires_human_override=? ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(domain.StatusReviewing), false, limit)
}

// ListStalledTests returns test_sent applications whose task was sent before cutoff.
func (r Repo) ListStalledTests(ctx context.Context, cutoff string) ([]domain.Application, error) {
	return r.queryApplications(ctx, `SELECT `+applicationColumns+` FROM applications
WHERE status=? AND test_task_sent_at IS NOT NULL AND test_task_sent_at < ? ORDER BY test_task_sent_at ASC`,
		string(domain.StatusTestSent), cutoff)
}

type RegistryFilters struct {
	Platform string
	Skill    string
}

// ListRegistry returns verified applications, most recently approved first.
func (r Repo) ListRegistry(ctx context.Context, f RegistryFilters) ([]domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE status=?`
	args := []any{string(domain.StatusVerified)}
	if f.Platform != "" {
		query += ` AND agent_platform=?`
		args = append(args, f.Platform)
	}
	query += ` ORDER BY approved_at DESC, id DESC`
	items, err := r.queryApplications(ctx, query, args...)
	if err != nil || f.Skill == "" {
		return items, err
	}
	// skills are a JSON array column; filter here to stay portable across drivers
	var res []domain.Application
	for _, a := range items {
		for _, s := range a.AgentSkills {
			if s == f.Skill {
				res = append(res, a)
				break
			}
		}
	}
	return res, nil
}

func (r Repo) GetVerifiedByHandle(ctx context.Context, handle string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, r.q(`SELECT `+applicationColumns+` FROM applications WHERE handle=? AND status=?`),
		handle, string(domain.StatusVerified)))
}

func (r Repo) CountApplicationsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM applications GROUP BY status`)
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

func (r Repo) CountVerified(ctx context.Context) (int, error) {
	var c int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM applications WHERE status=?`), string(domain.StatusVerified)).Scan(&c)
	return c, err
}

// ApplicationPatch lists optional column updates. Nil fields are left untouched.
type ApplicationPatch struct {
	OwnerName             *string
	IdentityType          *string
	IdentityLink          *string
	AgentDescription      *string
	AgentSkills           []string
	AgentURL              *string
	AgentPlatform         *string
	EmailVerified         *bool
	EmailToken            *string
	EmailTokenExpires     *string
	ClearEmailToken       bool
	IdentityVerified      *bool
	Handle                *string
	BadgeToken            *string
	TestTaskSentAt        *string
	TestTaskNotes         *string
	TestTaskCompleted     *bool
	AutoReviewScore       *float64
	ApprovedAt            *string
	ApprovedBy            *string
	RejectionReason       *string
	RequiresHumanOverride *bool
}

func (p ApplicationPatch) apply(s *setList) error {
	if p.OwnerName != nil {
		s.add("owner_name", *p.OwnerName)
	}
	if p.IdentityType != nil {
		s.add("identity_type", *p.IdentityType)
	}
	if p.IdentityLink != nil {
		s.add("identity_link", *p.IdentityLink)
	}
	if p.AgentDescription != nil {
		s.add("agent_description", *p.AgentDescription)
	}
	if p.AgentSkills != nil {
		skills, err := marshalStrings(p.AgentSkills)
		if err != nil {
			return err
		}
		s.add("agent_skills", skills)
	}
	if p.AgentURL != nil {
		s.add("agent_url", nullableStringPtr(p.AgentURL))
	}
	if p.AgentPlatform != nil {
		s.add("agent_platform", *p.AgentPlatform)
	}
	if p.EmailVerified != nil {
		s.add("email_verified", *p.EmailVerified)
	}
	switch {
	case p.ClearEmailToken:
		s.add("email_token", nil)
		s.add("email_token_expires", nil)
	case p.EmailToken != nil:
		s.add("email_token", *p.EmailToken)
		s.add("email_token_expires", nullableStringPtr(p.EmailTokenExpires))
	}
	if p.IdentityVerified != nil {
		s.add("identity_verified", *p.IdentityVerified)
	}
	if p.Handle != nil {
		s.add("handle", *p.Handle)
	}
	if p.BadgeToken != nil {
		s.add("badge_token", *p.BadgeToken)
	}
	if p.TestTaskSentAt != nil {
		s.add("test_task_sent_at", *p.TestTaskSentAt)
	}
	if p.TestTaskNotes != nil {
		s.add("test_task_notes", *p.TestTaskNotes)
	}
	if p.TestTaskCompleted != nil {
		s.add("test_task_completed", *p.TestTaskCompleted)
	}
	if p.AutoReviewScore != nil {
		s.add("auto_review_score", *p.AutoReviewScore)
	}
	if p.ApprovedAt != nil {
		s.add("approved_at", *p.ApprovedAt)
	}
	if p.ApprovedBy != nil {
		s.add("approved_by", *p.ApprovedBy)
	}
	if p.RejectionReason != nil {
		s.add("rejection_reason", *p.RejectionReason)
	}
	if p.RequiresHumanOverride != nil {
		s.add("requires_human_override", *p.RequiresHumanOverride)
	}
	return nil
}

// TransitionApplication sets status=to plus the patch, only where the stored status still
// equals from. It reports whether a row matched.
func (r Repo) TransitionApplication(ctx context.Context, id string, from, to domain.Status, now string, patch ApplicationPatch) (bool, error) {
	var s setList
	s.add("status", string(to))
	s.add("updated_at", now)
	s.add("last_action_at", now)
	if err := patch.apply(&s); err != nil {
		return false, err
	}
	args := append(s.args, id, string(from))
	res, err := r.DB.ExecContext(ctx, r.q(fmt.Sprintf(`UPDATE applications SET %s WHERE id=? AND status=?`, s.clause())), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("transition %s: %w", id, ErrDuplicateKey)
		}
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpdateApplication applies a non-status patch guarded by the expected status.
func (r Repo) UpdateApplication(ctx context.Context, id string, expected domain.Status, now string, patch ApplicationPatch) (bool, error) {
	var s setList
	s.add("updated_at", now)
	if err := patch.apply(&s); err != nil {
		return false, err
	}
	args := append(s.args, id, string(expected))
	res, err := r.DB.ExecContext(ctx, r.q(fmt.Sprintf(`UPDATE applications SET %s WHERE id=? AND status=?`, s.clause())), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("update %s: %w", id, ErrDuplicateKey)
		}
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r Repo) SetAutoReviewScore(ctx context.Context, id string, score float64) error {
	_, err := r.DB.ExecContext(ctx, r.q(`UPDATE applications SET auto_review_score=? WHERE id=?`), score, id)
	return err
}

// FlagForHuman marks a reviewing application as requiring a human decision.
func (r Repo) FlagForHuman(ctx context.Context, id, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE applications SET requires_human_override=?, last_action_at=?, updated_at=?
WHERE id=? AND status=?`), true, now, now, id, string(domain.StatusReviewing))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
