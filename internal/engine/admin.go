package engine

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"agentkyc/internal/audit"
	"agentkyc/internal/db"
	"agentkyc/internal/domain"
	"agentkyc/internal/mail"
	"agentkyc/internal/repo"
)

// DefaultTestTask is mailed when the reviewer gives no task text.
const DefaultTestTask = "Please complete the following test task and reply to this email with your result."

// Approve verifies a reviewing or test_sent application, assigning its handle and a fresh
// badge token. An application approved out of test_sent counts as having completed the test.
func (e Engine) Approve(ctx context.Context, id, actor, reason string) (domain.Application, error) {
	app, err := e.Repo.GetApplication(ctx, id)
	if err != nil {
		return domain.Application{}, err
	}
	if app.Status != domain.StatusReviewing && app.Status != domain.StatusTestSent {
		return domain.Application{}, &TransitionError{From: app.Status, To: domain.StatusVerified}
	}
	if actor == "" {
		actor = domain.ActorAdmin
	}
	if strings.TrimSpace(reason) == "" {
		reason = "approved by admin"
	}
	badge, err := randomHex(16)
	if err != nil {
		return domain.Application{}, err
	}
	identity := true
	patch := repo.ApplicationPatch{BadgeToken: &badge, IdentityVerified: &identity}
	if app.Status == domain.StatusTestSent {
		completed := true
		patch.TestTaskCompleted = &completed
	}
	if _, err := e.verify(ctx, app, actor, reason, patch); err != nil {
		return domain.Application{}, err
	}
	return e.Repo.GetApplication(ctx, id)
}

// Reject moves any application that allows it to rejected. reason is required.
func (e Engine) Reject(ctx context.Context, id, actor, reason string) (domain.Application, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Application{}, invalid("reason", "rejection reason required")
	}
	app, err := e.Repo.GetApplication(ctx, id)
	if err != nil {
		return domain.Application{}, err
	}
	if actor == "" {
		actor = domain.ActorAdmin
	}
	err = e.Transition(ctx, TransitionRequest{
		ApplicationID: app.ID,
		From:          app.Status,
		To:            domain.StatusRejected,
		Actor:         actor,
		Reason:        reason,
	})
	if err != nil {
		return domain.Application{}, err
	}
	return e.Repo.GetApplication(ctx, id)
}

// SendTest mails a behavioral test task and moves the application to test_sent. A failed
// send aborts before any write.
func (e Engine) SendTest(ctx context.Context, id, actor, task string) (domain.Application, error) {
	app, err := e.Repo.GetApplication(ctx, id)
	if err != nil {
		return domain.Application{}, err
	}
	if app.Status != domain.StatusReviewing {
		return domain.Application{}, &TransitionError{From: app.Status, To: domain.StatusTestSent}
	}
	if actor == "" {
		actor = domain.ActorAdmin
	}
	task = strings.TrimSpace(task)
	if task == "" {
		task = DefaultTestTask
	}
	msg, err := mail.TestTaskEmail(app.OwnerEmail, app.OwnerName, app.AgentName, task)
	if err != nil {
		return domain.Application{}, err
	}
	if err := e.send(ctx, msg); err != nil {
		return domain.Application{}, err
	}
	sentAt := db.FormatTime(e.now())
	err = e.Transition(ctx, TransitionRequest{
		ApplicationID: app.ID,
		From:          domain.StatusReviewing,
		To:            domain.StatusTestSent,
		Actor:         actor,
		Reason:        "test task sent",
		Patch:         repo.ApplicationPatch{TestTaskSentAt: &sentAt, TestTaskNotes: &task},
	})
	if err != nil {
		return domain.Application{}, err
	}
	return e.Repo.GetApplication(ctx, id)
}

// SendReminder nudges the owner of a test_sent application. It reports false without
// sending when the application has moved on.
func (e Engine) SendReminder(ctx context.Context, id string) (bool, error) {
	app, err := e.Repo.GetApplication(ctx, id)
	if err != nil {
		return false, err
	}
	if app.Status != domain.StatusTestSent {
		e.log().Debug("reminder skipped", zap.String("application_id", id), zap.String("status", string(app.Status)))
		return false, nil
	}
	msg, err := mail.ReminderEmail(app.OwnerEmail, app.OwnerName, app.AgentName)
	if err != nil {
		return false, err
	}
	if err := e.send(ctx, msg); err != nil {
		return false, err
	}
	e.audit().Append(ctx, audit.Entry{
		ApplicationID: app.ID,
		Actor:         domain.ActorSystem,
		Action:        domain.ActionReminderSent,
		Before:        string(app.Status),
		After:         string(app.Status),
		Reason:        "test task reminder sent",
	})
	return true, nil
}

// Registry lists verified applications as public entries.
func (e Engine) Registry(ctx context.Context, f repo.RegistryFilters) ([]domain.RegistryEntry, error) {
	apps, err := e.Repo.ListRegistry(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RegistryEntry, 0, len(apps))
	for _, a := range apps {
		out = append(out, registryEntry(a))
	}
	return out, nil
}

// AgentStatus is the public view of one verified handle.
type AgentStatus struct {
	Verified bool                 `json:"verified"`
	Agent    domain.RegistryEntry `json:"agent"`
	Badges   []string             `json:"badges"`
}

func (e Engine) StatusByHandle(ctx context.Context, h string) (AgentStatus, error) {
	h = strings.ToLower(strings.TrimSpace(h))
	if h == "" {
		return AgentStatus{}, invalid("handle", "is required")
	}
	app, err := e.Repo.GetVerifiedByHandle(ctx, h)
	if err != nil {
		return AgentStatus{}, err
	}
	return AgentStatus{Verified: true, Agent: registryEntry(app), Badges: domain.Badges(app)}, nil
}

func registryEntry(a domain.Application) domain.RegistryEntry {
	h := ""
	if a.Handle != nil {
		h = *a.Handle
	}
	return domain.RegistryEntry{
		ID:               a.ID,
		Handle:           h,
		AgentName:        a.AgentName,
		AgentDescription: a.AgentDescription,
		AgentSkills:      a.AgentSkills,
		AgentURL:         a.AgentURL,
		AgentPlatform:    a.AgentPlatform,
		IdentityLink:     a.IdentityLink,
		IdentityType:     a.IdentityType,
		ApprovedAt:       a.ApprovedAt,
	}
}
