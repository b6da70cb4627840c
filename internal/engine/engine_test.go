package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"agentkyc/internal/config"
	"agentkyc/internal/db"
	"agentkyc/internal/domain"
	"agentkyc/internal/engine"
	"agentkyc/internal/handle"
	"agentkyc/internal/mail"
	"agentkyc/internal/migrate"
	"agentkyc/internal/repo"
)

type recordingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type testEnv struct {
	Engine engine.Engine
	Mailer *recordingMailer
	Config *config.Config
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Automation.AutoApprovalEnabled = true
	mailer := &recordingMailer{}
	env := &testEnv{Mailer: mailer, Config: cfg, Ctx: ctx}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	env.now = &now
	eng := engine.New(conn, db.DriverSQLite, cfg, mailer, nil)
	eng.Now = func() time.Time { return *env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

// seed inserts an application directly in status with every auto-review check passing.
func (env *testEnv) seed(t *testing.T, status domain.Status, mutate func(*domain.Application)) domain.Application {
	t.Helper()
	ts := db.FormatTime(*env.now)
	a := domain.Application{
		ID:               fmt.Sprintf("app-%d", time.Now().UnixNano()),
		CreatedAt:        ts,
		UpdatedAt:        ts,
		Status:           status,
		OwnerEmail:       "owner@example.com",
		OwnerName:        "Ada",
		EmailVerified:    true,
		IdentityLink:     "https://github.com/ada",
		IdentityType:     "github",
		AgentName:        "Research Bot 3000!",
		AgentDescription: "Summarizes research papers and datasets.",
		AgentSkills:      []string{"research"},
		AgentPlatform:    "openai",
	}
	if mutate != nil {
		mutate(&a)
	}
	if err := env.Engine.Repo.InsertApplication(env.Ctx, a); err != nil {
		t.Fatalf("seed application: %v", err)
	}
	return a
}

func (env *testEnv) get(t *testing.T, id string) domain.Application {
	t.Helper()
	a, err := env.Engine.Repo.GetApplication(env.Ctx, id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return a
}

func (env *testEnv) audit(t *testing.T, id string) []domain.AuditEntry {
	t.Helper()
	entries, err := env.Engine.Repo.ListAuditEntries(env.Ctx, repo.AuditFilters{ApplicationID: id})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	return entries
}

func TestIllegalTransitionsLeaveStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			if engine.CanTransition(from, to) {
				continue
			}
			app := env.seed(t, from, func(a *domain.Application) {
				a.ID = fmt.Sprintf("illegal-%s-%s", from, to)
				a.AgentName = a.ID
			})
			err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ApplicationID: app.ID, From: from, To: to, Actor: "tester"})
			var te *engine.TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("%s -> %s: expected transition error, got %v", from, to, err)
			}
			if got := env.get(t, app.ID).Status; got != from {
				t.Fatalf("%s -> %s: status changed to %s", from, to, got)
			}
			if n := len(env.audit(t, app.ID)); n != 0 {
				t.Fatalf("%s -> %s: expected no audit, got %d", from, to, n)
			}
		}
	}
}

func TestSelfTransitionsAreIllegal(t *testing.T) {
	for _, s := range domain.Statuses {
		if engine.CanTransition(s, s) {
			t.Fatalf("self transition allowed for %s", s)
		}
	}
}

func TestValidTransitionsWriteOneAuditEntry(t *testing.T) {
	env := newTestEnv(t)
	for _, from := range domain.Statuses {
		for _, to := range engine.AllowedFrom(from) {
			app := env.seed(t, from, func(a *domain.Application) {
				a.ID = fmt.Sprintf("valid-%s-%s", from, to)
				a.AgentName = a.ID
			})
			err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{
				ApplicationID: app.ID, From: from, To: to, Actor: "tester", Reason: "because",
			})
			if err != nil {
				t.Fatalf("%s -> %s: %v", from, to, err)
			}
			got := env.get(t, app.ID)
			if got.Status != to {
				t.Fatalf("%s -> %s: stored %s", from, to, got.Status)
			}
			entries := env.audit(t, app.ID)
			if len(entries) != 1 {
				t.Fatalf("%s -> %s: expected 1 audit entry, got %d", from, to, len(entries))
			}
			e := entries[0]
			if e.Action != domain.ActionStatusChange || *e.BeforeState != string(from) || *e.AfterState != string(to) || e.Actor != "tester" {
				t.Fatalf("%s -> %s: unexpected audit %+v", from, to, e)
			}
			if got.LastActionAt == nil {
				t.Fatalf("%s -> %s: last_action_at not stamped", from, to)
			}
		}
	}
}

func TestTransitionStampsApprovalAndRejection(t *testing.T) {
	env := newTestEnv(t)
	app := env.seed(t, domain.StatusReviewing, nil)
	if err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ApplicationID: app.ID, From: domain.StatusReviewing, To: domain.StatusVerified, Actor: "alice"}); err != nil {
		t.Fatal(err)
	}
	got := env.get(t, app.ID)
	if got.ApprovedBy == nil || *got.ApprovedBy != "alice" || got.ApprovedAt == nil {
		t.Fatalf("approval not stamped: %+v", got)
	}
	if err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ApplicationID: app.ID, From: domain.StatusVerified, To: domain.StatusRejected, Actor: "alice", Reason: "revoked"}); err != nil {
		t.Fatal(err)
	}
	got = env.get(t, app.ID)
	if got.RejectionReason == nil || *got.RejectionReason != "revoked" {
		t.Fatalf("rejection reason not stored")
	}
}

func TestTransitionConflictAndNotFound(t *testing.T) {
	env := newTestEnv(t)
	app := env.seed(t, domain.StatusReviewing, nil)
	err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ApplicationID: app.ID, From: domain.StatusPending, To: domain.StatusRejected})
	var ce *engine.ConflictError
	if !errors.As(err, &ce) || ce.Expected != domain.StatusPending || ce.Actual != domain.StatusReviewing {
		t.Fatalf("expected conflict, got %v", err)
	}
	if n := len(env.audit(t, app.ID)); n != 0 {
		t.Fatalf("conflict wrote audit")
	}
	err = env.Engine.Transition(env.Ctx, engine.TransitionRequest{ApplicationID: "missing", From: domain.StatusPending, To: domain.StatusRejected})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	app := env.seed(t, domain.StatusReviewing, nil)

	targets := []domain.Status{domain.StatusVerified, domain.StatusRejected}
	errs := make([]error, len(targets))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, to := range targets {
		wg.Add(1)
		go func(i int, to domain.Status) {
			defer wg.Done()
			<-start
			errs[i] = env.Engine.Transition(env.Ctx, engine.TransitionRequest{
				ApplicationID: app.ID, From: domain.StatusReviewing, To: to, Actor: fmt.Sprintf("writer-%d", i), Reason: "race",
			})
		}(i, to)
	}
	close(start)
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		var ce *engine.ConflictError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &ce):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("expected one winner and one conflict, got %d/%d", wins, conflicts)
	}
	if n := len(env.audit(t, app.ID)); n != 1 {
		t.Fatalf("expected one audit entry, got %d", n)
	}
}

type failingAuditStore struct{}

func (failingAuditStore) InsertAuditEntry(context.Context, domain.AuditEntry) error {
	return errors.New("audit table locked")
}

func TestAuditFailureDoesNotFailTransition(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Audit.Store = failingAuditStore{}
	app := env.seed(t, domain.StatusPending, nil)
	err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ApplicationID: app.ID, From: domain.StatusPending, To: domain.StatusReviewing})
	if err != nil {
		t.Fatalf("transition failed with broken audit: %v", err)
	}
	if got := env.get(t, app.ID).Status; got != domain.StatusReviewing {
		t.Fatalf("status %s", got)
	}
	if n := len(env.audit(t, app.ID)); n != 0 {
		t.Fatalf("expected audit write to be dropped, got %d", n)
	}
}

func TestAutoReviewApprovesPassingApplication(t *testing.T) {
	env := newTestEnv(t)
	app := env.seed(t, domain.StatusReviewing, nil)

	pass, err := env.Engine.RunAutoReviewPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pass.Skipped || pass.Processed != 1 || pass.Results[0].Action != engine.ReviewApproved {
		t.Fatalf("unexpected pass %+v", pass)
	}
	got := env.get(t, app.ID)
	if got.Status != domain.StatusVerified {
		t.Fatalf("status %s", got.Status)
	}
	if got.Handle == nil || *got.Handle != "research-bot-3000" {
		t.Fatalf("handle %v", got.Handle)
	}
	if got.AutoReviewScore == nil || *got.AutoReviewScore != 1.0 {
		t.Fatalf("score %v", got.AutoReviewScore)
	}
	if got.BadgeToken == nil || len(*got.BadgeToken) != 32 || !got.IdentityVerified {
		t.Fatalf("badge/identity not set: %+v", got)
	}
	if got.ApprovedBy == nil || *got.ApprovedBy != domain.ActorAutomation {
		t.Fatalf("approved_by %v", got.ApprovedBy)
	}
	entries := env.audit(t, app.ID)
	if len(entries) != 1 || !strings.HasPrefix(*entries[0].Reason, "auto-approved") {
		t.Fatalf("audit %+v", entries)
	}
}

func TestAutoReviewFlagsFailingApplication(t *testing.T) {
	env := newTestEnv(t)
	app := env.seed(t, domain.StatusReviewing, func(a *domain.Application) {
		a.AgentSkills = nil
		a.AgentDescription = "too short"
	})

	pass, err := env.Engine.RunAutoReviewPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	res := pass.Results[0]
	if res.Action != engine.ReviewFlagged || res.Score != 0.6 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Reason, "has_description") || !strings.Contains(res.Reason, "has_skills") {
		t.Fatalf("reason does not name failed checks: %s", res.Reason)
	}
	got := env.get(t, app.ID)
	if got.Status != domain.StatusReviewing || !got.RequiresHumanOverride {
		t.Fatalf("not flagged: %+v", got)
	}
	if got.AutoReviewScore == nil || *got.AutoReviewScore != 0.6 {
		t.Fatalf("score not persisted")
	}
	entries := env.audit(t, app.ID)
	if len(entries) != 1 || entries[0].Action != domain.ActionFlaggedForHuman {
		t.Fatalf("audit %+v", entries)
	}

	pass, err = env.Engine.RunAutoReviewPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pass.Processed != 0 {
		t.Fatalf("flagged application picked up again: %+v", pass)
	}
}

func TestAutoReviewChecks(t *testing.T) {
	base := domain.Application{
		EmailVerified:    true,
		IdentityLink:     "https://example.com/me",
		AgentDescription: strings.Repeat("x", engine.MinDescriptionLength),
		AgentSkills:      []string{"a"},
		AgentPlatform:    "p",
	}
	if c := engine.EvaluateChecks(base); !c.Passed() || c.Score() != 1 {
		t.Fatalf("expected all checks to pass: %+v", c)
	}
	for _, link := range []string{"", "github.com/ada", "/relative", "ftp://example.com", "https://"} {
		a := base
		a.IdentityLink = link
		if engine.EvaluateChecks(a).HasIdentityLink {
			t.Fatalf("link %q accepted", link)
		}
	}
	a := base
	a.AgentDescription = "  " + strings.Repeat("x", engine.MinDescriptionLength-1) + "   "
	if engine.EvaluateChecks(a).HasDescription {
		t.Fatalf("short description accepted")
	}
}

func TestAutoReviewDailyCap(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Automation.MaxAutoApprovalsPerDay = 1
	first := env.seed(t, domain.StatusReviewing, func(a *domain.Application) { a.ID = "app-a"; a.AgentName = "Alpha" })
	second := env.seed(t, domain.StatusReviewing, func(a *domain.Application) { a.ID = "app-b"; a.AgentName = "Beta" })

	pass, err := env.Engine.RunAutoReviewPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pass.Processed != 1 || pass.Results[0].ApplicationID != first.ID {
		t.Fatalf("expected one approval, got %+v", pass)
	}
	pass, err = env.Engine.RunAutoReviewPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !pass.Skipped || pass.SkipReason != engine.SkipCapReached || pass.Processed != 0 {
		t.Fatalf("expected capped pass, got %+v", pass)
	}
	if got := env.get(t, second.ID).Status; got != domain.StatusReviewing {
		t.Fatalf("second application touched: %s", got)
	}

	// the budget resets at the next local midnight
	env.advance(24 * time.Hour)
	pass, err = env.Engine.RunAutoReviewPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pass.Processed != 1 || pass.Results[0].ApplicationID != second.ID {
		t.Fatalf("expected second approval next day, got %+v", pass)
	}
}

func TestAutoReviewDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Automation.AutoApprovalEnabled = false
	app := env.seed(t, domain.StatusReviewing, nil)
	pass, err := env.Engine.RunAutoReviewPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !pass.Skipped || pass.SkipReason != engine.SkipDisabled {
		t.Fatalf("expected skipped pass: %+v", pass)
	}
	if got := env.get(t, app.ID); got.AutoReviewScore != nil {
		t.Fatalf("disabled pass touched record")
	}
}

func TestAutoReviewHandleCollision(t *testing.T) {
	env := newTestEnv(t)
	taken := env.seed(t, domain.StatusReviewing, func(a *domain.Application) { a.ID = "taken"; a.AgentName = "Bot" })
	if _, err := env.Engine.Approve(env.Ctx, taken.ID, "admin", ""); err != nil {
		t.Fatal(err)
	}
	app := env.seed(t, domain.StatusReviewing, func(a *domain.Application) {
		a.ID = "second"
		a.AgentName = "bot!"
		a.OwnerEmail = "other@example.com"
	})
	pass, err := env.Engine.RunAutoReviewPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pass.Results[0].Handle != "bot-1" {
		t.Fatalf("expected bot-1, got %+v", pass.Results[0])
	}
	if h := env.get(t, app.ID).Handle; h == nil || *h != "bot-1" {
		t.Fatalf("stored handle %v", h)
	}
}

func TestApproveReusesExistingHandle(t *testing.T) {
	env := newTestEnv(t)
	app := env.seed(t, domain.StatusReviewing, nil)
	first, err := env.Engine.Approve(env.Ctx, app.ID, "admin", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, app.ID, "admin", "revoked"); err != nil {
		t.Fatal(err)
	}
	for _, step := range []domain.Status{domain.StatusPending, domain.StatusReviewing} {
		cur := env.get(t, app.ID)
		if err := env.Engine.Transition(env.Ctx, engine.TransitionRequest{ApplicationID: app.ID, From: cur.Status, To: step}); err != nil {
			t.Fatal(err)
		}
	}
	second, err := env.Engine.Approve(env.Ctx, app.ID, "admin", "")
	if err != nil {
		t.Fatal(err)
	}
	if *first.Handle != *second.Handle {
		t.Fatalf("handle reassigned: %s -> %s", *first.Handle, *second.Handle)
	}
	if *first.BadgeToken == *second.BadgeToken {
		t.Fatalf("badge token not refreshed")
	}
}

func TestApproveRejectsWrongStatus(t *testing.T) {
	env := newTestEnv(t)
	app := env.seed(t, domain.StatusPending, nil)
	_, err := env.Engine.Approve(env.Ctx, app.ID, "admin", "")
	var te *engine.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if _, err := env.Engine.Reject(env.Ctx, app.ID, "admin", " "); err == nil {
		t.Fatalf("expected reason required")
	}
	if _, err := env.Engine.Approve(env.Ctx, "missing", "admin", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func applyInput() engine.ApplyInput {
	return engine.ApplyInput{
		OwnerEmail:       "  Ada@Example.COM ",
		OwnerName:        "Ada",
		IdentityType:     "github",
		IdentityLink:     "https://github.com/ada",
		AgentName:        "Research Bot 3000!",
		AgentDescription: "Summarizes research papers and datasets.",
		AgentSkills:      []string{"research", "research", " summarization "},
		AgentPlatform:    "openai",
	}
}

func TestEndToEndLifecycle(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Apply(env.Ctx, applyInput())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Status != domain.StatusPending || env.Mailer.count() != 1 {
		t.Fatalf("unexpected apply result %+v", res)
	}
	app := env.get(t, res.ApplicationID)
	if app.OwnerEmail != "ada@example.com" || len(app.AgentSkills) != 2 {
		t.Fatalf("input not normalized: %+v", app)
	}
	if app.EmailToken == nil || len(*app.EmailToken) != 64 {
		t.Fatalf("email token %v", app.EmailToken)
	}
	if !strings.Contains(env.Mailer.sent[0].HTML, *app.EmailToken) {
		t.Fatalf("confirmation link missing token")
	}

	app, err = env.Engine.ConfirmEmail(env.Ctx, *app.EmailToken)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if app.Status != domain.StatusReviewing || !app.EmailVerified || app.EmailToken != nil {
		t.Fatalf("confirm did not apply: %+v", app)
	}

	app, err = env.Engine.SendTest(env.Ctx, app.ID, "admin", "Summarize this paper")
	if err != nil {
		t.Fatalf("send test: %v", err)
	}
	if app.Status != domain.StatusTestSent || app.TestTaskNotes == nil || *app.TestTaskNotes != "Summarize this paper" || app.TestTaskSentAt == nil {
		t.Fatalf("send test did not apply: %+v", app)
	}

	app, err = env.Engine.Approve(env.Ctx, app.ID, "admin", "")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if app.Status != domain.StatusVerified || app.Handle == nil || *app.Handle != "research-bot-3000" || app.BadgeToken == nil || !app.TestTaskCompleted {
		t.Fatalf("approve did not apply: %+v", app)
	}
	if got := len(env.audit(t, app.ID)); got != 4 {
		t.Fatalf("expected 4 audit entries, got %d", got)
	}
	status, err := env.Engine.StatusByHandle(env.Ctx, "research-bot-3000")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Verified || len(status.Badges) != 3 {
		t.Fatalf("status %+v", status)
	}
	if _, err := env.Engine.Apply(env.Ctx, applyInput()); err == nil {
		t.Fatalf("expected already verified error")
	}
}

func TestApplyMailFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Mailer.err = errors.New("smtp down")
	_, err := env.Engine.Apply(env.Ctx, applyInput())
	var de engine.DependencyError
	if !errors.As(err, &de) {
		t.Fatalf("expected dependency error, got %v", err)
	}
	apps, err := env.Engine.Repo.ListApplications(env.Ctx, repo.ApplicationFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(apps) != 0 {
		t.Fatalf("orphan record written")
	}
}

func TestApplyValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]func(*engine.ApplyInput){
		"missing email": func(in *engine.ApplyInput) { in.OwnerEmail = "" },
		"symbol name":   func(in *engine.ApplyInput) { in.AgentName = "!!!" },
		"long name":     func(in *engine.ApplyInput) { in.AgentName = strings.Repeat("a", 101) },
		"bad link":      func(in *engine.ApplyInput) { in.IdentityLink = "github.com/ada" },
		"bad type":      func(in *engine.ApplyInput) { in.IdentityType = "myspace" },
		"long desc":     func(in *engine.ApplyInput) { in.AgentDescription = strings.Repeat("a", 2001) },
	}
	for name, mutate := range cases {
		in := applyInput()
		mutate(&in)
		_, err := env.Engine.Apply(env.Ctx, in)
		var ve engine.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	if env.Mailer.count() != 0 {
		t.Fatalf("mail sent for invalid input")
	}
}

func TestApplyWithoutMailer(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Mailer = mail.Disabled{}
	_, err := env.Engine.Apply(env.Ctx, applyInput())
	if !errors.Is(err, mail.ErrNotConfigured) {
		t.Fatalf("expected not configured, got %v", err)
	}
}

func TestReapplyAfterRejection(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Apply(env.Ctx, applyInput())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reject(env.Ctx, res.ApplicationID, "admin", "spam"); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Minute)
	in := applyInput()
	in.AgentPlatform = "anthropic"
	again, err := env.Engine.Apply(env.Ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if again.ApplicationID != res.ApplicationID || again.Status != domain.StatusPending {
		t.Fatalf("unexpected re-application %+v", again)
	}
	app := env.get(t, res.ApplicationID)
	if app.AgentPlatform != "anthropic" || app.EmailVerified {
		t.Fatalf("fields not refreshed: %+v", app)
	}
	entries := env.audit(t, app.ID)
	if entries[0].Actor != "ada@example.com" || *entries[0].AfterState != string(domain.StatusPending) {
		t.Fatalf("re-application audit %+v", entries[0])
	}
}

func TestApplyUnderReviewIsNoop(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Apply(env.Ctx, applyInput())
	if err != nil {
		t.Fatal(err)
	}
	app := env.get(t, res.ApplicationID)
	if _, err := env.Engine.ConfirmEmail(env.Ctx, *app.EmailToken); err != nil {
		t.Fatal(err)
	}
	again, err := env.Engine.Apply(env.Ctx, applyInput())
	if err != nil {
		t.Fatal(err)
	}
	if again.Message != engine.MessageUnderReview || env.Mailer.count() != 1 {
		t.Fatalf("expected no-op, got %+v", again)
	}
}

func TestConfirmExpiredToken(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.Apply(env.Ctx, applyInput())
	if err != nil {
		t.Fatal(err)
	}
	token := *env.get(t, res.ApplicationID).EmailToken
	env.advance(25 * time.Hour)
	if _, err := env.Engine.ConfirmEmail(env.Ctx, token); err == nil {
		t.Fatalf("expected expired token error")
	}
	if _, err := env.Engine.ConfirmEmail(env.Ctx, "nope"); err == nil {
		t.Fatalf("expected invalid token error")
	}
}

func TestSendTestMailFailureAborts(t *testing.T) {
	env := newTestEnv(t)
	app := env.seed(t, domain.StatusReviewing, nil)
	env.Mailer.err = errors.New("provider down")
	if _, err := env.Engine.SendTest(env.Ctx, app.ID, "admin", ""); err == nil {
		t.Fatalf("expected send failure")
	}
	if got := env.get(t, app.ID).Status; got != domain.StatusReviewing {
		t.Fatalf("status changed to %s", got)
	}
}

func TestScheduleTickAndReminder(t *testing.T) {
	env := newTestEnv(t)
	app := env.seed(t, domain.StatusReviewing, nil)
	if _, err := env.Engine.SendTest(env.Ctx, app.ID, "admin", ""); err != nil {
		t.Fatal(err)
	}

	tick, err := env.Engine.ScheduleTick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tick.AutoReviewJobID == "" || tick.Reminders != 0 {
		t.Fatalf("unexpected tick %+v", tick)
	}

	env.advance(73 * time.Hour)
	tick, err = env.Engine.ScheduleTick(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tick.Reminders != 1 {
		t.Fatalf("expected one reminder, got %+v", tick)
	}
	job, err := env.Engine.Queue().Get(env.Ctx, tick.ReminderJobIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if job.Type != domain.JobTypeSendReminder || job.Payload["application_id"] != app.ID || job.Payload["email"] != app.OwnerEmail {
		t.Fatalf("reminder payload %+v", job)
	}

	sent, err := env.Engine.SendReminder(env.Ctx, app.ID)
	if err != nil || !sent {
		t.Fatalf("reminder: sent=%v err=%v", sent, err)
	}
	entries := env.audit(t, app.ID)
	if entries[0].Action != domain.ActionReminderSent {
		t.Fatalf("expected reminder audit, got %s", entries[0].Action)
	}

	if _, err := env.Engine.Approve(env.Ctx, app.ID, "admin", ""); err != nil {
		t.Fatal(err)
	}
	sent, err = env.Engine.SendReminder(env.Ctx, app.ID)
	if err != nil || sent {
		t.Fatalf("reminder for verified app: sent=%v err=%v", sent, err)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.StatusReviewing, func(a *domain.Application) { a.ID = "s1"; a.AgentName = "s1" })
	env.seed(t, domain.StatusReviewing, func(a *domain.Application) { a.ID = "s2"; a.AgentName = "s2" })
	env.seed(t, domain.StatusPending, func(a *domain.Application) { a.ID = "s3"; a.AgentName = "s3" })
	stats, err := env.Engine.Stats(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Counts["reviewing"] != 2 || stats.Counts["verified"] != 0 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestAutoReviewFailsClosedWhenCapUnknown(t *testing.T) {
	env := newTestEnv(t)
	app := env.seed(t, domain.StatusReviewing, nil)
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TABLE audit_logs`); err != nil {
		t.Fatal(err)
	}
	pass, err := env.Engine.RunAutoReviewPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !pass.Skipped || pass.SkipReason != engine.SkipCapUnknown {
		t.Fatalf("expected cap-unknown skip: %+v", pass)
	}
	if pass.Processed != 0 || len(pass.Results) != 0 {
		t.Fatalf("skipped pass reviewed records: %+v", pass)
	}
	got := env.get(t, app.ID)
	if got.Status != domain.StatusReviewing || got.AutoReviewScore != nil || got.RequiresHumanOverride || got.Handle != nil {
		t.Fatalf("skipped pass touched record: %+v", got)
	}
}

func TestAutoReviewFlagsWhenHandlesExhausted(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < handle.DefaultCandidates; i++ {
		h := "bot"
		if i > 0 {
			h = fmt.Sprintf("bot-%d", i)
		}
		env.seed(t, domain.StatusVerified, func(a *domain.Application) {
			a.ID = "holder-" + h
			a.AgentName = "Holder " + h
			a.Handle = &h
		})
	}
	app := env.seed(t, domain.StatusReviewing, func(a *domain.Application) {
		a.ID = "newcomer"
		a.AgentName = "Bot"
	})
	pass, err := env.Engine.RunAutoReviewPass(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pass.Results) != 1 {
		t.Fatalf("expected one result, got %+v", pass.Results)
	}
	res := pass.Results[0]
	if res.Action != engine.ReviewFlagged || res.Reason != "unable to generate unique handle" {
		t.Fatalf("expected flagged result, got %+v", res)
	}
	got := env.get(t, app.ID)
	if got.Status != domain.StatusReviewing || !got.RequiresHumanOverride || got.Handle != nil {
		t.Fatalf("unexpected record after exhaustion: %+v", got)
	}
	entries := env.audit(t, app.ID)
	if len(entries) != 1 || entries[0].Action != domain.ActionFlaggedForHuman {
		t.Fatalf("expected one flagged_for_human entry, got %+v", entries)
	}
}

// staleLookup reports every handle free on its first call, like a probe that read before a
// concurrent approval committed.
type staleLookup struct {
	mu    sync.Mutex
	calls int
	next  handle.Lookup
}

func (l *staleLookup) ApplicationIDByHandle(ctx context.Context, h string) (string, error) {
	l.mu.Lock()
	l.calls++
	first := l.calls == 1
	l.mu.Unlock()
	if first {
		return "", repo.ErrNotFound
	}
	return l.next.ApplicationIDByHandle(ctx, h)
}

func TestApproveProbesAgainAfterDuplicateHandle(t *testing.T) {
	env := newTestEnv(t)
	first := env.seed(t, domain.StatusReviewing, func(a *domain.Application) { a.ID = "first"; a.AgentName = "Bot" })
	if _, err := env.Engine.Approve(env.Ctx, first.ID, "admin", ""); err != nil {
		t.Fatal(err)
	}
	second := env.seed(t, domain.StatusReviewing, func(a *domain.Application) { a.ID = "second"; a.AgentName = "bot" })

	lookup := &staleLookup{next: env.Engine.Repo}
	env.Engine.Handles = handle.Allocator{Lookup: lookup, NotFound: repo.ErrNotFound, MaxCandidates: handle.DefaultCandidates}
	got, err := env.Engine.Approve(env.Ctx, second.ID, "admin", "")
	if err != nil {
		t.Fatalf("approve after stale probe: %v", err)
	}
	if got.Handle == nil || *got.Handle != "bot-1" {
		t.Fatalf("expected bot-1, got %v", got.Handle)
	}
	if lookup.calls < 3 {
		t.Fatalf("expected a second probe, lookup calls=%d", lookup.calls)
	}
	if entries := env.audit(t, second.ID); len(entries) != 1 || entries[0].AfterState == nil || *entries[0].AfterState != string(domain.StatusVerified) {
		t.Fatalf("expected a single verified audit entry, got %+v", entries)
	}
}

func TestConcurrentApprovalsGetDistinctHandles(t *testing.T) {
	env := newTestEnv(t)
	ids := []string{"upper", "lower"}
	names := []string{"Bot", "bot"}
	for i := range ids {
		env.seed(t, domain.StatusReviewing, func(a *domain.Application) { a.ID = ids[i]; a.AgentName = names[i] })
	}

	errs := make([]error, len(ids))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			<-start
			_, errs[i] = env.Engine.Approve(env.Ctx, id, "admin", "")
		}(i, id)
	}
	close(start)
	wg.Wait()

	handles := map[string]bool{}
	for i, id := range ids {
		if errs[i] != nil {
			t.Fatalf("approve %s: %v", id, errs[i])
		}
		got := env.get(t, id)
		if got.Status != domain.StatusVerified || got.Handle == nil {
			t.Fatalf("%s not verified with a handle: %+v", id, got)
		}
		handles[*got.Handle] = true
	}
	if !handles["bot"] || !handles["bot-1"] {
		t.Fatalf("expected handles bot and bot-1, got %v", handles)
	}
}

func TestHealthCountsAndDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, domain.StatusVerified, func(a *domain.Application) { a.ID = "live"; a.AgentName = "Live" })
	env.seed(t, domain.StatusReviewing, func(a *domain.Application) { a.ID = "queued"; a.AgentName = "Queued" })
	if _, err := env.Engine.Queue().Enqueue(env.Ctx, domain.JobTypeAutoReview, nil, nil); err != nil {
		t.Fatal(err)
	}

	h := env.Engine.Health(env.Ctx)
	if h.Status != engine.HealthHealthy || !h.Healthy() || h.Metrics.VerifiedAgents != 1 {
		t.Fatalf("unexpected health: %+v", h)
	}
	if h.Metrics.Jobs[string(domain.JobQueued)] != 1 || h.Metrics.Jobs[string(domain.JobFailed)] != 0 {
		t.Fatalf("unexpected job counts: %+v", h.Metrics.Jobs)
	}

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TABLE agent_jobs`); err != nil {
		t.Fatal(err)
	}
	h = env.Engine.Health(env.Ctx)
	if h.Status != engine.HealthDegraded || !h.Healthy() || h.Metrics.Jobs != nil {
		t.Fatalf("expected degraded report, got %+v", h)
	}

	if _, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TABLE applications`); err != nil {
		t.Fatal(err)
	}
	h = env.Engine.Health(env.Ctx)
	if h.Status != engine.HealthUnhealthy || h.Healthy() || h.Services.Database != "down" {
		t.Fatalf("expected unhealthy report, got %+v", h)
	}
}
