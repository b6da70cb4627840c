package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"agentkyc/internal/audit"
	"agentkyc/internal/db"
	"agentkyc/internal/domain"
	"agentkyc/internal/handle"
	"agentkyc/internal/repo"
	"agentkyc/internal/telemetry"
)

// Auto-review outcomes.
const (
	ReviewApproved = "approved"
	ReviewFailed   = "failed"
	ReviewFlagged  = "flagged"
)

// MinDescriptionLength is the shortest description auto-review accepts.
const MinDescriptionLength = 20

// ReviewChecks are the five independent eligibility rules.
type ReviewChecks struct {
	EmailVerified   bool `json:"email_verified"`
	HasIdentityLink bool `json:"has_identity_link"`
	HasDescription  bool `json:"has_description"`
	HasSkills       bool `json:"has_skills"`
	HasPlatform     bool `json:"has_platform"`
}

func EvaluateChecks(a domain.Application) ReviewChecks {
	return ReviewChecks{
		EmailVerified:   a.EmailVerified,
		HasIdentityLink: isAbsoluteHTTPURL(a.IdentityLink),
		HasDescription:  utf8.RuneCountInString(strings.TrimSpace(a.AgentDescription)) >= MinDescriptionLength,
		HasSkills:       len(a.AgentSkills) > 0,
		HasPlatform:     strings.TrimSpace(a.AgentPlatform) != "",
	}
}

func (c ReviewChecks) list() []struct {
	name string
	ok   bool
} {
	return []struct {
		name string
		ok   bool
	}{
		{"email_verified", c.EmailVerified},
		{"has_identity_link", c.HasIdentityLink},
		{"has_description", c.HasDescription},
		{"has_skills", c.HasSkills},
		{"has_platform", c.HasPlatform},
	}
}

// Score is the fraction of checks passed.
func (c ReviewChecks) Score() float64 {
	all := c.list()
	passed := 0
	for _, ch := range all {
		if ch.ok {
			passed++
		}
	}
	return float64(passed) / float64(len(all))
}

// Passed is true only when every check passed.
func (c ReviewChecks) Passed() bool {
	return len(c.Failed()) == 0
}

func (c ReviewChecks) Failed() []string {
	var failed []string
	for _, ch := range c.list() {
		if !ch.ok {
			failed = append(failed, ch.name)
		}
	}
	return failed
}

func (c ReviewChecks) asMap() map[string]any {
	m := map[string]any{}
	for _, ch := range c.list() {
		m[ch.name] = ch.ok
	}
	return m
}

func isAbsoluteHTTPURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

type ReviewResult struct {
	ApplicationID string  `json:"application_id"`
	Action        string  `json:"action" enum:"approved,failed,flagged"`
	Reason        string  `json:"reason"`
	Score         float64 `json:"score"`
	Handle        string  `json:"handle,omitempty"`
}

type ReviewPass struct {
	Skipped    bool           `json:"skipped"`
	SkipReason string         `json:"skip_reason,omitempty"`
	Processed  int            `json:"processed"`
	Remaining  int            `json:"remaining_budget"`
	Results    []ReviewResult `json:"results"`
}

// Skip reasons.
const (
	SkipDisabled   = "auto-approval is disabled"
	SkipCapReached = "daily auto-approval cap reached"
	SkipCapUnknown = "failed to check daily cap, blocking auto-approvals"
)

// RunAutoReviewPass evaluates the oldest unflagged reviewing applications, up to what is left of
// today's approval budget. Applications passing every check are verified by automation; the
// rest are flagged for a human and never picked up again.
func (e Engine) RunAutoReviewPass(ctx context.Context) (ReviewPass, error) {
	pass := ReviewPass{Results: []ReviewResult{}}
	automation := e.cfg().Automation
	if !automation.AutoApprovalEnabled {
		telemetry.AutoReviewSkipped.Inc()
		pass.Skipped, pass.SkipReason = true, SkipDisabled
		return pass, nil
	}
	approvedToday, err := e.Repo.CountAuditEntries(ctx, repo.AuditCountFilter{
		Actor:      domain.ActorAutomation,
		Action:     domain.ActionStatusChange,
		AfterState: string(domain.StatusVerified),
		Since:      db.FormatTime(startOfDay(e.now(), automation.Location())),
	})
	if err != nil {
		telemetry.AutoReviewSkipped.Inc()
		e.log().Error("daily cap count failed", zap.Error(err))
		pass.Skipped, pass.SkipReason = true, SkipCapUnknown
		return pass, nil
	}
	remaining := automation.MaxAutoApprovalsPerDay - approvedToday
	if remaining <= 0 {
		telemetry.AutoReviewSkipped.Inc()
		pass.Skipped, pass.SkipReason = true, SkipCapReached
		return pass, nil
	}
	pass.Remaining = remaining
	apps, err := e.Repo.ListReviewQueue(ctx, remaining)
	if err != nil {
		return pass, fmt.Errorf("list review queue: %w", err)
	}
	for _, app := range apps {
		if err := ctx.Err(); err != nil {
			return pass, err
		}
		res := e.reviewOne(ctx, app)
		telemetry.AutoReviewOutcomes.WithLabelValues(res.Action).Inc()
		pass.Results = append(pass.Results, res)
	}
	pass.Processed = len(pass.Results)
	e.log().Info("auto-review pass finished", zap.Int("processed", pass.Processed), zap.Int("budget", remaining))
	return pass, nil
}

func (e Engine) reviewOne(ctx context.Context, app domain.Application) ReviewResult {
	checks := EvaluateChecks(app)
	score := checks.Score()
	res := ReviewResult{ApplicationID: app.ID, Score: score}
	if err := e.Repo.SetAutoReviewScore(ctx, app.ID, score); err != nil {
		e.log().Error("persist auto-review score", zap.String("application_id", app.ID), zap.Error(err))
		res.Action, res.Reason = ReviewFailed, "persist score: "+err.Error()
		return res
	}
	if !checks.Passed() {
		reason := "failed checks: " + strings.Join(checks.Failed(), ", ")
		return e.flag(ctx, app, res, reason, map[string]any{"checks": checks.asMap(), "score": score})
	}
	if _, ok := handle.Derive(app.AgentName); !ok && (app.Handle == nil || *app.Handle == "") {
		return e.flag(ctx, app, res, "invalid agent name for handle", nil)
	}
	badge, err := randomHex(16)
	if err != nil {
		res.Action, res.Reason = ReviewFailed, err.Error()
		return res
	}
	identity := true
	h, err := e.verify(ctx, app, domain.ActorAutomation, fmt.Sprintf("auto-approved: all checks passed (score=%.2f)", score), repo.ApplicationPatch{
		BadgeToken:       &badge,
		IdentityVerified: &identity,
		AutoReviewScore:  &score,
	})
	var handleErr *HandleError
	switch {
	case err == nil:
		res.Action, res.Reason, res.Handle = ReviewApproved, "ok", h
	case errors.Is(err, handle.ErrExhausted):
		return e.flag(ctx, app, res, "unable to generate unique handle", nil)
	case errors.As(err, &handleErr):
		return e.flag(ctx, app, res, "handle generation failed: "+handleErr.Err.Error(), nil)
	default:
		res.Action, res.Reason = ReviewFailed, err.Error()
	}
	return res
}

// flag routes app to a human. It only applies while app is still reviewing.
func (e Engine) flag(ctx context.Context, app domain.Application, res ReviewResult, reason string, meta map[string]any) ReviewResult {
	ok, err := e.Repo.FlagForHuman(ctx, app.ID, db.FormatTime(e.now()))
	if err != nil {
		res.Action, res.Reason = ReviewFailed, "flag for human: "+err.Error()
		return res
	}
	if !ok {
		res.Action, res.Reason = ReviewFailed, (&ConflictError{ApplicationID: app.ID, Expected: domain.StatusReviewing}).Error()
		return res
	}
	e.audit().Append(ctx, audit.Entry{
		ApplicationID: app.ID,
		Actor:         domain.ActorAutomation,
		Action:        domain.ActionFlaggedForHuman,
		Reason:        reason,
		Metadata:      meta,
	})
	res.Action, res.Reason = ReviewFlagged, reason
	return res
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
