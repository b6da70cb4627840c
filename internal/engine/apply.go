package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentkyc/internal/audit"
	"agentkyc/internal/db"
	"agentkyc/internal/domain"
	"agentkyc/internal/handle"
	"agentkyc/internal/mail"
	"agentkyc/internal/repo"
)

const (
	maxAgentNameLength   = 100
	maxDescriptionLength = 2000
	emailTokenBytes      = 32
	emailTokenTTL        = 24 * time.Hour
)

// Apply messages.
const (
	MessageEmailSent    = "Verification email sent"
	MessageUnderReview  = "Application already under review"
	MessageEmailConfirm = "Email verified! Your application is now under review."
)

type ApplyInput struct {
	OwnerEmail       string
	OwnerName        string
	IdentityType     string
	IdentityLink     string
	AgentName        string
	AgentDescription string
	AgentSkills      []string
	AgentURL         string
	AgentPlatform    string
}

type ApplyResult struct {
	ApplicationID string        `json:"application_id"`
	Status        domain.Status `json:"status"`
	Message       string        `json:"message"`
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func (in *ApplyInput) normalize() {
	in.OwnerEmail = NormalizeEmail(in.OwnerEmail)
	in.OwnerName = strings.TrimSpace(in.OwnerName)
	in.IdentityType = strings.ToLower(strings.TrimSpace(in.IdentityType))
	in.IdentityLink = strings.TrimSpace(in.IdentityLink)
	in.AgentName = strings.TrimSpace(in.AgentName)
	in.AgentDescription = strings.TrimSpace(in.AgentDescription)
	in.AgentURL = strings.TrimSpace(in.AgentURL)
	in.AgentPlatform = strings.TrimSpace(in.AgentPlatform)
	skills := make([]string, 0, len(in.AgentSkills))
	seen := map[string]bool{}
	for _, s := range in.AgentSkills {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		skills = append(skills, s)
	}
	in.AgentSkills = skills
}

func (in ApplyInput) validate() error {
	required := []struct{ field, value string }{
		{"owner_email", in.OwnerEmail},
		{"owner_name", in.OwnerName},
		{"identity_type", in.IdentityType},
		{"identity_link", in.IdentityLink},
		{"agent_name", in.AgentName},
		{"agent_description", in.AgentDescription},
		{"agent_platform", in.AgentPlatform},
	}
	for _, r := range required {
		if r.value == "" {
			return invalid(r.field, "is required")
		}
	}
	if !strings.Contains(in.OwnerEmail, "@") {
		return invalid("owner_email", "must be an email address")
	}
	if _, ok := handle.Derive(in.AgentName); !ok {
		return errInvalidAgentName
	}
	if utf8.RuneCountInString(in.AgentName) > maxAgentNameLength {
		return invalid("agent_name", "must be %d characters or less", maxAgentNameLength)
	}
	if utf8.RuneCountInString(in.AgentDescription) > maxDescriptionLength {
		return invalid("agent_description", "must be %d characters or less", maxDescriptionLength)
	}
	if u, err := url.Parse(in.IdentityLink); err != nil || !u.IsAbs() {
		return invalid("identity_link", "must be a valid URL")
	}
	if !domain.ValidIdentityType(in.IdentityType) {
		return invalid("identity_type", "must be one of %s", strings.Join(domain.IdentityTypes, ", "))
	}
	return nil
}

func (in ApplyInput) patch(token, expires string) repo.ApplicationPatch {
	notVerified := false
	return repo.ApplicationPatch{
		OwnerName:         &in.OwnerName,
		IdentityType:      &in.IdentityType,
		IdentityLink:      &in.IdentityLink,
		AgentDescription:  &in.AgentDescription,
		AgentSkills:       in.AgentSkills,
		AgentURL:          &in.AgentURL,
		AgentPlatform:     &in.AgentPlatform,
		EmailVerified:     &notVerified,
		EmailToken:        &token,
		EmailTokenExpires: &expires,
	}
}

// Apply creates or refreshes an application and mails a confirmation link. The email is sent
// before anything is written so a failed send never leaves a record the owner cannot confirm.
func (e Engine) Apply(ctx context.Context, in ApplyInput) (ApplyResult, error) {
	in.normalize()
	if err := in.validate(); err != nil {
		return ApplyResult{}, err
	}
	if !mail.Configured(e.Mailer) {
		return ApplyResult{}, DependencyError{Op: "send email", Err: mail.ErrNotConfigured}
	}
	token, err := randomHex(emailTokenBytes)
	if err != nil {
		return ApplyResult{}, err
	}
	now := e.now()
	expires := db.FormatTime(now.Add(emailTokenTTL))

	existing, err := e.Repo.GetApplicationByOwnerAndAgent(ctx, in.OwnerEmail, in.AgentName)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return ApplyResult{}, err
	}
	if errors.Is(err, repo.ErrNotFound) {
		return e.createApplication(ctx, in, token, expires)
	}

	res := ApplyResult{ApplicationID: existing.ID, Status: existing.Status, Message: MessageEmailSent}
	switch existing.Status {
	case domain.StatusVerified:
		return ApplyResult{}, invalid("agent_name", "this agent is already verified")
	case domain.StatusReviewing, domain.StatusTestSent:
		res.Message = MessageUnderReview
		return res, nil
	case domain.StatusRejected:
		if err := e.sendVerification(ctx, in, token); err != nil {
			return ApplyResult{}, err
		}
		err := e.Transition(ctx, TransitionRequest{
			ApplicationID: existing.ID,
			From:          domain.StatusRejected,
			To:            domain.StatusPending,
			Actor:         in.OwnerEmail,
			Reason:        "re-application after rejection",
			Patch:         in.patch(token, expires),
		})
		if err != nil {
			return ApplyResult{}, err
		}
		res.Status = domain.StatusPending
		return res, nil
	default:
		if err := e.sendVerification(ctx, in, token); err != nil {
			return ApplyResult{}, err
		}
		ok, err := e.Repo.UpdateApplication(ctx, existing.ID, existing.Status, db.FormatTime(now), in.patch(token, expires))
		if err != nil {
			return ApplyResult{}, err
		}
		if !ok {
			return ApplyResult{}, &ConflictError{ApplicationID: existing.ID, Expected: existing.Status}
		}
		return res, nil
	}
}

func (e Engine) createApplication(ctx context.Context, in ApplyInput, token, expires string) (ApplyResult, error) {
	if err := e.sendVerification(ctx, in, token); err != nil {
		return ApplyResult{}, err
	}
	now := db.FormatTime(e.now())
	app := domain.Application{
		ID:                uuid.NewString(),
		CreatedAt:         now,
		UpdatedAt:         now,
		Status:            domain.StatusPending,
		OwnerEmail:        in.OwnerEmail,
		OwnerName:         in.OwnerName,
		EmailToken:        &token,
		EmailTokenExpires: &expires,
		IdentityLink:      in.IdentityLink,
		IdentityType:      in.IdentityType,
		AgentName:         in.AgentName,
		AgentDescription:  in.AgentDescription,
		AgentSkills:       in.AgentSkills,
		AgentPlatform:     in.AgentPlatform,
	}
	if in.AgentURL != "" {
		app.AgentURL = &in.AgentURL
	}
	if err := e.Repo.InsertApplication(ctx, app); err != nil {
		return ApplyResult{}, fmt.Errorf("insert application: %w", err)
	}
	e.audit().Append(ctx, audit.Entry{
		ApplicationID: app.ID,
		Actor:         in.OwnerEmail,
		Action:        domain.ActionCreated,
		After:         string(domain.StatusPending),
	})
	e.log().Info("application created", zap.String("application_id", app.ID), zap.String("agent_name", app.AgentName))
	return ApplyResult{ApplicationID: app.ID, Status: app.Status, Message: MessageEmailSent}, nil
}

func (e Engine) sendVerification(ctx context.Context, in ApplyInput, token string) error {
	msg, err := mail.VerificationEmail(in.OwnerEmail, in.AgentName, e.confirmURL(token))
	if err != nil {
		return err
	}
	return e.send(ctx, msg)
}

func (e Engine) confirmURL(token string) string {
	cfg := e.cfg()
	base := strings.TrimRight(cfg.Email.BaseURL, "/") + cfg.Server.BasePath
	return base + "/verify/confirm?token=" + url.QueryEscape(token)
}

// ConfirmEmail consumes an email token and moves the application into review.
func (e Engine) ConfirmEmail(ctx context.Context, token string) (domain.Application, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Application{}, invalid("token", "is required")
	}
	app, err := e.Repo.GetApplicationByToken(ctx, token)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Application{}, invalid("token", "invalid or expired token")
	}
	if err != nil {
		return domain.Application{}, err
	}
	if app.EmailTokenExpires != nil {
		expires, err := db.ParseTime(*app.EmailTokenExpires)
		if err != nil || expires.Before(e.now()) {
			return domain.Application{}, invalid("token", "token expired, please apply again")
		}
	}
	verified := true
	err = e.Transition(ctx, TransitionRequest{
		ApplicationID: app.ID,
		From:          app.Status,
		To:            domain.StatusReviewing,
		Actor:         domain.ActorSystem,
		Reason:        "email confirmed",
		Patch:         repo.ApplicationPatch{EmailVerified: &verified, ClearEmailToken: true},
	})
	if err != nil {
		return domain.Application{}, err
	}
	return e.Repo.GetApplication(ctx, app.ID)
}

// ApplicationsByEmail lists every application of an owner.
func (e Engine) ApplicationsByEmail(ctx context.Context, email string) ([]domain.Application, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, invalid("email", "is required")
	}
	return e.Repo.ListApplicationsByEmail(ctx, email)
}
