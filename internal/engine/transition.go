package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"agentkyc/internal/audit"
	"agentkyc/internal/db"
	"agentkyc/internal/domain"
	"agentkyc/internal/handle"
	"agentkyc/internal/repo"
	"agentkyc/internal/telemetry"
)

var allowedTransitions = map[domain.Status][]domain.Status{
	domain.StatusPending:   {domain.StatusEmailSent, domain.StatusReviewing, domain.StatusRejected},
	domain.StatusEmailSent: {domain.StatusReviewing, domain.StatusRejected},
	domain.StatusReviewing: {domain.StatusTestSent, domain.StatusVerified, domain.StatusRejected},
	domain.StatusTestSent:  {domain.StatusVerified, domain.StatusRejected, domain.StatusReviewing},
	domain.StatusVerified:  {domain.StatusRejected},
	domain.StatusRejected:  {domain.StatusPending},
}

// CanTransition reports whether from -> to is in the allowed-transitions table.
func CanTransition(from, to domain.Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedFrom lists the statuses reachable from s.
func AllowedFrom(s domain.Status) []domain.Status {
	return append([]domain.Status(nil), allowedTransitions[s]...)
}

type TransitionRequest struct {
	ApplicationID string
	From          domain.Status
	To            domain.Status
	Actor         string
	Reason        string
	Patch         repo.ApplicationPatch
	Metadata      map[string]any
}

// Transition moves one application from req.From to req.To. It fails with *TransitionError
// for pairs outside the table, *ConflictError when the stored status is no longer req.From and
// repo.ErrNotFound when the id is unknown. On success exactly one status_change audit entry is
// appended; audit failures never reach the caller.
func (e Engine) Transition(ctx context.Context, req TransitionRequest) error {
	if !CanTransition(req.From, req.To) {
		return &TransitionError{From: req.From, To: req.To}
	}
	if req.ApplicationID == "" {
		return invalid("application_id", "is required")
	}
	if req.Actor == "" {
		req.Actor = domain.ActorSystem
	}
	now := db.FormatTime(e.now())
	patch := req.Patch
	switch req.To {
	case domain.StatusVerified:
		actor := req.Actor
		patch.ApprovedAt = &now
		patch.ApprovedBy = &actor
	case domain.StatusRejected:
		if req.Reason != "" {
			reason := req.Reason
			patch.RejectionReason = &reason
		}
	}
	ok, err := e.Repo.TransitionApplication(ctx, req.ApplicationID, req.From, req.To, now, patch)
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", req.From, req.To, err)
	}
	if !ok {
		current, err := e.Repo.GetApplication(ctx, req.ApplicationID)
		if errors.Is(err, repo.ErrNotFound) {
			return repo.ErrNotFound
		}
		if err != nil {
			return err
		}
		telemetry.TransitionConflicts.Inc()
		e.log().Info("transition conflict",
			zap.String("application_id", req.ApplicationID),
			zap.String("expected", string(req.From)),
			zap.String("actual", string(current.Status)),
			zap.String("actor", req.Actor),
		)
		return &ConflictError{ApplicationID: req.ApplicationID, Expected: req.From, Actual: current.Status}
	}
	telemetry.Transitions.WithLabelValues(string(req.From), string(req.To)).Inc()
	e.audit().Append(ctx, audit.Entry{
		ApplicationID: req.ApplicationID,
		Actor:         req.Actor,
		Action:        domain.ActionStatusChange,
		Before:        string(req.From),
		After:         string(req.To),
		Reason:        req.Reason,
		Metadata:      req.Metadata,
	})
	return nil
}

// verify allocates a handle and transitions app to verified. A duplicate-key failure means
// the probe raced another approval; the probe runs once more before giving up.
func (e Engine) verify(ctx context.Context, app domain.Application, actor, reason string, patch repo.ApplicationPatch) (string, error) {
	h, err := e.allocateHandle(ctx, app)
	if err != nil {
		return "", err
	}
	for attempt := 0; ; attempt++ {
		patch.Handle = &h
		err = e.Transition(ctx, TransitionRequest{
			ApplicationID: app.ID,
			From:          app.Status,
			To:            domain.StatusVerified,
			Actor:         actor,
			Reason:        reason,
			Patch:         patch,
		})
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, repo.ErrDuplicateKey) || attempt > 0 {
			return "", err
		}
		e.log().Info("handle taken during approval, probing again", zap.String("application_id", app.ID), zap.String("handle", h))
		if h, err = e.allocateHandle(ctx, app); err != nil {
			return "", err
		}
	}
}

// allocateHandle reuses a handle the application already holds.
func (e Engine) allocateHandle(ctx context.Context, app domain.Application) (string, error) {
	if app.Handle != nil && *app.Handle != "" {
		return *app.Handle, nil
	}
	base, ok := handle.Derive(app.AgentName)
	if !ok {
		return "", errInvalidAgentName
	}
	h, err := e.handles().Allocate(ctx, base, app.ID)
	if err != nil {
		return "", &HandleError{Err: err}
	}
	return h, nil
}

var errInvalidAgentName = ValidationError{Field: "agent_name", Message: "must contain at least one alphanumeric character"}
