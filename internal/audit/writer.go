package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agentkyc/internal/db"
	"agentkyc/internal/domain"
	"agentkyc/internal/logging"
	"agentkyc/internal/telemetry"
)

// Store persists audit entries.
type Store interface {
	InsertAuditEntry(ctx context.Context, e domain.AuditEntry) error
}

// Entry is one audit record before it is stamped with an id and time.
type Entry struct {
	ApplicationID string
	Actor         string
	Action        string
	Before        string
	After         string
	Reason        string
	Metadata      map[string]any
}

// Writer appends audit entries. Append never fails its caller: store errors are logged and
// counted, and the surrounding workflow carries on.
type Writer struct {
	Store Store
	Log   *zap.Logger
	Now   func() time.Time
}

func (w Writer) Append(ctx context.Context, e Entry) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	entry := domain.AuditEntry{
		ID:            uuid.NewString(),
		CreatedAt:     db.FormatTime(now()),
		ApplicationID: optional(e.ApplicationID),
		Actor:         e.Actor,
		Action:        e.Action,
		BeforeState:   optional(e.Before),
		AfterState:    optional(e.After),
		Reason:        optional(e.Reason),
		Metadata:      e.Metadata,
	}
	if w.Store == nil {
		w.fail(entry, errNoStore)
		return
	}
	if err := w.Store.InsertAuditEntry(ctx, entry); err != nil {
		w.fail(entry, err)
	}
}

func (w Writer) fail(entry domain.AuditEntry, err error) {
	telemetry.AuditWriteFailures.Inc()
	log := logging.OrNop(w.Log)
	appID := ""
	if entry.ApplicationID != nil {
		appID = *entry.ApplicationID
	}
	log.Error("audit write failed",
		zap.String("application_id", appID),
		zap.String("actor", entry.Actor),
		zap.String("action", entry.Action),
		zap.Error(err),
	)
}

type auditError string

func (e auditError) Error() string { return string(e) }

const errNoStore = auditError("audit store not configured")

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
