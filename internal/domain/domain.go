package domain

import "fmt"

// Status is the lifecycle state of a verification application.
type Status string

const (
	StatusPending   Status = "pending"
	StatusEmailSent Status = "email_sent"
	StatusReviewing Status = "reviewing"
	StatusTestSent  Status = "test_sent"
	StatusVerified  Status = "verified"
	StatusRejected  Status = "rejected"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusEmailSent,
	StatusReviewing,
	StatusTestSent,
	StatusVerified,
	StatusRejected,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", raw)
	}
	return s, nil
}

// IdentityTypes accepted for the owner's identity link.
var IdentityTypes = []string{"github", "twitter", "linkedin", "website", "moltbook"}

func ValidIdentityType(v string) bool {
	for _, t := range IdentityTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Actors with a reserved meaning in the audit log.
const (
	ActorSystem     = "system"
	ActorAutomation = "automation"
	ActorAdmin      = "admin"
)

// Audit actions.
const (
	ActionCreated         = "application_created"
	ActionStatusChange    = "status_change"
	ActionFlaggedForHuman = "flagged_for_human"
	ActionReminderSent    = "reminder_sent"
)

type Application struct {
	ID                    string   `json:"id"`
	CreatedAt             string   `json:"created_at" format:"date-time"`
	UpdatedAt             string   `json:"updated_at" format:"date-time"`
	Status                Status   `json:"status" enum:"pending,email_sent,reviewing,test_sent,verified,rejected"`
	OwnerEmail            string   `json:"owner_email"`
	OwnerName             string   `json:"owner_name,omitempty"`
	EmailVerified         bool     `json:"email_verified"`
	EmailToken            *string  `json:"-"`
	EmailTokenExpires     *string  `json:"-"`
	IdentityLink          string   `json:"identity_link"`
	IdentityType          string   `json:"identity_type" enum:"github,twitter,linkedin,website,moltbook"`
	IdentityVerified      bool     `json:"identity_verified"`
	AgentName             string   `json:"agent_name"`
	AgentDescription      string   `json:"agent_description,omitempty"`
	AgentSkills           []string `json:"agent_skills"`
	AgentURL              *string  `json:"agent_url,omitempty"`
	AgentPlatform         string   `json:"agent_platform,omitempty"`
	Handle                *string  `json:"handle,omitempty"`
	TestTaskSentAt        *string  `json:"test_task_sent_at,omitempty" format:"date-time"`
	TestTaskCompleted     bool     `json:"test_task_completed"`
	TestTaskResult        *string  `json:"test_task_result,omitempty"`
	TestTaskNotes         *string  `json:"test_task_notes,omitempty"`
	ReviewerNotes         *string  `json:"reviewer_notes,omitempty"`
	ApprovedAt            *string  `json:"approved_at,omitempty" format:"date-time"`
	ApprovedBy            *string  `json:"approved_by,omitempty"`
	RejectionReason       *string  `json:"rejection_reason,omitempty"`
	BadgeToken            *string  `json:"badge_token,omitempty"`
	RequiresHumanOverride bool     `json:"requires_human_override"`
	AutoReviewScore       *float64 `json:"auto_review_score,omitempty"`
	LastActionAt          *string  `json:"last_action_at,omitempty" format:"date-time"`
}

type AuditEntry struct {
	ID            string         `json:"id"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	ApplicationID *string        `json:"application_id,omitempty"`
	Actor         string         `json:"actor"`
	Action        string         `json:"action"`
	BeforeState   *string        `json:"before_state,omitempty"`
	AfterState    *string        `json:"after_state,omitempty"`
	Reason        *string        `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Job types produced by the scheduled trigger.
const (
	JobTypeAutoReview   = "auto_review"
	JobTypeSendReminder = "send_reminder"
)

type Job struct {
	ID           string         `json:"id"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	Type         string         `json:"job_type"`
	Payload      map[string]any `json:"payload"`
	Status       JobStatus      `json:"status" enum:"queued,processing,completed,failed"`
	ScheduledFor string         `json:"scheduled_for" format:"date-time"`
	LockedBy     *string        `json:"locked_by,omitempty"`
	LockedAt     *string        `json:"locked_at,omitempty" format:"date-time"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	LastError    *string        `json:"last_error,omitempty"`
	CompletedAt  *string        `json:"completed_at,omitempty" format:"date-time"`
}

// RegistryEntry is the public projection of a verified application.
type RegistryEntry struct {
	ID               string   `json:"id"`
	Handle           string   `json:"handle"`
	AgentName        string   `json:"agent_name"`
	AgentDescription string   `json:"agent_description,omitempty"`
	AgentSkills      []string `json:"agent_skills"`
	AgentURL         *string  `json:"agent_url,omitempty"`
	AgentPlatform    string   `json:"agent_platform,omitempty"`
	IdentityLink     string   `json:"identity_link"`
	IdentityType     string   `json:"identity_type"`
	ApprovedAt       *string  `json:"approved_at,omitempty" format:"date-time"`
}

// Badges derives the public trust badges of a verified application.
func Badges(a Application) []string {
	badges := []string{"identity"}
	if a.IdentityVerified {
		badges = append(badges, "identity_verified")
	}
	if a.TestTaskCompleted {
		badges = append(badges, "behavioral_test")
	}
	return badges
}
