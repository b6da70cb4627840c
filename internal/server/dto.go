package server

import (
	"agentkyc/internal/domain"
)

// Request payloads

type ApplyRequest struct {
	OwnerEmail       string   `json:"owner_email"`
	OwnerName        string   `json:"owner_name"`
	IdentityType     string   `json:"identity_type" enum:"github,twitter,linkedin,website,moltbook"`
	IdentityLink     string   `json:"identity_link"`
	AgentName        string   `json:"agent_name" maxLength:"100"`
	AgentDescription string   `json:"agent_description" maxLength:"2000"`
	AgentSkills      []string `json:"agent_skills,omitempty"`
	AgentURL         string   `json:"agent_url,omitempty"`
	AgentPlatform    string   `json:"agent_platform"`
}

type DecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SendTestRequest struct {
	Task string `json:"task,omitempty"`
}

type EnqueueJobRequest struct {
	JobType      string         `json:"job_type"`
	Payload      map[string]any `json:"payload,omitempty"`
	ScheduledFor string         `json:"scheduled_for,omitempty" format:"date-time"`
}

type CompleteJobRequest struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Response payloads

type ApplyResponse struct {
	Success       bool          `json:"success"`
	ApplicationID string        `json:"application_id"`
	Status        domain.Status `json:"status"`
	Message       string        `json:"message"`
}

type ConfirmResponse struct {
	Success       bool          `json:"success"`
	ApplicationID string        `json:"application_id"`
	Status        domain.Status `json:"status"`
	Message       string        `json:"message"`
}

type OwnerApplication struct {
	AgentName  string        `json:"agent_name"`
	Status     domain.Status `json:"status"`
	ApprovedAt *string       `json:"approved_at,omitempty" format:"date-time"`
}

type OwnerApplicationsResponse struct {
	Applications []OwnerApplication `json:"applications"`
}

type RegistryResponse struct {
	Agents []domain.RegistryEntry `json:"agents"`
	Count  int                    `json:"count"`
}

type ApplicationListResponse struct {
	Applications []domain.Application `json:"applications"`
}

type ApplicationDetailResponse struct {
	Application domain.Application  `json:"application"`
	Audit       []domain.AuditEntry `json:"audit"`
	Allowed     []domain.Status     `json:"allowed_transitions"`
}

type AuditListResponse struct {
	Entries []domain.AuditEntry `json:"entries"`
}

type JobListResponse struct {
	Jobs []domain.Job `json:"jobs"`
}

type NextJobResponse struct {
	Job *domain.Job `json:"job"`
}

type EnqueueJobResponse struct {
	JobID string `json:"job_id"`
}

type CompleteJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func mapOwnerApplications(items []domain.Application) []OwnerApplication {
	out := make([]OwnerApplication, 0, len(items))
	for _, a := range items {
		out = append(out, OwnerApplication{AgentName: a.AgentName, Status: a.Status, ApprovedAt: a.ApprovedAt})
	}
	return out
}
