package agentkycsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal AgentKYC HTTP API client.
type Client struct {
	BaseURL         string
	BearerToken     string
	AdminToken      string
	AutomationToken string
	HTTPClient      *http.Client
	Timeout         time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g.
// http://localhost:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Application is the admin view of an application (partial).
type Application struct {
	ID                    string   `json:"id"`
	Status                string   `json:"status"`
	OwnerEmail            string   `json:"owner_email"`
	AgentName             string   `json:"agent_name"`
	AgentPlatform         string   `json:"agent_platform"`
	Handle                string   `json:"handle,omitempty"`
	ApprovedAt            string   `json:"approved_at,omitempty"`
	RejectionReason       string   `json:"rejection_reason,omitempty"`
	RequiresHumanOverride bool     `json:"requires_human_override"`
	AutoReviewScore       *float64 `json:"auto_review_score,omitempty"`
}

// AuditEntry is one audit log row.
type AuditEntry struct {
	ID            string         `json:"id"`
	CreatedAt     string         `json:"created_at"`
	ApplicationID string         `json:"application_id,omitempty"`
	Actor         string         `json:"actor"`
	Action        string         `json:"action"`
	BeforeState   string         `json:"before_state,omitempty"`
	AfterState    string         `json:"after_state,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type ApplyRequest struct {
	OwnerEmail       string   `json:"owner_email"`
	OwnerName        string   `json:"owner_name"`
	IdentityType     string   `json:"identity_type"`
	IdentityLink     string   `json:"identity_link"`
	AgentName        string   `json:"agent_name"`
	AgentDescription string   `json:"agent_description"`
	AgentSkills      []string `json:"agent_skills,omitempty"`
	AgentURL         string   `json:"agent_url,omitempty"`
	AgentPlatform    string   `json:"agent_platform"`
}

type ApplyResponse struct {
	Success       bool   `json:"success"`
	ApplicationID string `json:"application_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
}

// Agent is a public registry entry.
type Agent struct {
	ID            string   `json:"id"`
	Handle        string   `json:"handle"`
	AgentName     string   `json:"agent_name"`
	AgentSkills   []string `json:"agent_skills"`
	AgentPlatform string   `json:"agent_platform,omitempty"`
	ApprovedAt    string   `json:"approved_at,omitempty"`
}

type AgentStatus struct {
	Verified bool     `json:"verified"`
	Agent    Agent    `json:"agent"`
	Badges   []string `json:"badges"`
}

type Job struct {
	ID          string         `json:"id"`
	Type        string         `json:"job_type"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LockedBy    string         `json:"locked_by,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

type ReviewResult struct {
	ApplicationID string  `json:"application_id"`
	Action        string  `json:"action"`
	Reason        string  `json:"reason"`
	Score         float64 `json:"score"`
	Handle        string  `json:"handle,omitempty"`
}

type ReviewPass struct {
	Skipped         bool           `json:"skipped"`
	SkipReason      string         `json:"skip_reason,omitempty"`
	Processed       int            `json:"processed"`
	RemainingBudget int            `json:"remaining_budget"`
	Results         []ReviewResult `json:"results"`
}

type TickResult struct {
	AutoReviewJobID string   `json:"auto_review_job_id"`
	ReminderJobIDs  []string `json:"reminder_job_ids"`
	Reminders       int      `json:"reminders"`
	Requeued        int      `json:"requeued"`
}

type Stats struct {
	Counts map[string]int `json:"stats"`
	Total  int            `json:"total"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Apply submits or refreshes an application.
func (c *Client) Apply(ctx context.Context, req ApplyRequest) (ApplyResponse, error) {
	var resp ApplyResponse
	err := c.do(ctx, http.MethodPost, "verify", req, nil, &resp)
	return resp, err
}

// Confirm consumes an email token.
func (c *Client) Confirm(ctx context.Context, token string) (ApplyResponse, error) {
	var resp ApplyResponse
	err := c.do(ctx, http.MethodGet, "verify/confirm?token="+url.QueryEscape(token), nil, nil, &resp)
	return resp, err
}

// Status looks up a verified handle.
func (c *Client) Status(ctx context.Context, handle string) (AgentStatus, error) {
	var resp AgentStatus
	err := c.do(ctx, http.MethodGet, "status/"+url.PathEscape(handle), nil, nil, &resp)
	return resp, err
}

// Registry lists verified agents, optionally filtered.
func (c *Client) Registry(ctx context.Context, platform, skill string) ([]Agent, error) {
	q := url.Values{}
	if platform != "" {
		q.Set("platform", platform)
	}
	if skill != "" {
		q.Set("skill", skill)
	}
	var resp struct {
		Agents []Agent `json:"agents"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("registry", q), nil, nil, &resp)
	return resp.Agents, err
}

// LeaseJob returns the next due job, or nil when the queue is idle.
func (c *Client) LeaseJob(ctx context.Context, workerID string) (*Job, error) {
	var resp struct {
		Job *Job `json:"job"`
	}
	err := c.do(ctx, http.MethodGet, "agent-jobs/next", nil, map[string]string{"X-Worker-Id": workerID}, &resp)
	return resp.Job, err
}

func (c *Client) EnqueueJob(ctx context.Context, jobType string, payload map[string]any) (string, error) {
	var resp struct {
		JobID string `json:"job_id"`
	}
	body := map[string]any{"job_type": jobType, "payload": payload}
	err := c.do(ctx, http.MethodPost, "agent-jobs", body, nil, &resp)
	return resp.JobID, err
}

func (c *Client) CompleteJob(ctx context.Context, jobID, workerID string, success bool, errText string) error {
	body := map[string]any{"success": success}
	if errText != "" {
		body["error"] = errText
	}
	endpoint := fmt.Sprintf("agent-jobs/%s/complete", url.PathEscape(jobID))
	return c.do(ctx, http.MethodPost, endpoint, body, map[string]string{"X-Worker-Id": workerID}, nil)
}

func (c *Client) RunAutoReview(ctx context.Context) (ReviewPass, error) {
	var resp ReviewPass
	err := c.do(ctx, http.MethodPost, "agent-jobs/auto-review", nil, nil, &resp)
	return resp, err
}

// CronTick triggers the scheduled enqueue on the server.
func (c *Client) CronTick(ctx context.Context) (TickResult, error) {
	var resp TickResult
	err := c.do(ctx, http.MethodPost, "cron/tick", nil, nil, &resp)
	return resp, err
}

func (c *Client) ListApplications(ctx context.Context, status string, limit int) ([]Application, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Applications []Application `json:"applications"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("admin/applications", q), nil, nil, &resp)
	return resp.Applications, err
}

func (c *Client) GetApplication(ctx context.Context, id string) (Application, []AuditEntry, error) {
	var resp struct {
		Application Application  `json:"application"`
		Audit       []AuditEntry `json:"audit"`
	}
	err := c.do(ctx, http.MethodGet, "admin/applications/"+url.PathEscape(id), nil, nil, &resp)
	return resp.Application, resp.Audit, err
}

func (c *Client) Approve(ctx context.Context, id, reason string) (Application, error) {
	return c.decide(ctx, id, "approve", map[string]any{"reason": reason})
}

func (c *Client) Reject(ctx context.Context, id, reason string) (Application, error) {
	return c.decide(ctx, id, "reject", map[string]any{"reason": reason})
}

func (c *Client) SendTest(ctx context.Context, id, task string) (Application, error) {
	return c.decide(ctx, id, "send-test", map[string]any{"task": task})
}

func (c *Client) decide(ctx context.Context, id, action string, body map[string]any) (Application, error) {
	var resp Application
	endpoint := fmt.Sprintf("admin/applications/%s/%s", url.PathEscape(id), action)
	err := c.do(ctx, http.MethodPost, endpoint, body, nil, &resp)
	return resp, err
}

func (c *Client) Audit(ctx context.Context, applicationID string, limit int) ([]AuditEntry, error) {
	q := url.Values{}
	if applicationID != "" {
		q.Set("application_id", applicationID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Entries []AuditEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("admin/audit", q), nil, nil, &resp)
	return resp.Entries, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "admin/stats", nil, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.AdminToken != "":
		req.Header.Set("X-Admin-Token", c.AdminToken)
	case c.AutomationToken != "":
		req.Header.Set("X-Automation-Token", c.AutomationToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
