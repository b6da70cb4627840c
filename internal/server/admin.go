package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"agentkyc/internal/domain"
	"agentkyc/internal/engine"
	"agentkyc/internal/repo"
)

type applicationPath struct {
	ApplicationID string `path:"application_id"`
}

func registerAdminApplications(api huma.API, e engine.Engine) {
	adminErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
		http.StatusBadGateway,
		http.StatusInternalServerError,
	}

	huma.Register(api, huma.Operation{
		OperationID: "admin-list-applications",
		Method:      http.MethodGet,
		Path:        "/admin/applications",
		Summary:     "List applications",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body ApplicationListResponse `json:"body"`
	}, error) {
		status := strings.TrimSpace(input.Status)
		if status != "" {
			if _, err := domain.ParseStatus(status); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		}
		apps, err := e.Repo.ListApplications(ctx, repo.ApplicationFilters{Status: status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationListResponse `json:"body"`
		}{Body: ApplicationListResponse{Applications: apps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-get-application",
		Method:      http.MethodGet,
		Path:        "/admin/applications/{application_id}",
		Summary:     "Get an application with its audit trail",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *applicationPath) (*struct {
		Body ApplicationDetailResponse `json:"body"`
	}, error) {
		app, err := e.Repo.GetApplication(ctx, input.ApplicationID)
		if err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListAuditEntries(ctx, repo.AuditFilters{ApplicationID: app.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicationDetailResponse `json:"body"`
		}{Body: ApplicationDetailResponse{
			Application: app,
			Audit:       entries,
			Allowed:     engine.AllowedFrom(app.Status),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-approve",
		Method:      http.MethodPost,
		Path:        "/admin/applications/{application_id}/approve",
		Summary:     "Approve an application under review",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		ApplicationID string          `path:"application_id"`
		Body          DecisionRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		app, err := e.Approve(ctx, input.ApplicationID, actorFromContext(ctx, domain.ActorAdmin), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-reject",
		Method:      http.MethodPost,
		Path:        "/admin/applications/{application_id}/reject",
		Summary:     "Reject an application",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		ApplicationID string          `path:"application_id"`
		Body          DecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		app, err := e.Reject(ctx, input.ApplicationID, actorFromContext(ctx, domain.ActorAdmin), input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-send-test",
		Method:      http.MethodPost,
		Path:        "/admin/applications/{application_id}/send-test",
		Summary:     "Mail a behavioral test task",
		Errors:      adminErrors,
	}, func(ctx context.Context, input *struct {
		ApplicationID string          `path:"application_id"`
		Body          SendTestRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.Application `json:"body"`
	}, error) {
		app, err := e.SendTest(ctx, input.ApplicationID, actorFromContext(ctx, domain.ActorAdmin), input.Body.Task)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Application `json:"body"`
		}{Body: app}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-stats",
		Method:      http.MethodGet,
		Path:        "/admin/stats",
		Summary:     "Application counts by status",
		Errors:      adminErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Stats `json:"body"`
	}, error) {
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Stats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerAdminAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-audit",
		Method:      http.MethodGet,
		Path:        "/admin/audit",
		Summary:     "List audit entries, newest first",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ApplicationID string `query:"application_id"`
		Limit         int    `query:"limit"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		entries, err := e.Repo.ListAuditEntries(ctx, repo.AuditFilters{
			ApplicationID: strings.TrimSpace(input.ApplicationID),
			Limit:         normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: AuditListResponse{Entries: entries}}, nil
	})
}

func registerAdminJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-jobs",
		Method:      http.MethodGet,
		Path:        "/admin/jobs",
		Summary:     "List jobs, newest first",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"queued,processing,completed,failed"`
		Type   string `query:"job_type"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		items, err := e.Queue().List(ctx, repo.JobFilters{
			Status: input.Status,
			Type:   strings.TrimSpace(input.Type),
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Jobs: items}}, nil
	})
}
