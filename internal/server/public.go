package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"agentkyc/internal/engine"
	"agentkyc/internal/repo"
)

func registerVerify(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply",
		Method:      http.MethodPost,
		Path:        "/verify",
		Summary:     "Apply for agent verification",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ApplyRequest `json:"body"`
	}) (*struct {
		Body ApplyResponse `json:"body"`
	}, error) {
		res, err := e.Apply(ctx, engine.ApplyInput{
			OwnerEmail:       input.Body.OwnerEmail,
			OwnerName:        input.Body.OwnerName,
			IdentityType:     input.Body.IdentityType,
			IdentityLink:     input.Body.IdentityLink,
			AgentName:        input.Body.AgentName,
			AgentDescription: input.Body.AgentDescription,
			AgentSkills:      input.Body.AgentSkills,
			AgentURL:         input.Body.AgentURL,
			AgentPlatform:    input.Body.AgentPlatform,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplyResponse `json:"body"`
		}{Body: ApplyResponse{
			Success:       true,
			ApplicationID: res.ApplicationID,
			Status:        res.Status,
			Message:       res.Message,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-owner-applications",
		Method:      http.MethodGet,
		Path:        "/verify",
		Summary:     "List applications of an owner email",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Email string `query:"email"`
	}) (*struct {
		Body OwnerApplicationsResponse `json:"body"`
	}, error) {
		apps, err := e.ApplicationsByEmail(ctx, input.Email)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OwnerApplicationsResponse `json:"body"`
		}{Body: OwnerApplicationsResponse{Applications: mapOwnerApplications(apps)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-email",
		Method:      http.MethodGet,
		Path:        "/verify/confirm",
		Summary:     "Confirm an owner email and start review",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Token string `query:"token"`
	}) (*struct {
		Body ConfirmResponse `json:"body"`
	}, error) {
		app, err := e.ConfirmEmail(ctx, input.Token)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfirmResponse `json:"body"`
		}{Body: ConfirmResponse{
			Success:       true,
			ApplicationID: app.ID,
			Status:        app.Status,
			Message:       engine.MessageEmailConfirm,
		}}, nil
	})
}

func registerRegistry(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "registry",
		Method:      http.MethodGet,
		Path:        "/registry",
		Summary:     "List verified agents",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Platform string `query:"platform"`
		Skill    string `query:"skill"`
	}) (*struct {
		CacheControl string           `header:"Cache-Control"`
		Body         RegistryResponse `json:"body"`
	}, error) {
		agents, err := e.Registry(ctx, repo.RegistryFilters{
			Platform: strings.TrimSpace(input.Platform),
			Skill:    strings.TrimSpace(input.Skill),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			CacheControl string           `header:"Cache-Control"`
			Body         RegistryResponse `json:"body"`
		}{CacheControl: "public, max-age=60", Body: RegistryResponse{Agents: agents, Count: len(agents)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-status",
		Method:      http.MethodGet,
		Path:        "/status/{handle}",
		Summary:     "Verification status of a handle",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Handle string `path:"handle"`
	}) (*struct {
		CacheControl string             `header:"Cache-Control"`
		Body         engine.AgentStatus `json:"body"`
	}, error) {
		status, err := e.StatusByHandle(ctx, input.Handle)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not_verified", "no verified agent with this handle", map[string]any{
				"verified": false,
				"handle":   input.Handle,
			})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			CacheControl string             `header:"Cache-Control"`
			Body         engine.AgentStatus `json:"body"`
		}{CacheControl: "public, max-age=300", Body: status}, nil
	})
}
