package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"agentkyc/internal/domain"
	"agentkyc/internal/engine"
)

var knownJobTypes = map[string]bool{
	domain.JobTypeAutoReview:   true,
	domain.JobTypeSendReminder: true,
}

func registerAgentJobs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "lease-next-job",
		Method:      http.MethodGet,
		Path:        "/agent-jobs/next",
		Summary:     "Lease the oldest due job",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		WorkerID string `header:"X-Worker-Id"`
	}) (*struct {
		Body NextJobResponse `json:"body"`
	}, error) {
		workerID := strings.TrimSpace(input.WorkerID)
		if workerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", headerWorkerID+" header required", nil)
		}
		job, err := e.Queue().LeaseNext(ctx, workerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NextJobResponse `json:"body"`
		}{Body: NextJobResponse{Job: job}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-job",
		Method:        http.MethodPost,
		Path:          "/agent-jobs",
		Summary:       "Enqueue a job",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body EnqueueJobRequest `json:"body"`
	}) (*struct {
		Body EnqueueJobResponse `json:"body"`
	}, error) {
		jobType := strings.TrimSpace(input.Body.JobType)
		if !knownJobTypes[jobType] {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown job type", map[string]any{"job_type": jobType})
		}
		var at *time.Time
		if raw := strings.TrimSpace(input.Body.ScheduledFor); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "scheduled_for must be RFC3339", nil)
			}
			at = &t
		}
		id, err := e.Queue().Enqueue(ctx, jobType, input.Body.Payload, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnqueueJobResponse `json:"body"`
		}{Body: EnqueueJobResponse{JobID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/agent-jobs/{job_id}/complete",
		Summary:     "Report a leased job as done or failed",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		JobID    string             `path:"job_id"`
		WorkerID string             `header:"X-Worker-Id"`
		Body     CompleteJobRequest `json:"body"`
	}) (*struct {
		Body CompleteJobResponse `json:"body"`
	}, error) {
		workerID := strings.TrimSpace(input.WorkerID)
		if workerID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", headerWorkerID+" header required", nil)
		}
		if err := e.Queue().Complete(ctx, input.JobID, workerID, input.Body.Success, input.Body.Error); err != nil {
			return nil, handleError(err)
		}
		status := domain.JobCompleted
		if !input.Body.Success {
			status = domain.JobFailed
		}
		return &struct {
			Body CompleteJobResponse `json:"body"`
		}{Body: CompleteJobResponse{JobID: input.JobID, Status: string(status)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "auto-review",
		Method:      http.MethodPost,
		Path:        "/agent-jobs/auto-review",
		Summary:     "Run one auto-review pass",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.ReviewPass `json:"body"`
	}, error) {
		pass, err := e.RunAutoReviewPass(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReviewPass `json:"body"`
		}{Body: pass}, nil
	})
}

func registerCron(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "cron-tick",
		Method:      http.MethodPost,
		Path:        "/cron/tick",
		Summary:     "Enqueue scheduled work",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.TickResult `json:"body"`
	}, error) {
		res, err := e.ScheduleTick(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TickResult `json:"body"`
		}{Body: res}, nil
	})
}
